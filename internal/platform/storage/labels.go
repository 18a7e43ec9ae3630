package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const defaultLabelURLTTL = 15 * time.Minute

var unsafeObjectChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// LabelArchive stores carrier label documents and returns time-limited links to them.
type LabelArchive struct {
	bucket string
	signer Signer
	ttl    time.Duration
	now    func() time.Time
	put    func(ctx context.Context, object, contentType string, data []byte) error
}

// LabelArchiveOption customises the archive.
type LabelArchiveOption func(*LabelArchive)

// WithURLTTL overrides the signed URL lifetime.
func WithURLTTL(ttl time.Duration) LabelArchiveOption {
	return func(a *LabelArchive) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) LabelArchiveOption {
	return func(a *LabelArchive) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewLabelArchive builds an archive writing to bucket through client.
func NewLabelArchive(client *gcs.Client, bucket string, signer Signer, opts ...LabelArchiveOption) (*LabelArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: labels bucket is required")
	}
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errors.New("storage: signer is required")
	}
	archive := &LabelArchive{bucket: bucket, signer: signer, ttl: defaultLabelURLTTL, now: time.Now}
	if client != nil {
		archive.put = func(ctx context.Context, object, contentType string, data []byte) error {
			w := client.Bucket(bucket).Object(object).NewWriter(ctx)
			w.ContentType = contentType
			w.CacheControl = "private, max-age=0"
			if _, err := w.Write(data); err != nil {
				_ = w.Close()
				return err
			}
			return w.Close()
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(archive)
		}
	}
	if archive.put == nil {
		return nil, errors.New("storage: client is required")
	}
	return archive, nil
}

// LabelObjectPath returns the object key for an order's label.
func LabelObjectPath(orderID, trackingNumber, contentType string) (string, error) {
	orderID = unsafeObjectChars.ReplaceAllString(strings.TrimSpace(orderID), "_")
	trackingNumber = unsafeObjectChars.ReplaceAllString(strings.TrimSpace(trackingNumber), "_")
	if orderID == "" || trackingNumber == "" {
		return "", errors.New("storage: order id and tracking number are required")
	}
	ext := ".pdf"
	switch strings.ToLower(contentType) {
	case "image/png":
		ext = ".png"
	case "application/zpl", "application/x-zpl":
		ext = ".zpl"
	}
	return path.Join("labels", orderID, trackingNumber+ext), nil
}

// Store uploads the label and returns its object key.
func (a *LabelArchive) Store(ctx context.Context, orderID, trackingNumber, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("storage: label data is empty")
	}
	if contentType == "" {
		contentType = "application/pdf"
	}
	object, err := LabelObjectPath(orderID, trackingNumber, contentType)
	if err != nil {
		return "", err
	}
	if err := a.put(ctx, object, contentType, data); err != nil {
		return "", fmt.Errorf("storage: upload label %s: %w", object, err)
	}
	return object, nil
}

// SignedURL returns a V4 signed GET URL for object.
func (a *LabelArchive) SignedURL(ctx context.Context, object string) (string, time.Time, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return "", time.Time{}, errors.New("storage: object name is required")
	}
	expires := a.now().Add(a.ttl).UTC()
	url, err := gcs.SignedURL(a.bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID: a.signer.Email(),
		SignBytes: func(payload []byte) ([]byte, error) {
			return a.signer.SignBytes(ctx, payload)
		},
		Method:  "GET",
		Expires: expires,
		Scheme:  gcs.SigningSchemeV4,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign url: %w", err)
	}
	return url, expires, nil
}
