package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/fulfillment/internal/platform/httpx"
	"github.com/storefront/fulfillment/internal/platform/requestctx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultClockSkew       = 5 * time.Minute
	maxSignedBodyBytes     = 1 << 20
)

// NonceClaimer records nonces so replayed requests can be rejected.
type NonceClaimer interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// HMACValidator verifies callbacks signed with a shared secret over
// METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)).
type HMACValidator struct {
	secrets map[string]string
	nonces  NonceClaimer
	logger  *zap.Logger
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACHeaders overrides the header names; empty values keep the defaults.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACClock injects a custom clock.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewHMACValidator builds a validator over named secrets.
func NewHMACValidator(secrets map[string]string, nonces NonceClaimer, logger *zap.Logger, opts ...HMACOption) *HMACValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &HMACValidator{
		secrets:         secrets,
		nonces:          nonces,
		logger:          logger,
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireHMAC enforces a valid signature made with the named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reject := func(status int, code, message string) {
				v.logger.Warn("auth: hmac verification failed", zap.String("secret", secretName), zap.String("reason", code))
				httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
			}

			secret := strings.TrimSpace(v.secrets[strings.ToLower(secretName)])
			if secret == "" {
				reject(http.StatusServiceUnavailable, "verification_unavailable", "hmac secret not configured")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
			if signatureValue == "" || timestampValue == "" || nonce == "" {
				reject(http.StatusUnauthorized, "signature_missing", "signature headers missing")
				return
			}

			timestamp, err := parseSignatureTimestamp(timestampValue)
			if err != nil {
				reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
				return
			}
			if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
				reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				reject(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
				return
			}
			signature, err := decodeSignature(signatureValue)
			if err != nil {
				reject(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
				return
			}
			expected := ComputeSignature([]byte(secret), r.Method, r.URL.EscapedPath(), timestampValue, nonce, body)
			if !hmac.Equal(signature, expected) {
				reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			if v.nonces != nil {
				fresh, err := v.nonces.Claim(ctx, "nonce:"+secretName+":"+nonce)
				if err != nil {
					reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
					return
				}
				if !fresh {
					reject(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(requestctx.WithActor(ctx, "integration:"+secretName)))
		})
	}
}

// ComputeSignature returns the HMAC-SHA256 over the canonical request string.
func ComputeSignature(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	canonical := strings.Join([]string{strings.ToUpper(method), path, timestamp, nonce, hex.EncodeToString(hash[:])}, "\n")
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0).UTC(), nil
}
