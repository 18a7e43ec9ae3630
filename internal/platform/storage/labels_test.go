package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) *ServiceAccountSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	raw, err := json.Marshal(map[string]string{"client_email": "labels@test.iam.gserviceaccount.com", "private_key": string(pemKey)})
	require.NoError(t, err)
	signer, err := NewServiceAccountSignerFromJSON(raw)
	require.NoError(t, err)
	return signer
}

func TestLabelObjectPath(t *testing.T) {
	object, err := LabelObjectPath("ord_01H", "7946 1234", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "labels/ord_01H/7946_1234.pdf", object)

	object, err = LabelObjectPath("ord_01H", "../etc", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "labels/ord_01H/.._etc.png", object)

	_, err = LabelObjectPath("", "1", "")
	assert.Error(t, err)
}

func TestLabelArchiveStoreAndSign(t *testing.T) {
	var uploaded string
	now := time.Now().UTC().Truncate(time.Second)
	archive, err := NewLabelArchive(nil, "labels-bucket", testSigner(t),
		WithClock(func() time.Time { return now }),
		WithURLTTL(10*time.Minute),
		func(a *LabelArchive) {
			a.put = func(_ context.Context, object, contentType string, data []byte) error {
				uploaded = object + "|" + contentType + "|" + string(data)
				return nil
			}
		},
	)
	require.NoError(t, err)

	object, err := archive.Store(context.Background(), "ord_1", "TRK1", "", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "labels/ord_1/TRK1.pdf", object)
	assert.Equal(t, "labels/ord_1/TRK1.pdf|application/pdf|%PDF", uploaded)

	url, expires, err := archive.SignedURL(context.Background(), object)
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "labels-bucket"))
	assert.Contains(t, url, "X-Goog-Signature=")
	assert.Equal(t, now.Add(10*time.Minute), expires)

	_, err = archive.Store(context.Background(), "ord_1", "TRK1", "", nil)
	assert.Error(t, err)
}
