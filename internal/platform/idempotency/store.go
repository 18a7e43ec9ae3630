// Package idempotency replays stored responses for retried mutating requests keyed by
// the Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a completed response may be replayed.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a stored key.
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
)

// Outcome reports what Reserve found for a key.
type Outcome int

const (
	// OutcomeAcquired means the caller owns the key and must Complete or Release it.
	OutcomeAcquired Outcome = iota
	// OutcomeReplay means a finished response is available in Entry.
	OutcomeReplay
	// OutcomeBusy means another request currently holds the key.
	OutcomeBusy
)

// Entry is the persisted state of one key.
type Entry struct {
	Key         string
	Fingerprint string
	Status      Status
	StatusCode  int
	Headers     map[string][]string
	Body        []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CapturedResponse is what a handler wrote, ready to be stored.
type CapturedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Store persists key reservations and captured responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Complete(ctx context.Context, key, fingerprint string, resp CapturedResponse, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrKeyReused is returned when a key is presented again with a different request.
var ErrKeyReused = errors.New("idempotency: key already used for a different request")

func documentID(key string) string {
	return digest([]byte(strings.TrimSpace(key)))
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newInFlightEntry(key, fingerprint string, now time.Time, ttl time.Duration) Entry {
	return Entry{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusInFlight,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// storableHeaders drops hop-by-hop and framing headers that must not be replayed.
func storableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade", "trailer", "set-cookie":
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normaliseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
