package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory for tests and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	entry, ok := s.entries[id]
	if !ok || entry.expired(now) {
		entry = newInFlightEntry(key, fingerprint, now, normaliseTTL(ttl))
		s.entries[id] = entry
		return OutcomeAcquired, entry, nil
	}
	if entry.Fingerprint != fingerprint {
		return 0, Entry{}, ErrKeyReused
	}
	if entry.Status == StatusCompleted {
		return OutcomeReplay, cloneEntry(entry), nil
	}
	return OutcomeBusy, entry, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp CapturedResponse, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	entry, ok := s.entries[id]
	if ok && entry.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	if !ok {
		entry = newInFlightEntry(key, fingerprint, now, normaliseTTL(ttl))
	}
	entry.Status = StatusCompleted
	entry.StatusCode = resp.StatusCode
	entry.Headers = storableHeaders(resp.Headers)
	entry.Body = append([]byte(nil), resp.Body...)
	entry.UpdatedAt = now
	entry.ExpiresAt = now.Add(normaliseTTL(ttl))
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, documentID(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if entry.expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func cloneEntry(entry Entry) Entry {
	entry.Body = append([]byte(nil), entry.Body...)
	headers := make(map[string][]string, len(entry.Headers))
	for k, v := range entry.Headers {
		headers[k] = append([]string(nil), v...)
	}
	entry.Headers = headers
	return entry
}
