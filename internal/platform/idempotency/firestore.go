package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/storefront/fulfillment/internal/platform/firestore"
)

const idempotencyCollection = "idempotencyKeys"

// FirestoreStore keeps keys in Firestore so replays survive restarts and span instances.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{provider: provider, collection: idempotencyCollection}
}

type entryDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Status      string              `firestore:"status"`
	StatusCode  int                 `firestore:"statusCode"`
	Headers     map[string][]string `firestore:"headers,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func documentFromEntry(e Entry) entryDocument {
	return entryDocument{
		Key:         e.Key,
		Fingerprint: e.Fingerprint,
		Status:      string(e.Status),
		StatusCode:  e.StatusCode,
		Headers:     e.Headers,
		Body:        e.Body,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
}

func (d entryDocument) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		Status:      Status(d.Status),
		StatusCode:  d.StatusCode,
		Headers:     d.Headers,
		Body:        d.Body,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

func (s *FirestoreStore) ref(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	now = now.UTC()
	ref, err := s.ref(ctx, key)
	if err != nil {
		return 0, Entry{}, err
	}

	var (
		outcome Outcome
		result  Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && !pfirestore.IsNotFound(err) {
			return err
		}
		if err == nil {
			var doc entryDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			existing := doc.entry()
			if !existing.expired(now) {
				if existing.Fingerprint != fingerprint {
					return ErrKeyReused
				}
				outcome, result = OutcomeBusy, existing
				if existing.Status == StatusCompleted {
					outcome = OutcomeReplay
				}
				return nil
			}
		}
		result = newInFlightEntry(key, fingerprint, now, normaliseTTL(ttl))
		outcome = OutcomeAcquired
		return tx.Set(ref, documentFromEntry(result))
	})
	if err != nil {
		return 0, Entry{}, pfirestore.WrapError("idempotency.reserve", err)
	}
	return outcome, result, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp CapturedResponse, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	headers := storableHeaders(resp.Headers)
	body := append([]byte(nil), resp.Body...)

	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		entry := newInFlightEntry(key, fingerprint, now, normaliseTTL(ttl))
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var doc entryDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrKeyReused
			}
			entry = doc.entry()
		case !pfirestore.IsNotFound(err):
			return err
		}
		entry.Status = StatusCompleted
		entry.StatusCode = resp.StatusCode
		entry.Headers = headers
		entry.Body = body
		entry.UpdatedAt = now
		entry.ExpiresAt = now.Add(normaliseTTL(ttl))
		return tx.Set(ref, documentFromEntry(entry))
	})
	return pfirestore.WrapError("idempotency.complete", err)
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && !pfirestore.IsNotFound(err) {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

// PurgeExpired deletes at most limit entries whose expiry has passed.
func (s *FirestoreStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	writer := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := writer.Delete(doc.Ref); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.purge", err)
		}
	}
	writer.End()
	return len(docs), nil
}
