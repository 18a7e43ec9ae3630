package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/storefront/fulfillment/internal/domain"
	pfirestore "github.com/storefront/fulfillment/internal/platform/firestore"
)

const pendingIntentsCollection = "pendingIntents"

type pendingIntentDocument struct {
	Intent    domain.PendingIntent `firestore:"intent"`
	Status    string               `firestore:"status"`
	UpdatedAt time.Time            `firestore:"updatedAt"`
}

func newPendingIntentDocument(intent domain.PendingIntent) pendingIntentDocument {
	return pendingIntentDocument{Intent: intent, Status: string(intent.Status), UpdatedAt: intent.UpdatedAt.UTC()}
}

// PendingIntentRepository tracks checkout intents awaiting an order.
type PendingIntentRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[pendingIntentDocument]
}

// NewPendingIntentRepository constructs a Firestore-backed pending intent repository.
func NewPendingIntentRepository(provider *pfirestore.Provider) (*PendingIntentRepository, error) {
	if provider == nil {
		return nil, errors.New("pending intent repository requires firestore provider")
	}
	return &PendingIntentRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[pendingIntentDocument](provider, pendingIntentsCollection),
	}, nil
}

func (r *PendingIntentRepository) Create(ctx context.Context, intent domain.PendingIntent) error {
	if strings.TrimSpace(intent.PaymentIntentID) == "" {
		return errors.New("pending intent repository: payment intent id is required")
	}
	ref, err := r.base.DocumentRef(ctx, intent.PaymentIntentID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newPendingIntentDocument(intent)); err != nil {
		return pfirestore.WrapError("pendingIntents.create", err)
	}
	return nil
}

func (r *PendingIntentRepository) Get(ctx context.Context, paymentIntentID string) (domain.PendingIntent, error) {
	doc, err := r.base.Get(ctx, paymentIntentID)
	if err != nil {
		return domain.PendingIntent{}, err
	}
	return doc.Data.Intent, nil
}

func (r *PendingIntentRepository) Update(ctx context.Context, paymentIntentID string, mutate func(*domain.PendingIntent) error) (domain.PendingIntent, error) {
	var updated domain.PendingIntent
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, paymentIntentID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[pendingIntentDocument](snap)
		if err != nil {
			return err
		}
		intent := doc.Data.Intent
		if err := mutate(&intent); err != nil {
			return err
		}
		updated = intent
		return tx.Set(ref, newPendingIntentDocument(intent))
	})
	if err != nil {
		return domain.PendingIntent{}, pfirestore.WrapError("pendingIntents.update", err)
	}
	return updated, nil
}

func (r *PendingIntentRepository) ListStale(ctx context.Context, statuses []domain.PendingIntentStatus, cutoff time.Time, limit int) ([]domain.PendingIntent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "in", values).Where("updatedAt", "<", cutoff.UTC()).OrderBy("updatedAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	intents := make([]domain.PendingIntent, 0, len(docs))
	for _, doc := range docs {
		intents = append(intents, doc.Data.Intent)
	}
	return intents, nil
}
