package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront/fulfillment/internal/domain"
	pfirestore "github.com/storefront/fulfillment/internal/platform/firestore"
	"github.com/storefront/fulfillment/internal/platform/pagination"
	"github.com/storefront/fulfillment/internal/repositories"
)

const (
	ordersCollection       = "orders"
	orderIntentsCollection = "orderIntents"
	orderChargesCollection = "orderCharges"
)

// orderDocument stores the aggregate under "order" alongside the top-level fields used by
// queries.
type orderDocument struct {
	Order               domain.Order `firestore:"order"`
	UserID              string       `firestore:"userId"`
	Status              string       `firestore:"status"`
	PaymentIntentID     string       `firestore:"paymentIntentId"`
	TrackingNumber      string       `firestore:"trackingNumber,omitempty"`
	CancellationPending bool         `firestore:"cancellationPending"`
	CreatedAt           time.Time    `firestore:"createdAt"`
	UpdatedAt           time.Time    `firestore:"updatedAt"`
}

// orderIntentDocument is the keyed index for both payment intents and charges.
type orderIntentDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	tracking := ""
	if order.Shipment != nil {
		tracking = order.Shipment.TrackingNumber
	}
	return orderDocument{
		TrackingNumber:      tracking,
		Order:               order,
		UserID:              order.UserID,
		Status:              string(order.Status),
		PaymentIntentID:     order.PaymentIntentID,
		CancellationPending: order.Cancellation.Pending(),
		CreatedAt:           order.CreatedAt.UTC(),
		UpdatedAt:           order.UpdatedAt.UTC(),
	}
}

// OrderRepository implements repositories.OrderRepository on Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	intents  *pfirestore.BaseRepository[orderIntentDocument]
	charges  *pfirestore.BaseRepository[orderIntentDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		intents:  pfirestore.NewBaseRepository[orderIntentDocument](provider, orderIntentsCollection),
		charges:  pfirestore.NewBaseRepository[orderIntentDocument](provider, orderChargesCollection),
	}, nil
}

// CreateForIntent writes the intent index with tx.Create so concurrent confirm and webhook
// deliveries for the same intent produce exactly one order. The charge index is claimed in
// the same transaction.
func (r *OrderRepository) CreateForIntent(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	intentID := strings.TrimSpace(order.PaymentIntentID)
	if intentID == "" || strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, false, errors.New("order repository: order id and payment intent id are required")
	}

	var (
		result  domain.Order
		created bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		indexRef, err := r.intents.DocumentRef(ctx, intentID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(indexRef)
		switch status.Code(err) {
		case codes.OK:
			var index orderIntentDocument
			if err := snap.DataTo(&index); err != nil {
				return fmt.Errorf("decode order intent %s: %w", intentID, err)
			}
			existingRef, err := r.orders.DocumentRef(ctx, index.OrderID)
			if err != nil {
				return err
			}
			existingSnap, err := tx.Get(existingRef)
			if err != nil {
				return err
			}
			doc, err := pfirestore.Decode[orderDocument](existingSnap)
			if err != nil {
				return err
			}
			result = doc.Data.Order
			return nil
		case codes.NotFound:
		default:
			return err
		}

		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		claimCharge, err := r.checkCharge(ctx, tx, order.ID, order.ChargeID)
		if err != nil {
			return err
		}
		if err := tx.Create(indexRef, orderIntentDocument{OrderID: order.ID, CreatedAt: order.CreatedAt.UTC()}); err != nil {
			return err
		}
		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		if err := claimCharge(tx); err != nil {
			return err
		}
		result = order
		created = true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, pfirestore.WrapError("orders.createForIntent", err)
	}
	return result, created, nil
}

// checkCharge reads the charge index and fails with a conflict when another order already
// holds chargeID. The returned func writes the index entry; Firestore requires every read
// of the transaction to happen before it runs.
func (r *OrderRepository) checkCharge(ctx context.Context, tx *firestore.Transaction, orderID, chargeID string) (func(*firestore.Transaction) error, error) {
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return func(*firestore.Transaction) error { return nil }, nil
	}
	ref, err := r.charges.DocumentRef(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	snap, err := tx.Get(ref)
	switch status.Code(err) {
	case codes.OK:
		var index orderIntentDocument
		if err := snap.DataTo(&index); err != nil {
			return nil, fmt.Errorf("decode order charge %s: %w", chargeID, err)
		}
		if index.OrderID != orderID {
			return nil, repositories.NewConflictError("orders.charge", "charge "+chargeID+" for order "+index.OrderID)
		}
		return func(*firestore.Transaction) error { return nil }, nil
	case codes.NotFound:
	default:
		return nil, err
	}
	return func(tx *firestore.Transaction) error {
		return tx.Create(ref, orderIntentDocument{OrderID: orderID, CreatedAt: time.Now().UTC()})
	}, nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.Order, nil
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	index, err := r.intents.Get(ctx, paymentIntentID)
	if err != nil {
		return domain.Order{}, err
	}
	return r.Get(ctx, index.Data.OrderID)
}

func (r *OrderRepository) FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return domain.Order{}, repositories.NewNotFoundError("orders.findByTrackingNumber", "order for empty tracking number")
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("trackingNumber", "==", trackingNumber).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.NewNotFoundError("orders.findByTrackingNumber", "order for tracking "+trackingNumber)
	}
	return docs[0].Data.Order, nil
}

// Update performs a transactional read-modify-write of the order.
func (r *OrderRepository) Update(ctx context.Context, orderID string, mutate repositories.OrderMutator) (domain.Order, error) {
	if mutate == nil {
		return domain.Order{}, errors.New("order repository: mutate func is required")
	}
	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[orderDocument](snap)
		if err != nil {
			return err
		}
		order := doc.Data.Order
		previousCharge := order.ChargeID
		if err := mutate(&order); err != nil {
			return err
		}
		claimCharge := func(*firestore.Transaction) error { return nil }
		if order.ChargeID != previousCharge {
			if claimCharge, err = r.checkCharge(ctx, tx, order.ID, order.ChargeID); err != nil {
				return err
			}
		}
		if err := tx.Set(ref, newOrderDocument(order)); err != nil {
			return err
		}
		if err := claimCharge(tx); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return updated, nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.UserID != "" {
			q = q.Where("userId", "==", filter.UserID)
		}
		if len(filter.Statuses) == 1 {
			q = q.Where("status", "==", string(filter.Statuses[0]))
		} else if len(filter.Statuses) > 1 {
			values := make([]string, 0, len(filter.Statuses))
			for _, s := range filter.Statuses {
				values = append(values, string(s))
			}
			q = q.Where("status", "in", values)
		}
		if filter.CreatedAt.From != nil {
			q = q.Where("createdAt", ">=", filter.CreatedAt.From.UTC())
		}
		if filter.CreatedAt.To != nil {
			q = q.Where("createdAt", "<=", filter.CreatedAt.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}

	page := domain.Page[domain.Order]{}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.Page[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.Order)
	}
	return page, nil
}

func (r *OrderRepository) ListPendingCancellations(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("cancellationPending", "==", true).OrderBy("updatedAt", firestore.Asc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.Order)
	}
	return orders, nil
}
