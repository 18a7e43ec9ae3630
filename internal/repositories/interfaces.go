package repositories

import (
	"context"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderMutator mutates an order inside a read-modify-write transaction. Returning an error
// aborts the write and is passed back to the caller unchanged.
type OrderMutator func(order *domain.Order) error

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Statuses   []domain.OrderStatus
	CreatedAt  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// OrderRepository persists order aggregates.
type OrderRepository interface {
	// CreateForIntent inserts order unless an order already exists for its payment intent,
	// in which case the existing order is returned with created=false.
	CreateForIntent(ctx context.Context, order domain.Order) (result domain.Order, created bool, err error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error)
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Order, error)
	Update(ctx context.Context, orderID string, mutate OrderMutator) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
	ListPendingCancellations(ctx context.Context, limit int) ([]domain.Order, error)
}

// CouponRedemption describes a single coupon use to record.
type CouponRedemption struct {
	Code        string
	UserID      string
	OrderNumber string
	At          time.Time
}

// CouponRepository persists coupons and their usage ledger.
type CouponRepository interface {
	Get(ctx context.Context, code string) (domain.Coupon, error)
	Upsert(ctx context.Context, coupon domain.Coupon) error
	// Redeem atomically re-checks the usage limits, increments the used count and appends
	// a ledger entry. Limit violations return a *CouponError.
	Redeem(ctx context.Context, redemption CouponRedemption) (domain.Coupon, error)
}

// StockLine is a quantity of a product to deduct or restore.
type StockLine struct {
	ProductID string
	Quantity  int
}

// InventoryRepository maintains per-product stock counters.
type InventoryRepository interface {
	Get(ctx context.Context, productID string) (domain.StockItem, error)
	Upsert(ctx context.Context, item domain.StockItem) error
	// DeductForOrder decrements every line atomically. It is a no-op when the order's
	// deduction was already applied.
	DeductForOrder(ctx context.Context, orderID string, lines []StockLine) error
	// RestoreForOrder adds back exactly the lines recorded by the order's deduction, once.
	// It reports false when nothing was deducted for the order or the restore already ran.
	RestoreForOrder(ctx context.Context, orderID string) (bool, error)
}

// CartRepository stores per-user carts.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart) error
	Clear(ctx context.Context, userID string) error
}

// CounterRepository provides monotonically increasing sequences.
type CounterRepository interface {
	Next(ctx context.Context, counterID string) (int64, error)
}

// PendingIntentRepository tracks payment intents that have not produced an order yet.
type PendingIntentRepository interface {
	Create(ctx context.Context, intent domain.PendingIntent) error
	Get(ctx context.Context, paymentIntentID string) (domain.PendingIntent, error)
	Update(ctx context.Context, paymentIntentID string, mutate func(*domain.PendingIntent) error) (domain.PendingIntent, error)
	// ListStale returns intents in the given statuses last updated before cutoff.
	ListStale(ctx context.Context, statuses []domain.PendingIntentStatus, cutoff time.Time, limit int) ([]domain.PendingIntent, error)
}

// CustomerRepository maps storefront users to gateway customers.
type CustomerRepository interface {
	Get(ctx context.Context, userID string) (domain.PaymentCustomer, error)
	Save(ctx context.Context, customer domain.PaymentCustomer) error
}
