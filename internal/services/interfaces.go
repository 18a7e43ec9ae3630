package services

import (
	"context"
	"time"

	"github.com/storefront/fulfillment/internal/carrier"
	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories"
)

// Type aliases expose domain models to the services package callers.
type (
	Order           = domain.Order
	OrderStatus     = domain.OrderStatus
	Address         = domain.Address
	OrderStatistics = domain.OrderStatistics
)

// Actor roles recognised by authorization checks.
const (
	ActorRoleCustomer = "user"
	ActorRoleStaff    = "staff"
	ActorRoleAdmin    = "admin"
	ActorRoleSystem   = "system"
)

// Actor identifies who initiated an operation.
type Actor struct {
	ID   string
	Role string
}

// Privileged reports whether the actor may act on orders they do not own.
func (a Actor) Privileged() bool {
	switch a.Role {
	case ActorRoleStaff, ActorRoleAdmin, ActorRoleSystem:
		return true
	}
	return false
}

func (a Actor) label() string {
	if a.ID == "" {
		return a.Role
	}
	return a.Role + ":" + a.ID
}

// SystemActor is used for webhook and sweep driven mutations.
var SystemActor = Actor{ID: "fulfillment", Role: ActorRoleSystem}

// CouponQuote is the outcome of validating a coupon against a cart.
type CouponQuote struct {
	Code     string
	Coupon   domain.Coupon
	Discount int64
}

// CouponValidateCommand describes a prospective coupon use.
type CouponValidateCommand struct {
	Code     string
	UserID   string
	Subtotal int64
	Lines    []domain.OrderLine
}

// CouponLedger validates discount codes and debits their usage budget.
type CouponLedger interface {
	Validate(ctx context.Context, cmd CouponValidateCommand) (CouponQuote, error)
	RecordUsage(ctx context.Context, code, userID, orderNumber string) error
}

// OrderListFilter narrows order listings. A non-privileged actor only sees their own orders.
type OrderListFilter struct {
	Actor      Actor
	UserID     string
	Statuses   []domain.OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination domain.Pagination
}

// GetOrderCommand loads a single order on behalf of an actor.
type GetOrderCommand struct {
	OrderID string
	Actor   Actor
}

// OrderStatusCommand requests an administrative status transition.
type OrderStatusCommand struct {
	OrderID string
	Status  domain.OrderStatus
	Actor   Actor
	Note    string
}

// StatisticsQuery bounds the order statistics computation.
type StatisticsQuery struct {
	From *time.Time
	To   *time.Time
}

// OrderService owns the order lifecycle and read models.
type OrderService interface {
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error)
	UpdateStatus(ctx context.Context, cmd OrderStatusCommand) (Order, error)
	Statistics(ctx context.Context, query StatisticsQuery) (OrderStatistics, error)
}

// CreateIntentCommand starts checkout for the user's current cart.
type CreateIntentCommand struct {
	UserID          string
	Email           string
	ShippingCost    int64
	CouponCode      string
	ShippingAddress *domain.Address
	ShippingService string
}

// CheckoutIntent is returned to the client to complete payment at the gateway.
type CheckoutIntent struct {
	PaymentIntentID string
	ClientSecret    string
	Currency        string
	Totals          domain.OrderTotals
	Coupon          *domain.AppliedCoupon
	ExpiresAt       time.Time
}

// ConfirmPaymentCommand is the client-driven confirmation of a completed payment.
type ConfirmPaymentCommand struct {
	UserID          string
	PaymentIntentID string
	ShippingAddress *domain.Address
	BillingAddress  *domain.Address
	ShippingService string
	CouponCode      string
}

// WebhookResult reports what a webhook delivery did.
type WebhookResult struct {
	EventID   string
	EventType string
	OrderID   string
	Duplicate bool
	Ignored   bool
}

// ReconcileReport summarises a pending-intent sweep.
type ReconcileReport struct {
	Scanned      int
	Materialized int
	Succeeded    int
	Failed       int
	Expired      int
	Errors       int
}

// PaymentReconciler converges gateway payment state onto orders.
type PaymentReconciler interface {
	CreateIntent(ctx context.Context, cmd CreateIntentCommand) (CheckoutIntent, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	ApplyWebhookEvent(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
	ReconcilePending(ctx context.Context, limit int) (ReconcileReport, error)
}

// CreateShipmentCommand requests a carrier label for a paid order.
type CreateShipmentCommand struct {
	OrderID     string
	ServiceType string
	Actor       Actor
}

// RefreshTrackingCommand polls the carrier for an order's tracking history.
type RefreshTrackingCommand struct {
	OrderID string
	Actor   Actor
}

// RateQuoteCommand prices shipping for the user's current cart.
type RateQuoteCommand struct {
	UserID    string
	Recipient domain.Address
}

// ShipmentOrchestrator ties carrier labels and tracking to orders.
type ShipmentOrchestrator interface {
	CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Order, error)
	UpdateTracking(ctx context.Context, cmd RefreshTrackingCommand) (Order, error)
	HandleTrackingPush(ctx context.Context, trackingNumber string) (Order, error)
	CancelShipment(ctx context.Context, order Order) error
	QuoteRates(ctx context.Context, cmd RateQuoteCommand) ([]carrier.Rate, error)
	ValidateAddress(ctx context.Context, addr domain.Address) (carrier.AddressResolution, error)
}

// CancelOrderCommand cancels an order on behalf of an actor.
type CancelOrderCommand struct {
	OrderID string
	Actor   Actor
	Reason  string
}

// CompensationReport summarises a compensation retry pass.
type CompensationReport struct {
	Scanned   int
	Completed int
	Pending   int
	Errors    int
}

// CancellationSaga unwinds shipment, payment and stock when an order is cancelled.
type CancellationSaga interface {
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	RetryCompensations(ctx context.Context, limit int) (CompensationReport, error)
}

func stockLines(lines []domain.OrderLine) []repositories.StockLine {
	out := make([]repositories.StockLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, repositories.StockLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return out
}
