package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// Page wraps a list result with the token required to fetch the next page.
type Page[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order exists but payment has not been confirmed.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment confirmation is in flight.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusConfirmed indicates payment succeeded and the order awaits shipment.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusShipped indicates a carrier label has been created.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier reported delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order has been cancelled.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the payment was fully refunded outside a cancellation.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus tracks the gateway-reported state of an order payment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially-refunded"
)

// ShippingStatus tracks the carrier-side lifecycle of a shipment.
type ShippingStatus string

const (
	ShippingStatusPending        ShippingStatus = "pending"
	ShippingStatusLabelCreated   ShippingStatus = "label-created"
	ShippingStatusPickedUp       ShippingStatus = "picked-up"
	ShippingStatusInTransit      ShippingStatus = "in-transit"
	ShippingStatusOutForDelivery ShippingStatus = "out-for-delivery"
	ShippingStatusDelivered      ShippingStatus = "delivered"
	ShippingStatusException      ShippingStatus = "exception"
	ShippingStatusReturned       ShippingStatus = "returned"
)

// Order is the fulfillment aggregate persisted per successful payment.
type Order struct {
	ID              string
	Number          string
	UserID          string
	Lines           []OrderLine
	ShippingAddress *Address
	BillingAddress  *Address
	ShippingService string
	Totals          OrderTotals
	Currency        string
	Coupon          *AppliedCoupon
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	ChargeID        string
	ShippingStatus  ShippingStatus
	Shipment        *Shipment
	TrackingEvents  []TrackingEvent
	StatusHistory   []StatusChange
	Refund          *RefundDetails
	StockDeduction  *StepState
	Cancellation    *Cancellation
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
}

// OrderLine is a frozen snapshot of a cart line taken when payment is confirmed.
type OrderLine struct {
	ProductID  string
	Title      string
	ImageURL   string
	Category   string
	UnitPrice  int64
	Quantity   int
	Dimensions *Dimensions
	WeightLb   *float64
}

// LineTotal returns the extended price for the line.
func (l OrderLine) LineTotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// ComputeTotal applies total = subtotal - discount + shipping + tax.
func (t OrderTotals) ComputeTotal() int64 {
	return t.Subtotal - t.Discount + t.Shipping + t.Tax
}

// Balanced reports whether Total matches the component amounts within one minor unit.
func (t OrderTotals) Balanced() bool {
	diff := t.Total - t.ComputeTotal()
	return diff >= -1 && diff <= 1
}

// AppliedCoupon summarises the coupon used on an order.
type AppliedCoupon struct {
	Code         string
	DiscountType DiscountType
	Value        int64
	Discount     int64
}

// Address stores postal information used for shipping and billing.
type Address struct {
	Recipient   string
	Company     string
	Line1       string
	Line2       string
	City        string
	State       string
	PostalCode  string
	Country     string
	Phone       string
	Residential bool
}

// Dimensions are package or item measurements in inches.
type Dimensions struct {
	Length float64
	Width  float64
	Height float64
}

// Shipment is the carrier block attached to an order once a label exists.
type Shipment struct {
	Carrier           string
	TrackingNumber    string
	LabelURL          string
	LabelObject       string
	ServiceType       string
	EstimatedDelivery *time.Time
	Packages          []Package
	CreatedAt         time.Time
}

// Package is a single shippable parcel produced by the package planner.
type Package struct {
	Dimensions Dimensions
	WeightLb   float64
	ItemCount  int
}

// LinearInches returns length + width + height.
func (p Package) LinearInches() float64 {
	return p.Dimensions.Length + p.Dimensions.Width + p.Dimensions.Height
}

// TrackingEvent stores a carrier scan event.
type TrackingEvent struct {
	Status      ShippingStatus
	Description string
	Location    string
	OccurredAt  time.Time
}

// StatusChange is an audit entry appended on every order status transition.
type StatusChange struct {
	Status OrderStatus
	At     time.Time
	Actor  string
	Note   string
}

// RefundDetails records the most recent refund state reported by the gateway.
type RefundDetails struct {
	RefundID   string
	Amount     int64
	Status     string
	Reason     string
	RefundedAt time.Time
}

// CancellationStep names one compensating action of the cancellation saga.
type CancellationStep string

const (
	CancellationStepVoidShipment     CancellationStep = "void_shipment"
	CancellationStepRefundPayment    CancellationStep = "refund_payment"
	CancellationStepRestoreInventory CancellationStep = "restore_inventory"
	CancellationStepMarkCancelled    CancellationStep = "mark_cancelled"
)

// StepStatus is the durable outcome of a cancellation step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusCompleted StepStatus = "completed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusFailed    StepStatus = "failed"
)

// StepState captures the recorded outcome of a single saga step.
type StepState struct {
	Status    StepStatus
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Cancellation records who cancelled an order and which compensations are outstanding.
type Cancellation struct {
	Actor       string
	ActorRole   string
	Reason      string
	RequestedAt time.Time
	CompletedAt *time.Time
	Steps       map[CancellationStep]StepState
}

// Pending reports whether any step still needs to be retried.
func (c *Cancellation) Pending() bool {
	if c == nil {
		return false
	}
	for _, state := range c.Steps {
		if state.Status == StepStatusFailed || state.Status == StepStatusPending {
			return true
		}
	}
	return false
}

// DiscountType enumerates supported coupon discount modes.
type DiscountType string

const (
	DiscountTypeFixed      DiscountType = "fixed"
	DiscountTypePercentage DiscountType = "percentage"
)

// Coupon is a discount code tracked by the coupon ledger.
type Coupon struct {
	Code                 string
	DiscountType         DiscountType
	Value                int64
	MaxDiscount          *int64
	MinPurchase          int64
	Active               bool
	StartsAt             *time.Time
	ExpiresAt            *time.Time
	UsageLimit           int
	UsagePerUser         int
	UsedCount            int
	UsedBy               []CouponUsage
	ApplicableCategories []string
	ApplicableProducts   []string
	ExcludedProducts     []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UsageByUser counts ledger entries for the given user.
func (c Coupon) UsageByUser(userID string) int {
	count := 0
	for _, usage := range c.UsedBy {
		if usage.UserID == userID {
			count++
		}
	}
	return count
}

// CouponUsage is an append-only ledger entry recorded on redemption.
type CouponUsage struct {
	UserID      string
	OrderNumber string
	At          time.Time
}

// Cart is the per-user ephemeral basket.
type Cart struct {
	UserID    string
	Lines     []CartLine
	UpdatedAt time.Time
}

// CartLine is a product snapshot captured when the item was added to the cart.
type CartLine struct {
	ProductID  string
	Title      string
	ImageURL   string
	Category   string
	UnitPrice  int64
	Quantity   int
	Dimensions *Dimensions
	WeightLb   *float64
}

// ProductType distinguishes products that need shipping from those that do not.
type ProductType string

const (
	ProductTypePhysical ProductType = "physical"
	ProductTypeDigital  ProductType = "digital"
)

// StockItem is the inventory counter for a catalog product.
type StockItem struct {
	ProductID     string
	Title         string
	Category      string
	Price         int64
	Type          ProductType
	Active        bool
	StockQuantity int
	SalesCount    int
	UpdatedAt     time.Time
}

// PendingIntentStatus tracks a payment intent that has not yet produced an order.
type PendingIntentStatus string

const (
	PendingIntentOpen      PendingIntentStatus = "open"
	PendingIntentSucceeded PendingIntentStatus = "succeeded"
	PendingIntentFailed    PendingIntentStatus = "failed"
	PendingIntentResolved  PendingIntentStatus = "resolved"
	PendingIntentExpired   PendingIntentStatus = "expired"
)

// PendingIntent is recorded when a payment intent is created so later webhook deliveries
// and reconciliation sweeps can always find the checkout context.
type PendingIntent struct {
	PaymentIntentID string
	UserID          string
	Lines           []OrderLine
	Totals          OrderTotals
	Currency        string
	CouponCode      string
	ShippingAddress *Address
	ShippingService string
	Status          PendingIntentStatus
	OrderID         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// PaymentCustomer links a storefront user to the gateway customer record.
type PaymentCustomer struct {
	UserID     string
	CustomerID string
	CreatedAt  time.Time
}

// OrderStatistics summarises order volume and revenue over a time range.
type OrderStatistics struct {
	TotalOrders       int
	ByStatus          map[OrderStatus]int
	ByPaymentStatus   map[PaymentStatus]int
	GrossRevenue      int64
	RefundedAmount    int64
	NetRevenue        int64
	AverageOrderValue int64
	From              *time.Time
	To                *time.Time
}

// HealthStatus is the readiness verdict for a dependency or the whole service.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheck is the outcome of probing one dependency.
type HealthCheck struct {
	Status    HealthStatus
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes for the readiness endpoint.
type HealthReport struct {
	Status      HealthStatus
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
