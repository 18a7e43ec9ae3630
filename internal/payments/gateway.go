// Package payments talks to the payment gateway: customers, payment intents, refunds and
// signed webhook events.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// IntentStatus is the normalised gateway state of a payment intent.
type IntentStatus string

const (
	IntentStatusRequiresAction IntentStatus = "requires_action"
	IntentStatusProcessing     IntentStatus = "processing"
	IntentStatusSucceeded      IntentStatus = "succeeded"
	IntentStatusCanceled       IntentStatus = "canceled"
)

// Metadata keys embedded on every intent. The breakdown is authoritative at confirmation.
const (
	MetadataUserID          = "user_id"
	MetadataSubtotal        = "subtotal"
	MetadataDiscount        = "discount"
	MetadataShipping        = "shipping"
	MetadataTax             = "tax"
	MetadataTotal           = "total"
	MetadataCouponCode      = "coupon_code"
	MetadataShippingService = "shipping_service"
)

// Event types handled by the reconciler.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
	EventChargeRefunded  = "charge.refunded"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// Intent is the subset of a gateway payment intent the service relies on.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       int64
	Currency     string
	CustomerID   string
	ChargeID     string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Breakdown is the pricing snapshot stored on the intent at creation.
type Breakdown struct {
	UserID   string
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// Metadata renders the breakdown as intent metadata.
func (b Breakdown) Metadata() map[string]string {
	return map[string]string{
		MetadataUserID:   b.UserID,
		MetadataSubtotal: strconv.FormatInt(b.Subtotal, 10),
		MetadataDiscount: strconv.FormatInt(b.Discount, 10),
		MetadataShipping: strconv.FormatInt(b.Shipping, 10),
		MetadataTax:      strconv.FormatInt(b.Tax, 10),
		MetadataTotal:    strconv.FormatInt(b.Total, 10),
	}
}

// BreakdownFromMetadata parses the pricing snapshot. A missing or malformed amount is an error.
func BreakdownFromMetadata(md map[string]string) (Breakdown, error) {
	out := Breakdown{UserID: md[MetadataUserID]}
	fields := []struct {
		key string
		dst *int64
	}{
		{MetadataSubtotal, &out.Subtotal},
		{MetadataDiscount, &out.Discount},
		{MetadataShipping, &out.Shipping},
		{MetadataTax, &out.Tax},
		{MetadataTotal, &out.Total},
	}
	for _, f := range fields {
		raw, ok := md[f.key]
		if !ok || raw == "" {
			return Breakdown{}, fmt.Errorf("payments: intent metadata missing %s", f.key)
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Breakdown{}, fmt.Errorf("payments: intent metadata %s: %w", f.key, err)
		}
		*f.dst = v
	}
	return out, nil
}

// CustomerRequest identifies the storefront user a gateway customer is created for.
type CustomerRequest struct {
	UserID string
	Email  string
}

// IntentRequest creates a payment intent.
type IntentRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// RefundRequest refunds an intent. A nil Amount refunds the full captured amount.
type RefundRequest struct {
	PaymentIntentID string
	Amount          *int64
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

// Refund is the gateway's view of a refund.
type Refund struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	Status          string
	CreatedAt       time.Time
}

// Charge carries the refund-relevant fields of a charge event.
type Charge struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	AmountRefunded  int64
	Refunded        bool
	LatestRefund    *Refund
}

// FullyRefunded reports whether the refunded amount covers the charge.
func (c Charge) FullyRefunded() bool {
	return c.Refunded || (c.Amount > 0 && c.AmountRefunded >= c.Amount)
}

// Event is a verified webhook envelope with its decoded object.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Intent  *Intent
	Charge  *Charge
}

// Gateway is the payment provider contract used by the reconciler and cancellation saga.
type Gateway interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
	ParseWebhook(payload []byte, signature string) (Event, error)
}
