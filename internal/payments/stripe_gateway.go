package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Logger receives structured gateway events.
type Logger func(ctx context.Context, event string, fields map[string]any)

type customerAPI interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
}

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeAPIs struct {
	customers customerAPI
	intents   intentAPI
	refunds   refundAPI
}

// StripeConfig configures StripeGateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
	Backends      *stripe.Backends
	Logger        Logger
	Clock         func() time.Time

	apis *stripeAPIs
}

// StripeGateway implements Gateway on the Stripe API.
type StripeGateway struct {
	api           stripeAPIs
	webhookSecret string
	currency      string
	timeout       time.Duration
	logger        Logger
	clock         func() time.Time
}

func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.apis == nil {
		return nil, errors.New("stripe: api key is required")
	}
	var apis stripeAPIs
	if cfg.apis != nil {
		apis = *cfg.apis
	} else {
		sc := client.New(apiKey, cfg.Backends)
		apis = stripeAPIs{customers: sc.Customers, intents: sc.PaymentIntents, refunds: sc.Refunds}
	}
	if apis.customers == nil || apis.intents == nil || apis.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &StripeGateway{
		api:           apis,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		currency:      currency,
		timeout:       timeout,
		logger:        logger,
		clock:         func() time.Time { return clock().UTC() },
	}, nil
}

func (g *StripeGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// CreateCustomer creates a gateway customer tagged with the storefront user id. The user id
// doubles as idempotency key so concurrent first checkouts converge on one customer.
func (g *StripeGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Metadata: map[string]string{MetadataUserID: req.UserID},
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer-" + req.UserID)
	if email := strings.TrimSpace(req.Email); email != "" {
		params.Email = stripe.String(email)
	}
	customer, err := g.api.customers.New(params)
	if err != nil {
		return "", wrapStripeError("create customer", err)
	}
	g.logger(ctx, "payments.stripe.customer.created", map[string]any{"userId": req.UserID, "customerId": customer.ID})
	return customer.ID, nil
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("stripe: intent amount must be positive, got %d", req.Amount)
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = g.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = copyMetadata(req.Metadata)
	}

	pi, err := g.api.intents.New(params)
	if err != nil {
		return Intent{}, wrapStripeError("create intent", err)
	}
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntentId": pi.ID,
		"amount":          pi.Amount,
		"currency":        pi.Currency,
	})
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Intent{}, errors.New("stripe: payment intent id is required")
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, wrapStripeError("retrieve intent", err)
	}
	return intentFromStripe(pi), nil
}

// Refund issues a refund against the intent. Callers must pass a stable idempotency key;
// refunds are never retried here.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if strings.TrimSpace(req.PaymentIntentID) == "" {
		return Refund{}, errors.New("stripe: payment intent id is required for refund")
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.PaymentIntentID)}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = copyMetadata(req.Metadata)
	}

	r, err := g.api.refunds.New(params)
	if err != nil {
		return Refund{}, wrapStripeError("refund", err)
	}
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntentId": req.PaymentIntentID,
		"refundId":        r.ID,
		"amount":          r.Amount,
		"status":          r.Status,
	})
	return refundFromStripe(r, g.clock), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event object.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (Event, error) {
	if g.webhookSecret == "" {
		return Event{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: evt.ID, Type: string(evt.Type), Created: time.Unix(evt.Created, 0).UTC()}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, nil
	}
	switch {
	case strings.HasPrefix(out.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("stripe: decode payment intent event: %w", err)
		}
		intent := intentFromStripe(&pi)
		out.Intent = &intent
	case strings.HasPrefix(out.Type, "charge."):
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return Event{}, fmt.Errorf("stripe: decode charge event: %w", err)
		}
		charge := chargeFromStripe(&ch, g.clock)
		out.Charge = &charge
	}
	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	if pi == nil {
		return Intent{}
	}
	out := Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       normaliseIntentStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     strings.ToLower(string(pi.Currency)),
		Metadata:     make(map[string]string, len(pi.Metadata)),
	}
	for k, v := range pi.Metadata {
		out.Metadata[k] = v
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if pi.LatestCharge != nil {
		out.ChargeID = pi.LatestCharge.ID
	}
	if pi.Created > 0 {
		out.CreatedAt = time.Unix(pi.Created, 0).UTC()
	}
	return out
}

func normaliseIntentStatus(status stripe.PaymentIntentStatus) IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return IntentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return IntentStatusCanceled
	case stripe.PaymentIntentStatusProcessing:
		return IntentStatusProcessing
	default:
		return IntentStatusRequiresAction
	}
}

func chargeFromStripe(ch *stripe.Charge, clock func() time.Time) Charge {
	out := Charge{
		ID:             ch.ID,
		Amount:         ch.Amount,
		AmountRefunded: ch.AmountRefunded,
		Refunded:       ch.Refunded,
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
		latest := ch.Refunds.Data[0]
		for _, r := range ch.Refunds.Data[1:] {
			if r != nil && latest != nil && r.Created > latest.Created {
				latest = r
			}
		}
		if latest != nil {
			refund := refundFromStripe(latest, clock)
			out.LatestRefund = &refund
		}
	}
	return out
}

func refundFromStripe(r *stripe.Refund, clock func() time.Time) Refund {
	out := Refund{ID: r.ID, Amount: r.Amount, Status: string(r.Status), CreatedAt: clock()}
	if r.Created > 0 {
		out.CreatedAt = time.Unix(r.Created, 0).UTC()
	}
	if r.PaymentIntent != nil {
		out.PaymentIntentID = r.PaymentIntent.ID
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func refundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer), "cancelled", "canceled":
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
