package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/payments"
	"github.com/storefront/fulfillment/internal/repositories"
)

const (
	defaultPendingIntentTTL = 24 * time.Hour
	defaultPendingGrace     = 10 * time.Minute
	defaultSweepLimit       = 50

	paymentProvider = "stripe"
)

// WebhookDeduper claims webhook event ids so a redelivered event is applied once.
type WebhookDeduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// PaymentReconcilerDeps bundles collaborators for the payment reconciler.
type PaymentReconcilerDeps struct {
	Orders           repositories.OrderRepository
	Carts            repositories.CartRepository
	Inventory        repositories.InventoryRepository
	Counters         repositories.CounterRepository
	PendingIntents   repositories.PendingIntentRepository
	Customers        repositories.CustomerRepository
	Coupons          CouponLedger
	Gateway          payments.Gateway
	Dedup            WebhookDeduper
	Events           OrderEventPublisher
	Currency         string
	TaxRate          decimal.Decimal
	PendingIntentTTL time.Duration
	PendingGrace     time.Duration
	Clock            func() time.Time
	Logger           func(ctx context.Context, event string, fields map[string]any)
	Meter            metric.Meter
}

type paymentReconciler struct {
	orders    repositories.OrderRepository
	carts     repositories.CartRepository
	inventory repositories.InventoryRepository
	counters  repositories.CounterRepository
	pending   repositories.PendingIntentRepository
	customers repositories.CustomerRepository
	coupons   CouponLedger
	gateway   payments.Gateway
	dedup     WebhookDeduper
	events    eventSink
	currency  string
	taxRate   decimal.Decimal
	intentTTL time.Duration
	grace     time.Duration
	clock     func() time.Time
	logger    eventLogger
	metrics   serviceMetrics
}

// NewPaymentReconciler constructs the reconciler.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("payment reconciler: order repository is required")
	case deps.Carts == nil:
		return nil, errors.New("payment reconciler: cart repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("payment reconciler: inventory repository is required")
	case deps.Counters == nil:
		return nil, errors.New("payment reconciler: counter repository is required")
	case deps.PendingIntents == nil:
		return nil, errors.New("payment reconciler: pending intent repository is required")
	case deps.Customers == nil:
		return nil, errors.New("payment reconciler: customer repository is required")
	case deps.Coupons == nil:
		return nil, errors.New("payment reconciler: coupon ledger is required")
	case deps.Gateway == nil:
		return nil, errors.New("payment reconciler: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = defaultClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "usd"
	}
	ttl := deps.PendingIntentTTL
	if ttl <= 0 {
		ttl = defaultPendingIntentTTL
	}
	grace := deps.PendingGrace
	if grace <= 0 {
		grace = defaultPendingGrace
	}
	return &paymentReconciler{
		orders:    deps.Orders,
		carts:     deps.Carts,
		inventory: deps.Inventory,
		counters:  deps.Counters,
		pending:   deps.PendingIntents,
		customers: deps.Customers,
		coupons:   deps.Coupons,
		gateway:   deps.Gateway,
		dedup:     deps.Dedup,
		events:    eventSink{publisher: deps.Events, logger: logger, clock: clock},
		currency:  currency,
		taxRate:   deps.TaxRate,
		intentTTL: ttl,
		grace:     grace,
		clock:     clock,
		logger:    logger,
		metrics:   newServiceMetrics(deps.Meter),
	}, nil
}

// CreateIntent prices the user's cart against the live catalog and coupon state and opens
// a gateway payment intent carrying the breakdown.
func (r *paymentReconciler) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (CheckoutIntent, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutIntent{}, validationError("userId", "user_required", "user id is required")
	}
	if cmd.ShippingCost < 0 {
		return CheckoutIntent{}, validationError("shippingCost", "invalid_shipping_cost", "shipping cost must not be negative")
	}

	cart, err := r.carts.Get(ctx, userID)
	if err != nil && !repositories.IsNotFound(err) {
		return CheckoutIntent{}, fmt.Errorf("payment reconciler: load cart: %w", err)
	}
	if len(cart.Lines) == 0 {
		return CheckoutIntent{}, validationError("cart", "cart_empty", "cart is empty")
	}

	lines, err := r.priceLines(ctx, cart.Lines)
	if err != nil {
		return CheckoutIntent{}, err
	}
	totals := domain.OrderTotals{Shipping: cmd.ShippingCost}
	for _, line := range lines {
		totals.Subtotal += line.LineTotal()
	}

	var applied *domain.AppliedCoupon
	couponCode := NormalizeCouponCode(cmd.CouponCode)
	if couponCode != "" {
		quote, err := r.coupons.Validate(ctx, CouponValidateCommand{
			Code:     couponCode,
			UserID:   userID,
			Subtotal: totals.Subtotal,
			Lines:    lines,
		})
		if err != nil {
			return CheckoutIntent{}, err
		}
		totals.Discount = quote.Discount
		applied = &domain.AppliedCoupon{
			Code:         quote.Code,
			DiscountType: quote.Coupon.DiscountType,
			Value:        quote.Coupon.Value,
			Discount:     quote.Discount,
		}
	}
	totals.Tax = r.computeTax(totals.Subtotal - totals.Discount)
	totals.Total = totals.ComputeTotal()
	if totals.Total <= 0 {
		return CheckoutIntent{}, validationError("total", "invalid_total", "order total must be positive")
	}

	customerID, err := r.ensureCustomer(ctx, userID, cmd.Email)
	if err != nil {
		return CheckoutIntent{}, err
	}

	metadata := payments.Breakdown{
		UserID:   userID,
		Subtotal: totals.Subtotal,
		Discount: totals.Discount,
		Shipping: totals.Shipping,
		Tax:      totals.Tax,
		Total:    totals.Total,
	}.Metadata()
	if couponCode != "" {
		metadata[payments.MetadataCouponCode] = couponCode
	}
	if service := strings.TrimSpace(cmd.ShippingService); service != "" {
		metadata[payments.MetadataShippingService] = service
	}

	intent, err := r.gateway.CreateIntent(ctx, payments.IntentRequest{
		Amount:         totals.Total,
		Currency:       r.currency,
		CustomerID:     customerID,
		Description:    fmt.Sprintf("Storefront order (%d items)", len(lines)),
		Metadata:       metadata,
		IdempotencyKey: "intent-" + uuid.NewString(),
	})
	if err != nil {
		return CheckoutIntent{}, gatewayFailure("create_intent", err)
	}

	now := r.clock()
	record := domain.PendingIntent{
		PaymentIntentID: intent.ID,
		UserID:          userID,
		Lines:           lines,
		Totals:          totals,
		Currency:        r.currency,
		CouponCode:      couponCode,
		ShippingAddress: cmd.ShippingAddress,
		ShippingService: strings.TrimSpace(cmd.ShippingService),
		Status:          domain.PendingIntentOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(r.intentTTL),
	}
	if err := r.pending.Create(ctx, record); err != nil {
		r.logger(ctx, "payment.pending_intent.create.failed", map[string]any{
			"paymentIntentId": intent.ID,
			"error":           err.Error(),
		})
		return CheckoutIntent{}, fmt.Errorf("payment reconciler: record pending intent: %w", err)
	}

	r.logger(ctx, "payment.intent.created", map[string]any{
		"paymentIntentId": intent.ID,
		"userId":          userID,
		"total":           totals.Total,
		"coupon":          couponCode,
	})
	return CheckoutIntent{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Currency:        r.currency,
		Totals:          totals,
		Coupon:          applied,
		ExpiresAt:       record.ExpiresAt,
	}, nil
}

// priceLines revalidates every cart line against the catalog and freezes it at the current
// catalog price.
func (r *paymentReconciler) priceLines(ctx context.Context, cartLines []domain.CartLine) ([]domain.OrderLine, error) {
	lines := make([]domain.OrderLine, 0, len(cartLines))
	for _, cl := range cartLines {
		productID := strings.TrimSpace(cl.ProductID)
		if productID == "" || cl.Quantity <= 0 {
			return nil, validationError("cart", "invalid_line", "cart line %q has an invalid quantity", productID)
		}
		item, err := r.inventory.Get(ctx, productID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return nil, validationError("cart", "product_unavailable", "product %s is no longer available", productID)
			}
			return nil, fmt.Errorf("payment reconciler: load stock %s: %w", productID, err)
		}
		if !item.Active {
			return nil, validationError("cart", "product_unavailable", "product %s is no longer available", productID)
		}
		if item.Type != domain.ProductTypePhysical && item.Type != domain.ProductTypeDigital {
			return nil, validationError("cart", "product_type_unsupported", "product %s cannot be purchased", productID)
		}
		if item.StockQuantity < cl.Quantity {
			return nil, validationError("cart", "insufficient_stock", "only %d of %s left in stock", item.StockQuantity, productID)
		}
		title := cl.Title
		if title == "" {
			title = item.Title
		}
		category := cl.Category
		if category == "" {
			category = item.Category
		}
		lines = append(lines, domain.OrderLine{
			ProductID:  productID,
			Title:      title,
			ImageURL:   cl.ImageURL,
			Category:   category,
			UnitPrice:  item.Price,
			Quantity:   cl.Quantity,
			Dimensions: cl.Dimensions,
			WeightLb:   cl.WeightLb,
		})
	}
	return lines, nil
}

func (r *paymentReconciler) computeTax(taxable int64) int64 {
	if taxable <= 0 || r.taxRate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(taxable).Mul(r.taxRate).Round(0).IntPart()
}

func (r *paymentReconciler) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	existing, err := r.customers.Get(ctx, userID)
	if err == nil && existing.CustomerID != "" {
		return existing.CustomerID, nil
	}
	if err != nil && !repositories.IsNotFound(err) {
		return "", fmt.Errorf("payment reconciler: load customer: %w", err)
	}
	customerID, err := r.gateway.CreateCustomer(ctx, payments.CustomerRequest{UserID: userID, Email: email})
	if err != nil {
		return "", gatewayFailure("create_customer", err)
	}
	if err := r.customers.Save(ctx, domain.PaymentCustomer{UserID: userID, CustomerID: customerID, CreatedAt: r.clock()}); err != nil {
		// The gateway call is idempotent per user, so the next checkout recovers the mapping.
		r.logger(ctx, "payment.customer.save.failed", map[string]any{"userId": userID, "error": err.Error()})
	}
	return customerID, nil
}

// ConfirmPayment materializes the order for a succeeded intent. A repeated confirm returns
// the existing order without side effects.
func (r *paymentReconciler) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	userID := strings.TrimSpace(cmd.UserID)
	if intentID == "" {
		return Order{}, validationError("paymentIntentId", "payment_intent_required", "payment intent id is required")
	}
	if userID == "" {
		return Order{}, validationError("userId", "user_required", "user id is required")
	}

	if existing, err := r.orders.FindByPaymentIntent(ctx, intentID); err == nil {
		if existing.UserID != userID {
			return Order{}, fmt.Errorf("%w: payment intent belongs to another user", ErrForbidden)
		}
		return existing, nil
	} else if !repositories.IsNotFound(err) {
		return Order{}, translateRepoError(err, "order for intent "+intentID)
	}

	intent, err := r.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		var gwErr *payments.GatewayError
		if errors.As(err, &gwErr) && gwErr.NotFound() {
			return Order{}, fmt.Errorf("%w: payment intent %s", ErrNotFound, intentID)
		}
		return Order{}, gatewayFailure("retrieve_intent", err)
	}
	if intent.Status != payments.IntentStatusSucceeded {
		return Order{}, validationError("paymentIntentId", "payment_not_succeeded",
			"payment has not succeeded (status %s)", intent.Status)
	}

	breakdown, err := payments.BreakdownFromMetadata(intent.Metadata)
	if err != nil {
		r.logger(ctx, "payment.intent.metadata.inconsistent", map[string]any{
			"paymentIntentId": intentID,
			"error":           err.Error(),
		})
		return Order{}, fmt.Errorf("%w: payment intent %s has no pricing breakdown", ErrConsistency, intentID)
	}
	if breakdown.UserID != userID {
		return Order{}, fmt.Errorf("%w: payment intent belongs to another user", ErrForbidden)
	}

	pending, pendingErr := r.pending.Get(ctx, intentID)
	if pendingErr != nil && !repositories.IsNotFound(pendingErr) {
		return Order{}, fmt.Errorf("payment reconciler: load pending intent: %w", pendingErr)
	}
	hasPending := pendingErr == nil

	lines := pending.Lines
	if !hasPending || len(lines) == 0 {
		cart, err := r.carts.Get(ctx, userID)
		if err != nil && !repositories.IsNotFound(err) {
			return Order{}, fmt.Errorf("payment reconciler: load cart: %w", err)
		}
		lines = cartToOrderLines(cart.Lines)
	}
	if len(lines) == 0 {
		r.logger(ctx, "payment.confirm.lines.inconsistent", map[string]any{"paymentIntentId": intentID})
		return Order{}, fmt.Errorf("%w: no line items recorded for payment intent %s", ErrConsistency, intentID)
	}

	address := cmd.ShippingAddress
	if address == nil && hasPending {
		address = pending.ShippingAddress
	}
	if address == nil {
		return Order{}, validationError("shippingAddress", "shipping_address_required", "shipping address is required")
	}

	couponCode := NormalizeCouponCode(intent.Metadata[payments.MetadataCouponCode])
	if requested := NormalizeCouponCode(cmd.CouponCode); requested != "" && requested != couponCode {
		r.logger(ctx, "payment.confirm.coupon_mismatch.ignored", map[string]any{
			"paymentIntentId": intentID,
			"requested":       requested,
			"charged":         couponCode,
		})
	}
	service := strings.TrimSpace(cmd.ShippingService)
	if service == "" {
		service = intent.Metadata[payments.MetadataShippingService]
	}

	order, _, err := r.materialize(ctx, materializeInput{
		intent:     intent,
		breakdown:  breakdown,
		lines:      lines,
		shipping:   address,
		billing:    cmd.BillingAddress,
		service:    service,
		couponCode: couponCode,
		source:     "confirm",
		actor:      Actor{ID: userID, Role: ActorRoleCustomer},
	})
	return order, err
}

func cartToOrderLines(cartLines []domain.CartLine) []domain.OrderLine {
	lines := make([]domain.OrderLine, 0, len(cartLines))
	for _, cl := range cartLines {
		lines = append(lines, domain.OrderLine{
			ProductID:  cl.ProductID,
			Title:      cl.Title,
			ImageURL:   cl.ImageURL,
			Category:   cl.Category,
			UnitPrice:  cl.UnitPrice,
			Quantity:   cl.Quantity,
			Dimensions: cl.Dimensions,
			WeightLb:   cl.WeightLb,
		})
	}
	return lines
}

type materializeInput struct {
	intent     payments.Intent
	breakdown  payments.Breakdown
	lines      []domain.OrderLine
	shipping   *domain.Address
	billing    *domain.Address
	service    string
	couponCode string
	source     string
	actor      Actor
}

// materialize creates the confirmed order keyed by payment intent. Only the call that
// actually inserts the order debits the coupon, deducts stock and clears the cart.
// Callers look the intent up first, so only a concurrent confirm and webhook race can
// spend a sequence value on the losing insert. Order numbers are monotonic, not gapless.
func (r *paymentReconciler) materialize(ctx context.Context, in materializeInput) (Order, bool, error) {
	totals := domain.OrderTotals{
		Subtotal: in.breakdown.Subtotal,
		Discount: in.breakdown.Discount,
		Shipping: in.breakdown.Shipping,
		Tax:      in.breakdown.Tax,
		Total:    in.breakdown.Total,
	}
	if !totals.Balanced() || (in.intent.Amount > 0 && in.intent.Amount != totals.Total) {
		r.logger(ctx, "payment.totals.inconsistent", map[string]any{
			"paymentIntentId": in.intent.ID,
			"intentAmount":    in.intent.Amount,
			"total":           totals.Total,
			"computed":        totals.ComputeTotal(),
		})
		return Order{}, false, fmt.Errorf("%w: payment intent %s totals do not balance", ErrConsistency, in.intent.ID)
	}

	now := r.clock()
	number, err := nextOrderNumber(ctx, r.counters, now)
	if err != nil {
		return Order{}, false, err
	}
	currency := strings.ToLower(in.intent.Currency)
	if currency == "" {
		currency = r.currency
	}

	order := domain.Order{
		ID:              newOrderID(),
		Number:          number,
		UserID:          in.breakdown.UserID,
		Lines:           in.lines,
		ShippingAddress: in.shipping,
		BillingAddress:  in.billing,
		ShippingService: in.service,
		Totals:          totals,
		Currency:        currency,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		PaymentIntentID: in.intent.ID,
		ShippingStatus:  domain.ShippingStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusHistory: []domain.StatusChange{{
			Status: domain.OrderStatusPending,
			At:     now,
			Actor:  in.actor.label(),
			Note:   "order created from " + in.source,
		}},
	}
	if order.BillingAddress == nil {
		order.BillingAddress = in.shipping
	}
	if in.couponCode != "" {
		order.Coupon = &domain.AppliedCoupon{Code: in.couponCode, Discount: totals.Discount}
	}
	markPaid(&order, in.intent.ChargeID, now)
	if err := applyStatusTransition(&order, domain.OrderStatusConfirmed, in.actor, "payment confirmed", now); err != nil {
		return Order{}, false, err
	}

	stored, created, err := r.orders.CreateForIntent(ctx, order)
	if err != nil {
		return Order{}, false, translateRepoError(err, "order for intent "+in.intent.ID)
	}
	if !created {
		r.logger(ctx, "payment.order.exists", map[string]any{
			"paymentIntentId": in.intent.ID,
			"orderId":         stored.ID,
			"source":          in.source,
		})
		return stored, false, nil
	}

	stored = r.applyFirstConfirmEffects(ctx, stored)
	add(ctx, r.metrics.transitions, attribute.String("status", string(stored.Status)), attribute.String("source", in.source))
	r.logger(ctx, "payment.order.created", map[string]any{
		"orderId":         stored.ID,
		"orderNumber":     stored.Number,
		"paymentIntentId": stored.PaymentIntentID,
		"source":          in.source,
		"total":           stored.Totals.Total,
	})
	r.events.publish(ctx, OrderEventCreated, stored, domain.OrderStatusPending, in.actor, map[string]string{"source": in.source})
	return stored, true, nil
}

// applyFirstConfirmEffects runs the local side effects of a new paid order. Payment has
// already been taken, so failures are logged for follow-up rather than returned. The stock
// deduction outcome is stored on the order for the cancellation saga.
func (r *paymentReconciler) applyFirstConfirmEffects(ctx context.Context, order domain.Order) domain.Order {
	if order.Coupon != nil {
		outcome := "debited"
		if err := r.coupons.RecordUsage(ctx, order.Coupon.Code, order.UserID, order.Number); err != nil {
			outcome = "failed"
			r.logger(ctx, "payment.coupon_debit.failed", map[string]any{
				"orderId": order.ID,
				"code":    order.Coupon.Code,
				"error":   err.Error(),
			})
		}
		add(ctx, r.metrics.couponDebits, attribute.String("outcome", outcome))
	}
	order = r.deductStock(ctx, order)
	if err := r.carts.Clear(ctx, order.UserID); err != nil && !repositories.IsNotFound(err) {
		r.logger(ctx, "payment.cart_clear.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
	r.resolvePending(ctx, order.PaymentIntentID, domain.PendingIntentResolved, order.ID)
	return order
}

func (r *paymentReconciler) deductStock(ctx context.Context, order domain.Order) domain.Order {
	now := r.clock()
	state := domain.StepState{Status: domain.StepStatusCompleted, Attempts: 1, UpdatedAt: now}
	if err := r.inventory.DeductForOrder(ctx, order.ID, stockLines(order.Lines)); err != nil {
		state.Status = domain.StepStatusFailed
		state.LastError = err.Error()
		r.logger(ctx, "payment.stock_deduct.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
	updated, err := r.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		o.StockDeduction = &state
		return nil
	})
	if err != nil {
		r.logger(ctx, "payment.stock_deduct.record_failed", map[string]any{
			"orderId": order.ID,
			"outcome": string(state.Status),
			"error":   err.Error(),
		})
		order.StockDeduction = &state
		return order
	}
	return updated
}

func markPaid(order *domain.Order, chargeID string, at time.Time) {
	order.PaymentStatus = domain.PaymentStatusPaid
	if chargeID != "" {
		order.ChargeID = chargeID
	}
	if order.PaidAt == nil {
		order.PaidAt = timePtr(at)
	}
	order.UpdatedAt = at
}

func (r *paymentReconciler) resolvePending(ctx context.Context, intentID string, status domain.PendingIntentStatus, orderID string) {
	_, err := r.pending.Update(ctx, intentID, func(p *domain.PendingIntent) error {
		p.Status = status
		if orderID != "" {
			p.OrderID = orderID
		}
		p.UpdatedAt = r.clock()
		return nil
	})
	if err != nil && !repositories.IsNotFound(err) {
		r.logger(ctx, "payment.pending_intent.update.failed", map[string]any{
			"paymentIntentId": intentID,
			"status":          string(status),
			"error":           err.Error(),
		})
	}
}

// ApplyWebhookEvent verifies and applies a gateway event. Only signature failures are
// returned as ErrSignature; unknown orders and event types are acknowledged.
func (r *paymentReconciler) ApplyWebhookEvent(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	event, err := r.gateway.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			add(ctx, r.metrics.webhooks, attribute.String("type", "unknown"), attribute.String("outcome", "bad_signature"))
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrSignature, err)
		}
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	result := WebhookResult{EventID: event.ID, EventType: event.Type}

	dedupKey := "stripe:event:" + event.ID
	if r.dedup != nil && event.ID != "" {
		claimed, err := r.dedup.Claim(ctx, dedupKey)
		switch {
		case err != nil:
			r.logger(ctx, "payment.webhook.dedup.skipped", map[string]any{"eventId": event.ID, "error": err.Error()})
		case !claimed:
			result.Duplicate = true
			add(ctx, r.metrics.webhooks, attribute.String("type", event.Type), attribute.String("outcome", "duplicate"))
			r.logger(ctx, "payment.webhook.duplicate", map[string]any{"eventId": event.ID, "type": event.Type})
			return result, nil
		}
	}

	switch {
	case event.Type == payments.EventIntentSucceeded && event.Intent != nil:
		result.OrderID, err = r.handleIntentSucceeded(ctx, *event.Intent)
	case event.Type == payments.EventIntentFailed && event.Intent != nil:
		result.OrderID, err = r.handleIntentFailed(ctx, *event.Intent, domain.PendingIntentFailed)
	case event.Type == payments.EventIntentCanceled && event.Intent != nil:
		result.OrderID, err = r.handleIntentFailed(ctx, *event.Intent, domain.PendingIntentFailed)
	case event.Type == payments.EventChargeRefunded && event.Charge != nil:
		result.OrderID, err = r.handleChargeRefunded(ctx, *event.Charge)
	default:
		result.Ignored = true
		r.logger(ctx, "payment.webhook.ignored", map[string]any{"eventId": event.ID, "type": event.Type})
	}
	if result.OrderID == "" && !result.Ignored && err == nil {
		result.Ignored = true
	}

	if err != nil {
		if r.dedup != nil && event.ID != "" {
			if releaseErr := r.dedup.Release(ctx, dedupKey); releaseErr != nil {
				r.logger(ctx, "payment.webhook.dedup_release.failed", map[string]any{"eventId": event.ID, "error": releaseErr.Error()})
			}
		}
		add(ctx, r.metrics.webhooks, attribute.String("type", event.Type), attribute.String("outcome", "error"))
		r.logger(ctx, "payment.webhook.failed", map[string]any{"eventId": event.ID, "type": event.Type, "error": err.Error()})
		return result, err
	}
	add(ctx, r.metrics.webhooks, attribute.String("type", event.Type), attribute.String("outcome", "applied"))
	return result, nil
}

func (r *paymentReconciler) handleIntentSucceeded(ctx context.Context, intent payments.Intent) (string, error) {
	existing, err := r.orders.FindByPaymentIntent(ctx, intent.ID)
	switch {
	case err == nil:
		return r.markOrderPaid(ctx, existing.ID, intent.ChargeID)
	case !repositories.IsNotFound(err):
		return "", err
	}

	pending, err := r.pending.Get(ctx, intent.ID)
	if err != nil {
		if repositories.IsNotFound(err) {
			r.logger(ctx, "payment.webhook.order_missing.skipped", map[string]any{"paymentIntentId": intent.ID})
			return "", nil
		}
		return "", err
	}
	if pending.ShippingAddress == nil || len(pending.Lines) == 0 {
		r.resolvePending(ctx, intent.ID, domain.PendingIntentSucceeded, "")
		r.logger(ctx, "payment.webhook.awaiting_confirm", map[string]any{"paymentIntentId": intent.ID})
		return "", nil
	}
	order, err := r.materializeFromPending(ctx, intent, pending, "webhook")
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

func (r *paymentReconciler) materializeFromPending(ctx context.Context, intent payments.Intent, pending domain.PendingIntent, source string) (Order, error) {
	breakdown, err := payments.BreakdownFromMetadata(intent.Metadata)
	if err != nil {
		breakdown = payments.Breakdown{
			UserID:   pending.UserID,
			Subtotal: pending.Totals.Subtotal,
			Discount: pending.Totals.Discount,
			Shipping: pending.Totals.Shipping,
			Tax:      pending.Totals.Tax,
			Total:    pending.Totals.Total,
		}
	}
	if breakdown.UserID == "" {
		breakdown.UserID = pending.UserID
	}
	couponCode := NormalizeCouponCode(intent.Metadata[payments.MetadataCouponCode])
	if couponCode == "" {
		couponCode = pending.CouponCode
	}
	service := pending.ShippingService
	if service == "" {
		service = intent.Metadata[payments.MetadataShippingService]
	}
	order, _, err := r.materialize(ctx, materializeInput{
		intent:     intent,
		breakdown:  breakdown,
		lines:      pending.Lines,
		shipping:   pending.ShippingAddress,
		service:    service,
		couponCode: couponCode,
		source:     source,
		actor:      SystemActor,
	})
	return order, err
}

func (r *paymentReconciler) markOrderPaid(ctx context.Context, orderID, chargeID string) (string, error) {
	var previous domain.OrderStatus
	changed := false
	order, err := r.orders.Update(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		changed = false
		switch order.PaymentStatus {
		case domain.PaymentStatusPaid, domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
			if order.ChargeID == "" && chargeID != "" {
				order.ChargeID = chargeID
				order.UpdatedAt = r.clock()
			}
			return nil
		}
		now := r.clock()
		markPaid(order, chargeID, now)
		changed = true
		if order.Status == domain.OrderStatusPending || order.Status == domain.OrderStatusProcessing {
			return applyStatusTransition(order, domain.OrderStatusConfirmed, SystemActor, "payment confirmed by gateway", now)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if changed {
		r.logger(ctx, "payment.order.paid", map[string]any{"orderId": order.ID, "chargeId": order.ChargeID})
		if previous != order.Status {
			r.events.publish(ctx, OrderEventStatusChanged, order, previous, SystemActor, nil)
		}
	}
	return order.ID, nil
}

func (r *paymentReconciler) handleIntentFailed(ctx context.Context, intent payments.Intent, pendingStatus domain.PendingIntentStatus) (string, error) {
	existing, err := r.orders.FindByPaymentIntent(ctx, intent.ID)
	if err != nil {
		if repositories.IsNotFound(err) {
			r.resolvePending(ctx, intent.ID, pendingStatus, "")
			return "", nil
		}
		return "", err
	}
	order, err := r.orders.Update(ctx, existing.ID, func(order *domain.Order) error {
		switch order.PaymentStatus {
		case domain.PaymentStatusPaid, domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
			return nil
		}
		order.PaymentStatus = domain.PaymentStatusFailed
		order.UpdatedAt = r.clock()
		return nil
	})
	if err != nil {
		return "", err
	}
	if order.PaymentStatus != domain.PaymentStatusFailed {
		r.logger(ctx, "payment.webhook.downgrade.ignored", map[string]any{
			"orderId":       order.ID,
			"paymentStatus": string(order.PaymentStatus),
		})
	}
	return order.ID, nil
}

func (r *paymentReconciler) handleChargeRefunded(ctx context.Context, charge payments.Charge) (string, error) {
	existing, err := r.orders.FindByPaymentIntent(ctx, charge.PaymentIntentID)
	if err != nil {
		if repositories.IsNotFound(err) {
			r.logger(ctx, "payment.webhook.order_missing.skipped", map[string]any{
				"paymentIntentId": charge.PaymentIntentID,
				"chargeId":        charge.ID,
			})
			return "", nil
		}
		return "", err
	}

	var previous domain.OrderStatus
	order, err := r.orders.Update(ctx, existing.ID, func(order *domain.Order) error {
		previous = order.Status
		now := r.clock()
		applyChargeRefund(order, charge, now)
		if order.PaymentStatus == domain.PaymentStatusRefunded &&
			order.Status != domain.OrderStatusCancelled &&
			CanTransition(order.Status, domain.OrderStatusRefunded) {
			return applyStatusTransition(order, domain.OrderStatusRefunded, SystemActor, "refunded at payment gateway", now)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	r.logger(ctx, "payment.order.refund_recorded", map[string]any{
		"orderId":        order.ID,
		"paymentStatus":  string(order.PaymentStatus),
		"amountRefunded": charge.AmountRefunded,
	})
	if previous != order.Status {
		r.events.publish(ctx, OrderEventRefunded, order, previous, SystemActor, map[string]string{
			"amountRefunded": fmt.Sprint(charge.AmountRefunded),
		})
	}
	return order.ID, nil
}

// applyChargeRefund records the gateway's cumulative refund state on the order. Applying
// the same charge twice yields the same fields.
func applyChargeRefund(order *domain.Order, charge payments.Charge, at time.Time) {
	if charge.FullyRefunded() {
		order.PaymentStatus = domain.PaymentStatusRefunded
	} else {
		order.PaymentStatus = domain.PaymentStatusPartiallyRefunded
	}
	if order.ChargeID == "" {
		order.ChargeID = charge.ID
	}
	details := domain.RefundDetails{Amount: charge.AmountRefunded, Status: "succeeded", RefundedAt: at}
	if order.Refund != nil {
		details.Reason = order.Refund.Reason
		details.RefundID = order.Refund.RefundID
		details.RefundedAt = order.Refund.RefundedAt
	}
	if latest := charge.LatestRefund; latest != nil {
		details.RefundID = latest.ID
		if latest.Status != "" {
			details.Status = latest.Status
		}
		if !latest.CreatedAt.IsZero() {
			details.RefundedAt = latest.CreatedAt
		}
	}
	order.Refund = &details
	order.UpdatedAt = at
}

// ReconcilePending re-polls intents that have not produced an order after the grace
// period so a dropped webhook or abandoned confirm is eventually resolved.
func (r *paymentReconciler) ReconcilePending(ctx context.Context, limit int) (ReconcileReport, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	now := r.clock()
	stale, err := r.pending.ListStale(ctx,
		[]domain.PendingIntentStatus{domain.PendingIntentOpen, domain.PendingIntentSucceeded},
		now.Add(-r.grace), limit)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("payment reconciler: list pending intents: %w", err)
	}

	report := ReconcileReport{Scanned: len(stale)}
	for _, pending := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := r.reconcileOne(ctx, pending, now)
		switch outcome {
		case "materialized":
			report.Materialized++
		case "succeeded":
			report.Succeeded++
		case "failed":
			report.Failed++
		case "expired":
			report.Expired++
		case "error":
			report.Errors++
		}
		add(ctx, r.metrics.reconciled, attribute.String("outcome", outcome))
	}
	r.logger(ctx, "payment.reconcile.completed", map[string]any{
		"scanned":      report.Scanned,
		"materialized": report.Materialized,
		"failed":       report.Failed,
		"expired":      report.Expired,
		"errors":       report.Errors,
	})
	return report, nil
}

func (r *paymentReconciler) reconcileOne(ctx context.Context, pending domain.PendingIntent, now time.Time) string {
	if existing, err := r.orders.FindByPaymentIntent(ctx, pending.PaymentIntentID); err == nil {
		r.resolvePending(ctx, pending.PaymentIntentID, domain.PendingIntentResolved, existing.ID)
		return "resolved"
	} else if !repositories.IsNotFound(err) {
		r.logger(ctx, "payment.reconcile.lookup.failed", map[string]any{"paymentIntentId": pending.PaymentIntentID, "error": err.Error()})
		return "error"
	}

	intent, err := r.gateway.RetrieveIntent(ctx, pending.PaymentIntentID)
	if err != nil {
		var gwErr *payments.GatewayError
		if errors.As(err, &gwErr) && gwErr.NotFound() {
			r.resolvePending(ctx, pending.PaymentIntentID, domain.PendingIntentExpired, "")
			return "expired"
		}
		r.logger(ctx, "payment.reconcile.retrieve.failed", map[string]any{"paymentIntentId": pending.PaymentIntentID, "error": err.Error()})
		return "error"
	}

	switch intent.Status {
	case payments.IntentStatusSucceeded:
		if pending.ShippingAddress == nil || len(pending.Lines) == 0 {
			if pending.Status != domain.PendingIntentSucceeded {
				r.resolvePending(ctx, pending.PaymentIntentID, domain.PendingIntentSucceeded, "")
			}
			r.logger(ctx, "payment.reconcile.awaiting_address.skipped", map[string]any{"paymentIntentId": pending.PaymentIntentID})
			return "succeeded"
		}
		if _, err := r.materializeFromPending(ctx, intent, pending, "reconcile"); err != nil {
			r.logger(ctx, "payment.reconcile.materialize.failed", map[string]any{"paymentIntentId": pending.PaymentIntentID, "error": err.Error()})
			return "error"
		}
		return "materialized"
	case payments.IntentStatusCanceled:
		r.resolvePending(ctx, pending.PaymentIntentID, domain.PendingIntentFailed, "")
		return "failed"
	default:
		if !pending.ExpiresAt.IsZero() && now.After(pending.ExpiresAt) {
			r.resolvePending(ctx, pending.PaymentIntentID, domain.PendingIntentExpired, "")
			return "expired"
		}
		return "open"
	}
}

// gatewayFailure maps payment gateway errors onto the service taxonomy.
func gatewayFailure(op string, err error) error {
	var gwErr *payments.GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.CallerFault() && !gwErr.NotFound() {
			return &ValidationError{Field: "payment", Reason: "payment_rejected", Message: gwErr.Message}
		}
		return externalError(paymentProvider, op, gwErr.Message, err)
	}
	return externalError(paymentProvider, op, "payment provider request failed", err)
}
