package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories"
)

const (
	meterName = "github.com/storefront/fulfillment/internal/services"

	orderIDPrefix = "ord_"
	eventIDPrefix = "evt_"

	maxNoteLength = 500
)

type eventLogger = func(context.Context, string, map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

func defaultClock() time.Time { return time.Now().UTC() }

func newOrderID() string { return orderIDPrefix + ulid.Make().String() }

var notePolicy = bluemonday.StrictPolicy()

// sanitizeNote strips markup from free-text notes and reasons before they reach the audit
// trail.
func sanitizeNote(value string) string {
	cleaned := strings.TrimSpace(notePolicy.Sanitize(value))
	if len(cleaned) > maxNoteLength {
		cleaned = cleaned[:maxNoteLength]
	}
	return cleaned
}

// nextOrderNumber formats SO-YYYYMMDD-NNNNNN from the per-day counter.
func nextOrderNumber(ctx context.Context, counters repositories.CounterRepository, at time.Time) (string, error) {
	day := at.UTC().Format("20060102")
	counterID := "orders:" + day
	seq, err := counters.Next(ctx, counterID)
	if err == nil {
		err = repositories.CheckDailyOrderSequence(counterID, seq)
	}
	if err != nil {
		return "", fmt.Errorf("allocate order number: %w", err)
	}
	return fmt.Sprintf("SO-%s-%06d", day, seq), nil
}

// eventSink publishes order events and logs delivery failures without surfacing them.
type eventSink struct {
	publisher OrderEventPublisher
	logger    eventLogger
	clock     func() time.Time
}

func (s eventSink) publish(ctx context.Context, eventType string, order domain.Order, previous domain.OrderStatus, actor Actor, details map[string]string) {
	if s.publisher == nil {
		return
	}
	event := OrderEvent{
		ID:             eventIDPrefix + ulid.Make().String(),
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		UserID:         order.UserID,
		Status:         order.Status,
		PreviousStatus: previous,
		Actor:          actor.label(),
		Details:        details,
		OccurredAt:     s.clock(),
	}
	if err := s.publisher.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"orderId":   order.ID,
			"eventType": eventType,
			"error":     err.Error(),
		})
	}
}

// serviceMetrics holds the counters shared by the fulfillment services.
type serviceMetrics struct {
	transitions  metric.Int64Counter
	webhooks     metric.Int64Counter
	sagaSteps    metric.Int64Counter
	reconciled   metric.Int64Counter
	couponDebits metric.Int64Counter
}

func newServiceMetrics(meter metric.Meter) serviceMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	var m serviceMetrics
	m.transitions, _ = meter.Int64Counter("orders.transitions", metric.WithDescription("Order status transitions by target status"))
	m.webhooks, _ = meter.Int64Counter("payments.webhook.events", metric.WithDescription("Payment webhook deliveries by type and outcome"))
	m.sagaSteps, _ = meter.Int64Counter("orders.cancellation.steps", metric.WithDescription("Cancellation saga step outcomes"))
	m.reconciled, _ = meter.Int64Counter("payments.reconcile.intents", metric.WithDescription("Pending intents processed by the sweep"))
	m.couponDebits, _ = meter.Int64Counter("coupons.debits", metric.WithDescription("Coupon debits by outcome"))
	return m
}

func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
