package services

import (
	"context"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
)

// Order event types emitted by the fulfillment services.
const (
	OrderEventCreated             = "order.created"
	OrderEventStatusChanged       = "order.status_changed"
	OrderEventShipped             = "order.shipped"
	OrderEventTrackingUpdated     = "order.tracking_updated"
	OrderEventCancelled           = "order.cancelled"
	OrderEventCancellationPending = "order.cancellation_pending"
	OrderEventRefunded            = "order.refunded"
)

// OrderEvent is the message published to downstream consumers on order changes.
type OrderEvent struct {
	ID             string             `json:"id"`
	Type           string             `json:"type"`
	OrderID        string             `json:"orderId"`
	OrderNumber    string             `json:"orderNumber"`
	UserID         string             `json:"userId"`
	Status         domain.OrderStatus `json:"status"`
	PreviousStatus domain.OrderStatus `json:"previousStatus,omitempty"`
	Actor          string             `json:"actor,omitempty"`
	Details        map[string]string  `json:"details,omitempty"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

// OrderEventPublisher delivers order events. Delivery failures never fail the operation
// that emitted the event.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}
