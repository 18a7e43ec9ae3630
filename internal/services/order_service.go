package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories"
)

const (
	statisticsPageSize  = 200
	statisticsMaxOrders = 20000
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusDelivered:  {domain.OrderStatusRefunded},
}

// customerCancellable lists the states an owner may cancel from.
var customerCancellable = []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed}

// CanTransition reports whether the order state machine allows from → to.
func CanTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// IsTerminal reports whether no further customer-visible progress is possible.
func IsTerminal(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRefunded:
		return true
	}
	return false
}

// applyStatusTransition validates and applies a transition, appending the audit entry and
// stamping the lifecycle timestamp that belongs to the new state.
func applyStatusTransition(order *domain.Order, next domain.OrderStatus, actor Actor, note string, at time.Time) error {
	if !CanTransition(order.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, order.Status, next)
	}
	order.Status = next
	order.UpdatedAt = at
	order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
		Status: next,
		At:     at,
		Actor:  actor.label(),
		Note:   sanitizeNote(note),
	})
	switch next {
	case domain.OrderStatusShipped:
		order.ShippedAt = timePtr(at)
	case domain.OrderStatusDelivered:
		order.DeliveredAt = timePtr(at)
	case domain.OrderStatusCancelled:
		order.CancelledAt = timePtr(at)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func authorizeOrderAccess(order domain.Order, actor Actor) error {
	if actor.Privileged() {
		return nil
	}
	if actor.ID == "" || order.UserID != actor.ID {
		return fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, order.ID)
	}
	return nil
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Events OrderEventPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
	Meter  metric.Meter
}

type orderService struct {
	orders  repositories.OrderRepository
	events  eventSink
	clock   func() time.Time
	logger  eventLogger
	metrics serviceMetrics
}

// NewOrderService wires dependencies into the order service.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = defaultClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &orderService{
		orders:  deps.Orders,
		events:  eventSink{publisher: deps.Events, logger: logger, clock: clock},
		clock:   clock,
		logger:  logger,
		metrics: newServiceMetrics(deps.Meter),
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId", "order_id_required", "order id is required")
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Order{}, translateRepoError(err, "order "+orderID)
	}
	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error) {
	userID := strings.TrimSpace(filter.UserID)
	if !filter.Actor.Privileged() {
		if filter.Actor.ID == "" {
			return domain.Page[Order]{}, fmt.Errorf("%w: caller identity required", ErrForbidden)
		}
		userID = filter.Actor.ID
	}
	for _, status := range filter.Statuses {
		if _, known := orderStateTransitions[status]; !known && !IsTerminal(status) {
			return domain.Page[Order]{}, validationError("status", "unknown_status", "unknown order status %q", status)
		}
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     userID,
		Statuses:   filter.Statuses,
		CreatedAt:  domain.RangeQuery[time.Time]{From: filter.From, To: filter.To},
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.Page[Order]{}, translateRepoError(err, "orders")
	}
	return page, nil
}

// manualStatuses are the targets staff may set directly. Shipping, delivery and refunds
// follow from label creation, carrier tracking and the payment gateway; cancellation goes
// through the saga so compensation always runs.
var manualStatuses = []domain.OrderStatus{
	domain.OrderStatusProcessing,
	domain.OrderStatusConfirmed,
}

// UpdateStatus applies an administrative transition.
func (s *orderService) UpdateStatus(ctx context.Context, cmd OrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId", "order_id_required", "order id is required")
	}
	if !cmd.Actor.Privileged() {
		return Order{}, fmt.Errorf("%w: status updates require staff access", ErrForbidden)
	}
	switch {
	case cmd.Status == domain.OrderStatusCancelled:
		return Order{}, validationError("status", "use_cancel", "cancel orders through the cancellation endpoint")
	case !slices.Contains(manualStatuses, cmd.Status):
		return Order{}, validationError("status", "status_not_manual", "status %q cannot be set manually", cmd.Status)
	}

	var previous domain.OrderStatus
	now := s.clock()
	order, err := s.orders.Update(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		return applyStatusTransition(order, cmd.Status, cmd.Actor, cmd.Note, now)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return Order{}, err
		}
		return Order{}, translateRepoError(err, "order "+orderID)
	}

	add(ctx, s.metrics.transitions, attribute.String("status", string(order.Status)), attribute.String("source", "admin"))
	s.logger(ctx, "order.status.updated", map[string]any{
		"orderId": order.ID,
		"from":    string(previous),
		"to":      string(order.Status),
		"actor":   cmd.Actor.label(),
	})
	s.events.publish(ctx, OrderEventStatusChanged, order, previous, cmd.Actor, nil)
	return order, nil
}

// Statistics aggregates volume and revenue for orders created within the query range.
func (s *orderService) Statistics(ctx context.Context, query StatisticsQuery) (OrderStatistics, error) {
	if query.From != nil && query.To != nil && query.From.After(*query.To) {
		return OrderStatistics{}, validationError("from", "invalid_range", "from must not be after to")
	}
	stats := OrderStatistics{
		ByStatus:        map[domain.OrderStatus]int{},
		ByPaymentStatus: map[domain.PaymentStatus]int{},
		From:            query.From,
		To:              query.To,
	}

	paidOrders := 0
	token := ""
	for stats.TotalOrders < statisticsMaxOrders {
		page, err := s.orders.List(ctx, repositories.OrderListFilter{
			CreatedAt:  domain.RangeQuery[time.Time]{From: query.From, To: query.To},
			Pagination: domain.Pagination{PageSize: statisticsPageSize, PageToken: token},
		})
		if err != nil {
			return OrderStatistics{}, translateRepoError(err, "orders")
		}
		for _, order := range page.Items {
			stats.TotalOrders++
			stats.ByStatus[order.Status]++
			stats.ByPaymentStatus[order.PaymentStatus]++
			switch order.PaymentStatus {
			case domain.PaymentStatusPaid, domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
				paidOrders++
				stats.GrossRevenue += order.Totals.Total
			}
			if order.Refund != nil {
				stats.RefundedAmount += order.Refund.Amount
			}
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	if stats.TotalOrders >= statisticsMaxOrders {
		s.logger(ctx, "order.statistics.truncated", map[string]any{"limit": statisticsMaxOrders})
	}

	stats.NetRevenue = stats.GrossRevenue - stats.RefundedAmount
	if paidOrders > 0 {
		stats.AverageOrderValue = stats.GrossRevenue / int64(paidOrders)
	}
	return stats, nil
}
