// Package memory provides mutex-guarded repository implementations for local runs and tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/platform/pagination"
	"github.com/storefront/fulfillment/internal/repositories"
)

// OrderStore implements repositories.OrderRepository.
type OrderStore struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	byIntent map[string]string
	byCharge map[string]string
}

// NewOrderStore returns an empty order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: map[string]domain.Order{}, byIntent: map[string]string{}, byCharge: map[string]string{}}
}

var _ repositories.OrderRepository = (*OrderStore)(nil)

func (s *OrderStore) CreateForIntent(_ context.Context, order domain.Order) (domain.Order, bool, error) {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.PaymentIntentID) == "" {
		return domain.Order{}, false, errors.New("order store: order id and payment intent id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byIntent[order.PaymentIntentID]; ok {
		return cloneOrder(s.orders[existingID]), false, nil
	}
	if _, ok := s.orders[order.ID]; ok {
		return domain.Order{}, false, repositories.NewConflictError("orders.create", "order "+order.ID)
	}
	if err := s.checkCharge(order.ID, order.ChargeID); err != nil {
		return domain.Order{}, false, err
	}
	s.orders[order.ID] = cloneOrder(order)
	s.byIntent[order.PaymentIntentID] = order.ID
	if order.ChargeID != "" {
		s.byCharge[order.ChargeID] = order.ID
	}
	return cloneOrder(order), true, nil
}

// checkCharge fails when chargeID already belongs to another order. Callers hold s.mu.
func (s *OrderStore) checkCharge(orderID, chargeID string) error {
	if owner, ok := s.byCharge[chargeID]; ok && chargeID != "" && owner != orderID {
		return repositories.NewConflictError("orders.charge", "charge "+chargeID+" for order "+owner)
	}
	return nil
}

func (s *OrderStore) Get(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.get", "order "+orderID)
	}
	return cloneOrder(order), nil
}

func (s *OrderStore) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	s.mu.Lock()
	orderID, ok := s.byIntent[paymentIntentID]
	s.mu.Unlock()
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.findByPaymentIntent", "order for intent "+paymentIntentID)
	}
	return s.Get(ctx, orderID)
}

func (s *OrderStore) FindByTrackingNumber(_ context.Context, trackingNumber string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if trackingNumber != "" && order.Shipment != nil && order.Shipment.TrackingNumber == trackingNumber {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, repositories.NewNotFoundError("orders.findByTrackingNumber", "order for tracking "+trackingNumber)
}

func (s *OrderStore) Update(_ context.Context, orderID string, mutate repositories.OrderMutator) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.update", "order "+orderID)
	}
	order := cloneOrder(current)
	if err := mutate(&order); err != nil {
		return domain.Order{}, err
	}
	if err := s.checkCharge(orderID, order.ChargeID); err != nil {
		return domain.Order{}, err
	}
	s.orders[orderID] = cloneOrder(order)
	if order.ChargeID != "" {
		s.byCharge[order.ChargeID] = orderID
	}
	return order, nil
}

func (s *OrderStore) List(_ context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}

	s.mu.Lock()
	matched := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
			continue
		}
		if filter.CreatedAt.From != nil && order.CreatedAt.Before(*filter.CreatedAt.From) {
			continue
		}
		if filter.CreatedAt.To != nil && order.CreatedAt.After(*filter.CreatedAt.To) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if !cursor.IsZero() {
		start = len(matched)
		for i, order := range matched {
			if order.CreatedAt.Before(cursor.CreatedAt) || (order.CreatedAt.Equal(cursor.CreatedAt) && order.ID < cursor.ID) {
				start = i
				break
			}
		}
	}

	page := domain.Page[domain.Order]{}
	end := min(start+pageSize, len(matched))
	page.Items = matched[start:end]
	if end < len(matched) {
		last := page.Items[len(page.Items)-1]
		page.NextPageToken, err = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.Page[domain.Order]{}, err
		}
	}
	return page, nil
}

func (s *OrderStore) ListPendingCancellations(_ context.Context, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, order := range s.orders {
		if order.Cancellation.Pending() {
			out = append(out, cloneOrder(order))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOrder(order domain.Order) domain.Order {
	order.Lines = slices.Clone(order.Lines)
	order.TrackingEvents = slices.Clone(order.TrackingEvents)
	order.StatusHistory = slices.Clone(order.StatusHistory)
	if order.Shipment != nil {
		shipment := *order.Shipment
		shipment.Packages = slices.Clone(shipment.Packages)
		order.Shipment = &shipment
	}
	if order.Refund != nil {
		refund := *order.Refund
		order.Refund = &refund
	}
	if order.Coupon != nil {
		coupon := *order.Coupon
		order.Coupon = &coupon
	}
	if order.Cancellation != nil {
		cancellation := *order.Cancellation
		cancellation.Steps = make(map[domain.CancellationStep]domain.StepState, len(order.Cancellation.Steps))
		for step, state := range order.Cancellation.Steps {
			cancellation.Steps[step] = state
		}
		order.Cancellation = &cancellation
	}
	return order
}
