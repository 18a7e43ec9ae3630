package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories/memory"
)

func seedOrder(t *testing.T, store *memory.OrderStore, id, userID string, status domain.OrderStatus, payment domain.PaymentStatus, total int64, createdAt time.Time) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:              id,
		Number:          "SO-" + id,
		UserID:          userID,
		Status:          status,
		PaymentStatus:   payment,
		PaymentIntentID: "pi_" + id,
		Totals:          domain.OrderTotals{Subtotal: total, Total: total},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	stored, created, err := store.CreateForIntent(context.Background(), order)
	if err != nil || !created {
		t.Fatalf("seed %s: created=%v err=%v", id, created, err)
	}
	return stored
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.OrderStatus
		want     bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusProcessing, true},
		{domain.OrderStatusPending, domain.OrderStatusConfirmed, true},
		{domain.OrderStatusPending, domain.OrderStatusShipped, false},
		{domain.OrderStatusProcessing, domain.OrderStatusConfirmed, true},
		{domain.OrderStatusConfirmed, domain.OrderStatusShipped, true},
		{domain.OrderStatusConfirmed, domain.OrderStatusRefunded, true},
		{domain.OrderStatusConfirmed, domain.OrderStatusDelivered, false},
		{domain.OrderStatusShipped, domain.OrderStatusDelivered, true},
		{domain.OrderStatusShipped, domain.OrderStatusCancelled, true},
		{domain.OrderStatusDelivered, domain.OrderStatusRefunded, true},
		{domain.OrderStatusDelivered, domain.OrderStatusCancelled, false},
		{domain.OrderStatusCancelled, domain.OrderStatusConfirmed, false},
		{domain.OrderStatusRefunded, domain.OrderStatusShipped, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	for _, status := range []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRefunded} {
		if !IsTerminal(status) {
			t.Errorf("%s should be terminal", status)
		}
	}
	if IsTerminal(domain.OrderStatusShipped) {
		t.Error("shipped is not terminal")
	}
}

func TestUpdateStatusRecordsAudit(t *testing.T) {
	f := newFixture(nil, nil)
	ctx := context.Background()
	seedOrder(t, f.orders, "ord_1", "user_1", domain.OrderStatusPending, domain.PaymentStatusPending, 1000, fixedNow)

	updated, err := f.orderSvc.UpdateStatus(ctx, OrderStatusCommand{
		OrderID: "ord_1",
		Status:  domain.OrderStatusProcessing,
		Actor:   Actor{ID: "admin_1", Role: ActorRoleAdmin},
		Note:    `<b>picked</b> by night shift<img src=x onerror=alert(1)>`,
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s", updated.Status)
	}
	last := updated.StatusHistory[len(updated.StatusHistory)-1]
	if last.Status != domain.OrderStatusProcessing || last.Actor != "admin:admin_1" || !last.At.Equal(fixedNow) {
		t.Fatalf("audit entry = %+v", last)
	}
	if last.Note != "picked by night shift" {
		t.Fatalf("note = %q", last.Note)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != OrderEventStatusChanged {
		t.Fatalf("events = %v", got)
	}
}

func TestUpdateStatusRejections(t *testing.T) {
	f := newFixture(nil, nil)
	ctx := context.Background()
	seedOrder(t, f.orders, "ord_1", "user_1", domain.OrderStatusPending, domain.PaymentStatusPending, 1000, fixedNow)
	seedOrder(t, f.orders, "ord_2", "user_1", domain.OrderStatusConfirmed, domain.PaymentStatusPaid, 1000, fixedNow)

	tests := []struct {
		name string
		cmd  OrderStatusCommand
		want error
	}{
		{"customer", OrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusConfirmed, Actor: Actor{ID: "user_1", Role: ActorRoleCustomer}}, ErrForbidden},
		{"illegal transition", OrderStatusCommand{OrderID: "ord_2", Status: domain.OrderStatusProcessing, Actor: staff}, ErrInvalidState},
		{"cancel via status", OrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled, Actor: staff}, ErrValidation},
		{"manual shipped", OrderStatusCommand{OrderID: "ord_2", Status: domain.OrderStatusShipped, Actor: staff}, ErrValidation},
		{"manual delivered", OrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusDelivered, Actor: staff}, ErrValidation},
		{"manual refunded", OrderStatusCommand{OrderID: "ord_2", Status: domain.OrderStatusRefunded, Actor: staff}, ErrValidation},
		{"missing order", OrderStatusCommand{OrderID: "ord_x", Status: domain.OrderStatusConfirmed, Actor: staff}, ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orderSvc.UpdateStatus(ctx, tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	stored, _ := f.orders.Get(ctx, "ord_1")
	if stored.Status != domain.OrderStatusPending || len(stored.StatusHistory) != 0 {
		t.Fatalf("rejected updates changed the order: %+v", stored)
	}
	stored, _ = f.orders.Get(ctx, "ord_2")
	if stored.Status != domain.OrderStatusConfirmed || stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("rejected updates changed the order: %+v", stored)
	}
}

func TestGetOrderOwnership(t *testing.T) {
	f := newFixture(nil, nil)
	ctx := context.Background()
	seedOrder(t, f.orders, "ord_1", "user_1", domain.OrderStatusConfirmed, domain.PaymentStatusPaid, 1000, fixedNow)

	if _, err := f.orderSvc.GetOrder(ctx, GetOrderCommand{OrderID: "ord_1", Actor: Actor{ID: "user_1", Role: ActorRoleCustomer}}); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if _, err := f.orderSvc.GetOrder(ctx, GetOrderCommand{OrderID: "ord_1", Actor: staff}); err != nil {
		t.Fatalf("staff: %v", err)
	}
	if _, err := f.orderSvc.GetOrder(ctx, GetOrderCommand{OrderID: "ord_1", Actor: Actor{ID: "user_2", Role: ActorRoleCustomer}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other user: expected forbidden, got %v", err)
	}
	if _, err := f.orderSvc.GetOrder(ctx, GetOrderCommand{OrderID: "ord_x", Actor: staff}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: expected not found, got %v", err)
	}
}

func TestListOrdersScopesCustomers(t *testing.T) {
	f := newFixture(nil, nil)
	ctx := context.Background()
	seedOrder(t, f.orders, "ord_1", "user_1", domain.OrderStatusConfirmed, domain.PaymentStatusPaid, 1000, fixedNow.Add(-2*time.Hour))
	seedOrder(t, f.orders, "ord_2", "user_2", domain.OrderStatusConfirmed, domain.PaymentStatusPaid, 1000, fixedNow.Add(-time.Hour))
	seedOrder(t, f.orders, "ord_3", "user_1", domain.OrderStatusShipped, domain.PaymentStatusPaid, 1000, fixedNow)

	page, err := f.orderSvc.ListOrders(ctx, OrderListFilter{Actor: Actor{ID: "user_1", Role: ActorRoleCustomer}, UserID: "user_2"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("customer saw %d orders", len(page.Items))
	}
	for _, order := range page.Items {
		if order.UserID != "user_1" {
			t.Fatalf("customer saw order of %s", order.UserID)
		}
	}

	page, err = f.orderSvc.ListOrders(ctx, OrderListFilter{Actor: staff, Statuses: []domain.OrderStatus{domain.OrderStatusConfirmed}})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("staff saw %d confirmed orders", len(page.Items))
	}

	if _, err := f.orderSvc.ListOrders(ctx, OrderListFilter{Actor: staff, Statuses: []domain.OrderStatus{"lost"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown status: expected validation error, got %v", err)
	}
	if _, err := f.orderSvc.ListOrders(ctx, OrderListFilter{Actor: Actor{Role: ActorRoleCustomer}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous: expected forbidden, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	f := newFixture(nil, nil)
	ctx := context.Background()
	seedOrder(t, f.orders, "ord_1", "user_1", domain.OrderStatusConfirmed, domain.PaymentStatusPaid, 10000, fixedNow.Add(-3*time.Hour))
	seedOrder(t, f.orders, "ord_2", "user_2", domain.OrderStatusDelivered, domain.PaymentStatusPaid, 20000, fixedNow.Add(-2*time.Hour))
	refunded := seedOrder(t, f.orders, "ord_3", "user_1", domain.OrderStatusCancelled, domain.PaymentStatusRefunded, 6000, fixedNow.Add(-time.Hour))
	seedOrder(t, f.orders, "ord_4", "user_3", domain.OrderStatusPending, domain.PaymentStatusFailed, 9999, fixedNow)
	seedOrder(t, f.orders, "ord_old", "user_3", domain.OrderStatusDelivered, domain.PaymentStatusPaid, 50000, fixedNow.Add(-72*time.Hour))
	if _, err := f.orders.Update(ctx, refunded.ID, func(o *domain.Order) error {
		o.Refund = &domain.RefundDetails{Amount: 6000, Status: "succeeded"}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	from := fixedNow.Add(-24 * time.Hour)
	to := fixedNow.Add(time.Hour)
	stats, err := f.orderSvc.Statistics(ctx, StatisticsQuery{From: &from, To: &to})
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalOrders != 4 {
		t.Fatalf("total orders = %d", stats.TotalOrders)
	}
	if stats.GrossRevenue != 36000 || stats.RefundedAmount != 6000 || stats.NetRevenue != 30000 {
		t.Fatalf("revenue = %+v", stats)
	}
	if stats.AverageOrderValue != 12000 {
		t.Fatalf("average order value = %d", stats.AverageOrderValue)
	}
	if stats.ByStatus[domain.OrderStatusConfirmed] != 1 || stats.ByPaymentStatus[domain.PaymentStatusFailed] != 1 {
		t.Fatalf("breakdown = %+v / %+v", stats.ByStatus, stats.ByPaymentStatus)
	}

	if _, err := f.orderSvc.Statistics(ctx, StatisticsQuery{From: &to, To: &from}); !errors.Is(err, ErrValidation) {
		t.Fatalf("inverted range: expected validation error, got %v", err)
	}
}
