package services

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/payments"
)

func stepStatus(order domain.Order, step domain.CancellationStep) domain.StepStatus {
	if order.Cancellation == nil {
		return ""
	}
	return order.Cancellation.Steps[step].Status
}

func TestCancelPaidOrderRefundsAndRestoresStock(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	if got := stockOf(t, f, "prod_lamp"); got != 4 {
		t.Fatalf("lamp stock after checkout = %d", got)
	}

	cancelled, err := f.saga.Cancel(ctx, CancelOrderCommand{
		OrderID: order.ID,
		Actor:   Actor{ID: "user_1", Role: ActorRoleCustomer},
		Reason:  "changed my mind <script>alert(1)</script>",
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("status=%s payment=%s", cancelled.Status, cancelled.PaymentStatus)
	}
	if cancelled.CancelledAt == nil || cancelled.Cancellation.CompletedAt == nil {
		t.Fatal("cancellation timestamps should be set")
	}
	if cancelled.Cancellation.Reason != "changed my mind" {
		t.Fatalf("reason = %q", cancelled.Cancellation.Reason)
	}
	want := map[domain.CancellationStep]domain.StepStatus{
		domain.CancellationStepVoidShipment:     domain.StepStatusSkipped,
		domain.CancellationStepRefundPayment:    domain.StepStatusCompleted,
		domain.CancellationStepRestoreInventory: domain.StepStatusCompleted,
		domain.CancellationStepMarkCancelled:    domain.StepStatusCompleted,
	}
	for step, status := range want {
		if got := stepStatus(cancelled, step); got != status {
			t.Errorf("step %s = %s, want %s", step, got, status)
		}
	}

	if len(f.gateway.refunds) != 1 {
		t.Fatalf("refund calls = %d", len(f.gateway.refunds))
	}
	refund := f.gateway.refunds[0]
	if refund.IdempotencyKey != "refund-"+order.ID || refund.Amount != nil || refund.PaymentIntentID != order.PaymentIntentID {
		t.Fatalf("refund request = %+v", refund)
	}
	if cancelled.Refund == nil || cancelled.Refund.Amount != order.Totals.Total {
		t.Fatalf("refund details = %+v", cancelled.Refund)
	}

	if got := stockOf(t, f, "prod_lamp"); got != 5 {
		t.Fatalf("lamp stock = %d, want 5", got)
	}
	if got := stockOf(t, f, "prod_mug"); got != 10 {
		t.Fatalf("mug stock = %d, want 10", got)
	}
	types := f.events.types()
	if !slices.Contains(types, OrderEventCancelled) || slices.Contains(types, OrderEventCancellationPending) {
		t.Fatalf("events = %v", types)
	}
}

func TestCancelUnpaidOrderSkipsRefund(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	if _, err := f.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		o.PaymentStatus = domain.PaymentStatusFailed
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	cancelled, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: staff})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if stepStatus(cancelled, domain.CancellationStepRefundPayment) != domain.StepStatusSkipped || f.gateway.refundCount() != 0 {
		t.Fatalf("refund should be skipped, steps = %+v", cancelled.Cancellation.Steps)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
}

func TestCancelRefundFailureIsRetried(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	f.gateway.refundFn = func(context.Context, payments.RefundRequest) (payments.Refund, error) {
		return payments.Refund{}, &payments.GatewayError{Op: "refund", Message: "gateway unavailable", StatusCode: 503}
	}

	cancelled, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: Actor{ID: "user_1", Role: ActorRoleCustomer}})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("order should be cancelled even when the refund fails, got %s", cancelled.Status)
	}
	if cancelled.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s", cancelled.PaymentStatus)
	}
	refundState := cancelled.Cancellation.Steps[domain.CancellationStepRefundPayment]
	if refundState.Status != domain.StepStatusFailed || refundState.LastError == "" {
		t.Fatalf("refund step = %+v", refundState)
	}
	if !cancelled.Cancellation.Pending() || cancelled.Cancellation.CompletedAt != nil {
		t.Fatal("cancellation should remain pending")
	}
	if !slices.Contains(f.events.types(), OrderEventCancellationPending) {
		t.Fatalf("events = %v", f.events.types())
	}
	if got := stockOf(t, f, "prod_lamp"); got != 5 {
		t.Fatalf("lamp stock = %d, want 5", got)
	}

	f.gateway.refundFn = nil
	report, err := f.saga.RetryCompensations(ctx, 10)
	if err != nil {
		t.Fatalf("RetryCompensations: %v", err)
	}
	if report.Scanned != 1 || report.Completed != 1 || report.Pending != 0 {
		t.Fatalf("report = %+v", report)
	}
	if f.gateway.refundCount() != 2 {
		t.Fatalf("refund attempts = %d, want 2", f.gateway.refundCount())
	}
	for _, req := range f.gateway.refunds {
		if req.IdempotencyKey != "refund-"+order.ID {
			t.Fatalf("idempotency key = %s", req.IdempotencyKey)
		}
	}

	stored, _ := f.orders.Get(ctx, order.ID)
	if stored.PaymentStatus != domain.PaymentStatusRefunded || stored.Cancellation.Pending() {
		t.Fatalf("payment=%s steps=%+v", stored.PaymentStatus, stored.Cancellation.Steps)
	}
	restore := stored.Cancellation.Steps[domain.CancellationStepRestoreInventory]
	if restore.Attempts != 1 {
		t.Fatalf("restore ran %d times", restore.Attempts)
	}
	if got := stockOf(t, f, "prod_lamp"); got != 5 {
		t.Fatalf("lamp stock after retry = %d, want 5", got)
	}
	if stored.Cancellation.CompletedAt == nil {
		t.Fatal("completedAt should be set after retry")
	}

	report, err = f.saga.RetryCompensations(ctx, 10)
	if err != nil || report.Scanned != 0 {
		t.Fatalf("second sweep report=%+v err=%v", report, err)
	}
}

func TestCancelShippedOrderVoidsLabel(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order := shippedOrder(t, f)

	_, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: Actor{ID: "user_1", Role: ActorRoleCustomer}})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("owner cancelling shipped order: expected forbidden, got %v", err)
	}

	cancelled, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: staff, Reason: "lost in warehouse"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if stepStatus(cancelled, domain.CancellationStepVoidShipment) != domain.StepStatusCompleted {
		t.Fatalf("void step = %s", stepStatus(cancelled, domain.CancellationStepVoidShipment))
	}
	if !slices.Equal(f.carrier.cancels, []string{"794600000001"}) {
		t.Fatalf("carrier cancels = %v", f.carrier.cancels)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
}

func TestCancelVoidFailureIsRecorded(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order := shippedOrder(t, f)
	f.carrier.cancelFn = func(context.Context, string) error { return errors.New("connection reset") }

	cancelled, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: staff})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	void := cancelled.Cancellation.Steps[domain.CancellationStepVoidShipment]
	if void.Status != domain.StepStatusFailed || void.LastError == "" {
		t.Fatalf("void step = %+v", void)
	}
	if stepStatus(cancelled, domain.CancellationStepRefundPayment) != domain.StepStatusCompleted {
		t.Fatal("refund should still run after a void failure")
	}
	if cancelled.Status != domain.OrderStatusCancelled || !cancelled.Cancellation.Pending() {
		t.Fatalf("status=%s pending=%v", cancelled.Status, cancelled.Cancellation.Pending())
	}
}

func TestCancelAuthorization(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}

	tests := []struct {
		name  string
		actor Actor
		want  error
	}{
		{"other customer", Actor{ID: "user_2", Role: ActorRoleCustomer}, ErrForbidden},
		{"anonymous", Actor{Role: ActorRoleCustomer}, ErrForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: tc.actor})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: Actor{ID: "admin_1", Role: ActorRoleAdmin}}); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	_, err = f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: staff})
	if !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrConflict) {
		t.Fatalf("second cancel: expected conflict, got %v", err)
	}

	delivered, err := f.paidOrder(ctx, "user_3")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	if _, err := f.orders.Update(ctx, delivered.ID, func(o *domain.Order) error {
		o.Status = domain.OrderStatusDelivered
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, err = f.saga.Cancel(ctx, CancelOrderCommand{OrderID: delivered.ID, Actor: staff})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("delivered order: expected invalid state, got %v", err)
	}

	_, err = f.saga.Cancel(ctx, CancelOrderCommand{OrderID: "ord_missing", Actor: staff})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order: expected not found, got %v", err)
	}
}

func TestCancelAfterFailedStockDeductionLeavesStockUntouched(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	if err := f.carts.Save(ctx, standardCart("user_1")); err != nil {
		t.Fatal(err)
	}
	intent, err := f.reconciler.CreateIntent(ctx, CreateIntentCommand{UserID: "user_1", ShippingCost: 1500, ShippingAddress: testAddress()})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	lamp, _ := f.inventory.Get(ctx, "prod_lamp")
	lamp.StockQuantity = 0
	if err := f.inventory.Upsert(ctx, lamp); err != nil {
		t.Fatal(err)
	}

	f.gateway.succeed(intent.PaymentIntentID, "ch_1")
	order, err := f.reconciler.ConfirmPayment(ctx, ConfirmPaymentCommand{UserID: "user_1", PaymentIntentID: intent.PaymentIntentID})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if order.StockDeduction == nil || order.StockDeduction.Status != domain.StepStatusFailed || order.StockDeduction.LastError == "" {
		t.Fatalf("stock deduction = %+v", order.StockDeduction)
	}
	stored, _ := f.orders.Get(ctx, order.ID)
	if stored.StockDeduction == nil || stored.StockDeduction.Status != domain.StepStatusFailed {
		t.Fatalf("stored stock deduction = %+v", stored.StockDeduction)
	}
	if lamp, mug := stockOf(t, f, "prod_lamp"), stockOf(t, f, "prod_mug"); lamp != 0 || mug != 10 {
		t.Fatalf("after confirm lamp=%d mug=%d", lamp, mug)
	}

	cancelled, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: staff, Reason: "out of stock"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if got := stepStatus(cancelled, domain.CancellationStepRestoreInventory); got != domain.StepStatusSkipped {
		t.Fatalf("restore step = %s, want skipped", got)
	}
	if lamp, mug := stockOf(t, f, "prod_lamp"), stockOf(t, f, "prod_mug"); lamp != 0 || mug != 10 {
		t.Fatalf("after cancel lamp=%d mug=%d, want pre-order 0 and 10", lamp, mug)
	}
}

func TestRestoreStepSkipsWhenNoDeductionWasRecorded(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	if order.StockDeduction == nil || order.StockDeduction.Status != domain.StepStatusCompleted {
		t.Fatalf("stock deduction = %+v", order.StockDeduction)
	}
	// Older orders carry no deduction state; the store marker is the source of truth.
	if _, err := f.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		o.StockDeduction = nil
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	cancelled, err := f.saga.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: staff})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := stepStatus(cancelled, domain.CancellationStepRestoreInventory); got != domain.StepStatusCompleted {
		t.Fatalf("restore step = %s, want completed", got)
	}
	if got := stockOf(t, f, "prod_lamp"); got != 5 {
		t.Fatalf("lamp stock = %d, want 5", got)
	}
}
