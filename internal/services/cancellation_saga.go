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
	"github.com/storefront/fulfillment/internal/payments"
	"github.com/storefront/fulfillment/internal/repositories"
)

const refundReasonCancelled = "cancelled"

var cancellationSteps = []domain.CancellationStep{
	domain.CancellationStepVoidShipment,
	domain.CancellationStepRefundPayment,
	domain.CancellationStepRestoreInventory,
	domain.CancellationStepMarkCancelled,
}

// ShipmentVoider voids a carrier shipment for an order.
type ShipmentVoider interface {
	CancelShipment(ctx context.Context, order Order) error
}

// CancellationSagaDeps bundles collaborators for the cancellation saga.
type CancellationSagaDeps struct {
	Orders    repositories.OrderRepository
	Inventory repositories.InventoryRepository
	Gateway   payments.Gateway
	Shipments ShipmentVoider
	Events    OrderEventPublisher
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
	Meter     metric.Meter
}

type cancellationSaga struct {
	orders    repositories.OrderRepository
	inventory repositories.InventoryRepository
	gateway   payments.Gateway
	shipments ShipmentVoider
	events    eventSink
	clock     func() time.Time
	logger    eventLogger
	metrics   serviceMetrics
}

// NewCancellationSaga constructs the cancellation saga.
func NewCancellationSaga(deps CancellationSagaDeps) (CancellationSaga, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("cancellation saga: order repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("cancellation saga: inventory repository is required")
	case deps.Gateway == nil:
		return nil, errors.New("cancellation saga: payment gateway is required")
	case deps.Shipments == nil:
		return nil, errors.New("cancellation saga: shipment voider is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = defaultClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &cancellationSaga{
		orders:    deps.Orders,
		inventory: deps.Inventory,
		gateway:   deps.Gateway,
		shipments: deps.Shipments,
		events:    eventSink{publisher: deps.Events, logger: logger, clock: clock},
		clock:     clock,
		logger:    logger,
		metrics:   newServiceMetrics(deps.Meter),
	}, nil
}

// authorizeCancel enforces who may cancel from which state.
func authorizeCancel(order domain.Order, actor Actor) error {
	if IsTerminal(order.Status) {
		return fmt.Errorf("%w: order %s is already %s", ErrInvalidState, order.ID, order.Status)
	}
	if actor.Privileged() {
		return nil
	}
	if actor.ID == "" || order.UserID != actor.ID {
		return fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, order.ID)
	}
	if !slices.Contains(customerCancellable, order.Status) {
		return fmt.Errorf("%w: order %s can no longer be cancelled online", ErrForbidden, order.ID)
	}
	return nil
}

// Cancel records the cancellation request and then runs every compensation step. A failed
// step is recorded on the order and does not stop the remaining steps.
func (s *cancellationSaga) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId", "order_id_required", "order id is required")
	}
	now := s.clock()
	reason := sanitizeNote(cmd.Reason)

	order, err := s.orders.Update(ctx, orderID, func(o *domain.Order) error {
		if o.Cancellation != nil {
			return fmt.Errorf("%w: order %s cancellation already requested", ErrConflict, o.ID)
		}
		if err := authorizeCancel(*o, cmd.Actor); err != nil {
			return err
		}
		steps := make(map[domain.CancellationStep]domain.StepState, len(cancellationSteps))
		for _, step := range cancellationSteps {
			steps[step] = domain.StepState{Status: domain.StepStatusPending, UpdatedAt: now}
		}
		o.Cancellation = &domain.Cancellation{
			Actor:       cmd.Actor.label(),
			ActorRole:   cmd.Actor.Role,
			Reason:      reason,
			RequestedAt: now,
			Steps:       steps,
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalidState) {
			return Order{}, err
		}
		return Order{}, translateRepoError(err, "order "+orderID)
	}

	s.logger(ctx, "cancellation.requested", map[string]any{
		"orderId": order.ID,
		"actor":   cmd.Actor.label(),
		"status":  string(order.Status),
	})
	return s.run(ctx, order, cmd.Actor), nil
}

// RetryCompensations re-runs only the failed or unfinished steps of incomplete
// cancellations.
func (s *cancellationSaga) RetryCompensations(ctx context.Context, limit int) (CompensationReport, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	orders, err := s.orders.ListPendingCancellations(ctx, limit)
	if err != nil {
		return CompensationReport{}, fmt.Errorf("cancellation saga: list pending: %w", err)
	}
	report := CompensationReport{Scanned: len(orders)}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result := s.run(ctx, order, SystemActor)
		if result.Cancellation.Pending() {
			report.Pending++
		} else {
			report.Completed++
		}
		for _, state := range result.Cancellation.Steps {
			if state.Status == domain.StepStatusFailed {
				report.Errors++
			}
		}
	}
	s.logger(ctx, "cancellation.retry.completed", map[string]any{
		"scanned":   report.Scanned,
		"completed": report.Completed,
		"pending":   report.Pending,
	})
	return report, nil
}

// stepOutcome is the result of executing one step: the status to record, an optional
// order mutation persisted with it, and the failure if any.
type stepOutcome struct {
	status domain.StepStatus
	apply  func(o *domain.Order, at time.Time) error
	err    error
}

func (s *cancellationSaga) run(ctx context.Context, order domain.Order, actor Actor) domain.Order {
	previous := order.Status
	for _, step := range cancellationSteps {
		state := order.Cancellation.Steps[step]
		if state.Status == domain.StepStatusCompleted || state.Status == domain.StepStatusSkipped {
			continue
		}
		outcome := s.execute(ctx, step, order)
		order = s.record(ctx, order, step, outcome)
	}

	if !order.Cancellation.Pending() && order.Cancellation.CompletedAt == nil {
		if updated, err := s.orders.Update(ctx, order.ID, func(o *domain.Order) error {
			if o.Cancellation != nil && !o.Cancellation.Pending() {
				o.Cancellation.CompletedAt = timePtr(s.clock())
			}
			return nil
		}); err == nil {
			order = updated
		}
	}

	details := map[string]string{}
	for step, state := range order.Cancellation.Steps {
		details[string(step)] = string(state.Status)
	}
	if order.Cancellation.Pending() {
		s.logger(ctx, "cancellation.compensation.inconsistent", map[string]any{"orderId": order.ID, "steps": details})
		s.events.publish(ctx, OrderEventCancellationPending, order, previous, actor, details)
	} else {
		s.logger(ctx, "cancellation.completed", map[string]any{"orderId": order.ID})
	}
	if previous != order.Status && order.Status == domain.OrderStatusCancelled {
		s.events.publish(ctx, OrderEventCancelled, order, previous, actor, details)
	}
	return order
}

func (s *cancellationSaga) execute(ctx context.Context, step domain.CancellationStep, order domain.Order) stepOutcome {
	switch step {
	case domain.CancellationStepVoidShipment:
		if !hasTracking(order) {
			return stepOutcome{status: domain.StepStatusSkipped}
		}
		if err := s.shipments.CancelShipment(ctx, order); err != nil {
			return stepOutcome{status: domain.StepStatusFailed, err: err}
		}
		return stepOutcome{status: domain.StepStatusCompleted}

	case domain.CancellationStepRefundPayment:
		return s.refund(ctx, order)

	case domain.CancellationStepRestoreInventory:
		if order.StockDeduction != nil && order.StockDeduction.Status == domain.StepStatusFailed {
			s.logger(ctx, "cancellation.restore.skipped", map[string]any{"orderId": order.ID, "reason": "stock was never deducted"})
			return stepOutcome{status: domain.StepStatusSkipped}
		}
		restored, err := s.inventory.RestoreForOrder(ctx, order.ID)
		if err != nil {
			return stepOutcome{status: domain.StepStatusFailed, err: err}
		}
		if !restored {
			s.logger(ctx, "cancellation.restore.skipped", map[string]any{"orderId": order.ID, "reason": "no deduction to restore"})
			return stepOutcome{status: domain.StepStatusSkipped}
		}
		return stepOutcome{status: domain.StepStatusCompleted}

	case domain.CancellationStepMarkCancelled:
		cancellation := order.Cancellation
		return stepOutcome{
			status: domain.StepStatusCompleted,
			apply: func(o *domain.Order, at time.Time) error {
				if o.Status == domain.OrderStatusCancelled {
					return nil
				}
				actor := Actor{ID: strings.TrimPrefix(cancellation.Actor, cancellation.ActorRole+":"), Role: cancellation.ActorRole}
				return applyStatusTransition(o, domain.OrderStatusCancelled, actor, cancellation.Reason, at)
			},
		}
	}
	return stepOutcome{status: domain.StepStatusFailed, err: fmt.Errorf("unknown cancellation step %q", step)}
}

// refund returns the captured amount not yet refunded. The idempotency key is fixed per
// order so a retried step cannot refund twice.
func (s *cancellationSaga) refund(ctx context.Context, order domain.Order) stepOutcome {
	var amount *int64
	switch order.PaymentStatus {
	case domain.PaymentStatusPaid:
	case domain.PaymentStatusPartiallyRefunded:
		remaining := order.Totals.Total
		if order.Refund != nil {
			remaining -= order.Refund.Amount
		}
		if remaining <= 0 {
			return stepOutcome{status: domain.StepStatusSkipped}
		}
		amount = &remaining
	default:
		return stepOutcome{status: domain.StepStatusSkipped}
	}
	if order.PaymentIntentID == "" {
		return stepOutcome{status: domain.StepStatusFailed, err: fmt.Errorf("%w: order %s has no payment intent", ErrConsistency, order.ID)}
	}

	refund, err := s.gateway.Refund(ctx, payments.RefundRequest{
		PaymentIntentID: order.PaymentIntentID,
		Amount:          amount,
		Reason:          refundReasonCancelled,
		IdempotencyKey:  "refund-" + order.ID,
		Metadata:        map[string]string{"order_id": order.ID, "order_number": order.Number},
	})
	if err != nil {
		return stepOutcome{status: domain.StepStatusFailed, err: gatewayFailure("refund", err)}
	}
	return stepOutcome{
		status: domain.StepStatusCompleted,
		apply: func(o *domain.Order, at time.Time) error {
			refundedAt := refund.CreatedAt
			if refundedAt.IsZero() {
				refundedAt = at
			}
			total := refund.Amount
			if o.Refund != nil && amount != nil {
				total += o.Refund.Amount
			}
			o.Refund = &domain.RefundDetails{
				RefundID:   refund.ID,
				Amount:     total,
				Status:     refund.Status,
				Reason:     refundReasonCancelled,
				RefundedAt: refundedAt,
			}
			o.PaymentStatus = domain.PaymentStatusRefunded
			return nil
		},
	}
}

// record persists a step outcome together with its order mutation. If the mutation itself
// fails the step is recorded as failed instead.
func (s *cancellationSaga) record(ctx context.Context, order domain.Order, step domain.CancellationStep, outcome stepOutcome) domain.Order {
	now := s.clock()
	prior := order.Cancellation.Steps[step]

	var applyErr error
	updated, err := s.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		if o.Cancellation == nil {
			return fmt.Errorf("%w: order %s lost its cancellation record", ErrConsistency, o.ID)
		}
		state := domain.StepState{Status: outcome.status, Attempts: prior.Attempts + 1, UpdatedAt: now}
		if outcome.err != nil {
			state.LastError = outcome.err.Error()
		}
		if outcome.apply != nil && outcome.err == nil {
			if applyErr = outcome.apply(o, now); applyErr != nil {
				state.Status = domain.StepStatusFailed
				state.LastError = applyErr.Error()
			}
		}
		o.Cancellation.Steps[step] = state
		o.UpdatedAt = now
		return nil
	})

	stepStatus := outcome.status
	if applyErr != nil {
		stepStatus = domain.StepStatusFailed
	}
	add(ctx, s.metrics.sagaSteps, attribute.String("step", string(step)), attribute.String("outcome", string(stepStatus)))

	fields := map[string]any{"orderId": order.ID, "step": string(step), "status": string(stepStatus)}
	if outcome.err != nil {
		fields["error"] = outcome.err.Error()
		s.logger(ctx, "cancellation.step.failed", fields)
	} else if applyErr != nil {
		fields["error"] = applyErr.Error()
		s.logger(ctx, "cancellation.step.failed", fields)
	} else {
		s.logger(ctx, "cancellation.step."+string(stepStatus), fields)
	}

	if err != nil {
		s.logger(ctx, "cancellation.step.persist.error", map[string]any{"orderId": order.ID, "step": string(step), "error": err.Error()})
		// Keep the in-memory view so later steps still run; the retry pass reconciles.
		state := domain.StepState{Status: domain.StepStatusFailed, Attempts: prior.Attempts + 1, LastError: err.Error(), UpdatedAt: now}
		order.Cancellation.Steps[step] = state
		return order
	}
	return updated
}
