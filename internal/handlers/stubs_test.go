package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/storefront/fulfillment/internal/carrier"
	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/platform/auth"
	"github.com/storefront/fulfillment/internal/services"
)

var errNotImplemented = errors.New("not implemented")

type stubOrderService struct {
	getFn    func(context.Context, services.GetOrderCommand) (services.Order, error)
	listFn   func(context.Context, services.OrderListFilter) (domain.Page[services.Order], error)
	statusFn func(context.Context, services.OrderStatusCommand) (services.Order, error)
	statsFn  func(context.Context, services.StatisticsQuery) (services.OrderStatistics, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.Page[services.Order]{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.OrderStatusCommand) (services.Order, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) Statistics(ctx context.Context, query services.StatisticsQuery) (services.OrderStatistics, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx, query)
	}
	return services.OrderStatistics{}, errNotImplemented
}

type stubReconciler struct {
	createFn    func(context.Context, services.CreateIntentCommand) (services.CheckoutIntent, error)
	confirmFn   func(context.Context, services.ConfirmPaymentCommand) (services.Order, error)
	webhookFn   func(context.Context, []byte, string) (services.WebhookResult, error)
	reconcileFn func(context.Context, int) (services.ReconcileReport, error)
}

func (s *stubReconciler) CreateIntent(ctx context.Context, cmd services.CreateIntentCommand) (services.CheckoutIntent, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutIntent{}, errNotImplemented
}

func (s *stubReconciler) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubReconciler) ApplyWebhookEvent(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, payload, signature)
	}
	return services.WebhookResult{}, errNotImplemented
}

func (s *stubReconciler) ReconcilePending(ctx context.Context, limit int) (services.ReconcileReport, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, limit)
	}
	return services.ReconcileReport{}, errNotImplemented
}

type stubShipments struct {
	createFn   func(context.Context, services.CreateShipmentCommand) (services.Order, error)
	trackFn    func(context.Context, services.RefreshTrackingCommand) (services.Order, error)
	pushFn     func(context.Context, string) (services.Order, error)
	ratesFn    func(context.Context, services.RateQuoteCommand) ([]carrier.Rate, error)
	validateFn func(context.Context, domain.Address) (carrier.AddressResolution, error)
}

func (s *stubShipments) CreateShipment(ctx context.Context, cmd services.CreateShipmentCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubShipments) UpdateTracking(ctx context.Context, cmd services.RefreshTrackingCommand) (services.Order, error) {
	if s.trackFn != nil {
		return s.trackFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubShipments) HandleTrackingPush(ctx context.Context, trackingNumber string) (services.Order, error) {
	if s.pushFn != nil {
		return s.pushFn(ctx, trackingNumber)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubShipments) CancelShipment(context.Context, services.Order) error {
	return errNotImplemented
}

func (s *stubShipments) QuoteRates(ctx context.Context, cmd services.RateQuoteCommand) ([]carrier.Rate, error) {
	if s.ratesFn != nil {
		return s.ratesFn(ctx, cmd)
	}
	return nil, errNotImplemented
}

func (s *stubShipments) ValidateAddress(ctx context.Context, addr domain.Address) (carrier.AddressResolution, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, addr)
	}
	return carrier.AddressResolution{}, errNotImplemented
}

type stubSaga struct {
	cancelFn func(context.Context, services.CancelOrderCommand) (services.Order, error)
	retryFn  func(context.Context, int) (services.CompensationReport, error)
}

func (s *stubSaga) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubSaga) RetryCompensations(ctx context.Context, limit int) (services.CompensationReport, error) {
	if s.retryFn != nil {
		return s.retryFn(ctx, limit)
	}
	return services.CompensationReport{}, errNotImplemented
}

var (
	_ services.OrderService         = (*stubOrderService)(nil)
	_ services.PaymentReconciler    = (*stubReconciler)(nil)
	_ services.ShipmentOrchestrator = (*stubShipments)(nil)
	_ services.CancellationSaga     = (*stubSaga)(nil)
)

// asUser injects an identity the way RequireAuth would.
func asUser(uid string, roles ...string) func(http.Handler) http.Handler {
	if len(roles) == 0 {
		roles = []string{auth.RoleUser}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithIdentity(r.Context(), &auth.Identity{UID: uid, Email: uid + "@example.com", Roles: roles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func serve(router http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	if got := decodeBody(t, rr)["error"]; got != code {
		t.Fatalf("expected error code %q, got %v", code, got)
	}
}
