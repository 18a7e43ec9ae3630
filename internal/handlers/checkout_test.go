package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/storefront/fulfillment/internal/carrier"
	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/platform/idempotency"
	"github.com/storefront/fulfillment/internal/services"
)

const intentBody = `{
	"shipping_cost": 1500,
	"coupon_code": " save10 ",
	"shipping_service": "GROUND_HOME_DELIVERY",
	"shipping_address": {"recipient":"Ada Lovelace","line1":"1 Main St","city":"Austin","state":"TX","postal_code":"78701","country":"US"}
}`

func TestCheckoutCreateIntent(t *testing.T) {
	var captured services.CreateIntentCommand
	reconciler := &stubReconciler{createFn: func(_ context.Context, cmd services.CreateIntentCommand) (services.CheckoutIntent, error) {
		captured = cmd
		return services.CheckoutIntent{
			PaymentIntentID: "pi_123",
			ClientSecret:    "pi_123_secret",
			Currency:        "usd",
			Totals:          domain.OrderTotals{Subtotal: 30000, Discount: 2000, Shipping: 1500, Tax: 2310, Total: 31810},
			Coupon:          &domain.AppliedCoupon{Code: "SAVE10", DiscountType: domain.DiscountTypePercentage, Value: 10, Discount: 2000},
			ExpiresAt:       orderNow.Add(30 * time.Minute),
		}, nil
	}}
	router := NewRouter(
		WithMiddlewares(asUser("user_1")),
		WithCheckoutRoutes(NewCheckoutHandlers(nil, reconciler, nil).Routes),
	)

	rr := serve(router, http.MethodPost, "/api/v1/checkout/intents", intentBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user_1" || captured.Email != "user_1@example.com" || captured.CouponCode != "save10" || captured.ShippingCost != 1500 {
		t.Fatalf("command = %+v", captured)
	}
	if captured.ShippingAddress == nil || captured.ShippingAddress.PostalCode != "78701" {
		t.Fatalf("address = %+v", captured.ShippingAddress)
	}
	body := decodeBody(t, rr)
	totals := body["totals"].(map[string]any)
	if body["client_secret"] != "pi_123_secret" || totals["total"] != float64(31810) || body["coupon"].(map[string]any)["code"] != "SAVE10" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckoutCreateIntentErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "negative shipping", body: `{"shipping_cost":-1}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "malformed", body: `{"shipping_cost":`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "coupon exhausted", err: &services.ValidationError{Reason: "coupon_exhausted", Message: "coupon exhausted", Cause: services.ErrCouponExhausted}, status: http.StatusConflict, code: "coupon_exhausted"},
		{name: "insufficient stock", err: &services.ValidationError{Field: "lines", Reason: "insufficient_stock", Message: "only 1 left"}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "gateway down", err: &services.ExternalServiceError{Provider: "stripe", Op: "create_intent", Err: fmt.Errorf("503")}, status: http.StatusBadGateway, code: "upstream_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reconciler := &stubReconciler{createFn: func(context.Context, services.CreateIntentCommand) (services.CheckoutIntent, error) {
				return services.CheckoutIntent{}, tc.err
			}}
			router := NewRouter(
				WithMiddlewares(asUser("user_1")),
				WithCheckoutRoutes(NewCheckoutHandlers(nil, reconciler, nil).Routes),
			)
			expectError(t, serve(router, http.MethodPost, "/api/v1/checkout/intents", tc.body), tc.status, tc.code)
		})
	}
}

func TestCheckoutConfirmReplaysWithIdempotencyKey(t *testing.T) {
	calls := 0
	reconciler := &stubReconciler{confirmFn: func(_ context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
		calls++
		if cmd.PaymentIntentID != "pi_123" || cmd.UserID != "user_1" || cmd.BillingAddress != nil {
			t.Errorf("command = %+v", cmd)
		}
		return sampleOrder("ord_1", cmd.UserID, domain.OrderStatusConfirmed), nil
	}}
	router := NewRouter(
		WithMiddlewares(asUser("user_1")),
		WithCheckoutRoutes(NewCheckoutHandlers(nil, reconciler, idempotency.Middleware(idempotency.NewMemoryStore())).Routes),
	)

	body := `{"payment_intent_id":"pi_123"}`
	first := serve(router, http.MethodPost, "/api/v1/checkout/confirm", body, "Idempotency-Key", "confirm-1")
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	second := serve(router, http.MethodPost, "/api/v1/checkout/confirm", body, "Idempotency-Key", "confirm-1")
	if second.Code != http.StatusOK || second.Header().Get(idempotency.ReplayHeader) != "true" {
		t.Fatalf("expected replayed 200, got %d headers=%v", second.Code, second.Header())
	}
	if calls != 1 {
		t.Fatalf("service called %d times", calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	expectError(t, serve(router, http.MethodPost, "/api/v1/checkout/confirm", body), http.StatusBadRequest, "idempotency_key_required")
	expectError(t, serve(router, http.MethodPost, "/api/v1/checkout/confirm", `{}`, "Idempotency-Key", "confirm-2"), http.StatusBadRequest, "invalid_request")
}

func TestShippingQuoteRates(t *testing.T) {
	eta := orderNow.Add(72 * time.Hour)
	shipments := &stubShipments{ratesFn: func(_ context.Context, cmd services.RateQuoteCommand) ([]carrier.Rate, error) {
		if cmd.UserID != "user_1" || cmd.Recipient.City != "Austin" {
			t.Errorf("command = %+v", cmd)
		}
		return []carrier.Rate{
			{ServiceType: "GROUND_HOME_DELIVERY", ServiceName: "Home Delivery", Amount: 1299, Currency: "usd", TransitDays: 3, EstimatedDelivery: &eta},
			{ServiceType: "PRIORITY_OVERNIGHT", ServiceName: "Priority Overnight", Amount: 4599, Currency: "usd", TransitDays: 1},
		}, nil
	}}
	router := NewRouter(
		WithMiddlewares(asUser("user_1")),
		WithShippingRoutes(NewShippingHandlers(nil, shipments).Routes),
	)

	rr := serve(router, http.MethodPost, "/api/v1/shipping/rates", `{"address":{"city":"Austin","state":"TX","postal_code":"78701","country":"US"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rates := decodeBody(t, rr)["rates"].([]any)
	if len(rates) != 2 || rates[0].(map[string]any)["amount"] != float64(1299) || rates[0].(map[string]any)["estimated_delivery"] == nil {
		t.Fatalf("rates = %v", rates)
	}

	expectError(t, serve(router, http.MethodPost, "/api/v1/shipping/rates", `{}`), http.StatusBadRequest, "invalid_request")
}

func TestShippingRateLimitPerUser(t *testing.T) {
	now := orderNow
	shipments := &stubShipments{validateFn: func(_ context.Context, addr domain.Address) (carrier.AddressResolution, error) {
		return carrier.AddressResolution{Valid: true, Classification: "RESIDENTIAL", Suggested: &addr}, nil
	}}
	handlers := NewShippingHandlers(nil, shipments, WithShippingRateLimit(2, time.Minute, func() time.Time { return now }))
	body := `{"address":{"line1":"1 Main St","city":"Austin","country":"US"}}`

	alice := NewRouter(WithMiddlewares(asUser("alice")), WithShippingRoutes(handlers.Routes))
	bob := NewRouter(WithMiddlewares(asUser("bob")), WithShippingRoutes(handlers.Routes))

	for i := 0; i < 2; i++ {
		rr := serve(alice, http.MethodPost, "/api/v1/shipping/addresses:validate", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
		if decodeBody(t, rr)["classification"] != "RESIDENTIAL" {
			t.Fatalf("unexpected body %s", rr.Body.String())
		}
	}
	rr := serve(alice, http.MethodPost, "/api/v1/shipping/addresses:validate", body)
	expectError(t, rr, http.StatusTooManyRequests, "rate_limited")
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	if rr := serve(bob, http.MethodPost, "/api/v1/shipping/addresses:validate", body); rr.Code != http.StatusOK {
		t.Fatalf("other user should have its own budget, got %d", rr.Code)
	}

	now = now.Add(31 * time.Second)
	if rr := serve(alice, http.MethodPost, "/api/v1/shipping/addresses:validate", body); rr.Code != http.StatusOK {
		t.Fatalf("bucket should refill, got %d", rr.Code)
	}
}
