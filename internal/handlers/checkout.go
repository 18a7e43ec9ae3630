package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/fulfillment/internal/platform/auth"
	"github.com/storefront/fulfillment/internal/platform/httpx"
	"github.com/storefront/fulfillment/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes payment intent creation and client confirmation.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	reconciler  services.PaymentReconciler
	idempotency func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers. idempotency may be nil in tests.
func NewCheckoutHandlers(authn *auth.Authenticator, reconciler services.PaymentReconciler, idempotency func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{authn: authn, reconciler: reconciler, idempotency: idempotency}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth())
	}
	if h.idempotency != nil {
		group = group.With(h.idempotency)
	}
	group.Post("/intents", h.createIntent)
	group.Post("/confirm", h.confirm)
}

type createIntentRequest struct {
	ShippingCost    int64           `json:"shipping_cost"`
	CouponCode      string          `json:"coupon_code"`
	ShippingAddress *addressPayload `json:"shipping_address"`
	ShippingService string          `json:"shipping_service"`
}

type checkoutIntentResponse struct {
	PaymentIntentID string         `json:"payment_intent_id"`
	ClientSecret    string         `json:"client_secret"`
	Currency        string         `json:"currency"`
	Totals          totalsPayload  `json:"totals"`
	Coupon          *couponPayload `json:"coupon,omitempty"`
	ExpiresAt       string         `json:"expires_at,omitempty"`
}

type confirmPaymentRequest struct {
	PaymentIntentID string          `json:"payment_intent_id"`
	ShippingAddress *addressPayload `json:"shipping_address"`
	BillingAddress  *addressPayload `json:"billing_address"`
	ShippingService string          `json:"shipping_service"`
	CouponCode      string          `json:"coupon_code"`
}

func (h *CheckoutHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createIntentRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req, true) {
		return
	}
	if req.ShippingCost < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping_cost must not be negative", http.StatusBadRequest))
		return
	}

	intent, err := h.reconciler.CreateIntent(ctx, services.CreateIntentCommand{
		UserID:          identity.UID,
		Email:           identity.Email,
		ShippingCost:    req.ShippingCost,
		CouponCode:      strings.TrimSpace(req.CouponCode),
		ShippingAddress: req.ShippingAddress.toDomain(),
		ShippingService: strings.TrimSpace(req.ShippingService),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutIntentResponse{
		PaymentIntentID: intent.PaymentIntentID,
		ClientSecret:    intent.ClientSecret,
		Currency:        intent.Currency,
		Totals:          buildTotalsPayload(intent.Totals),
		Coupon:          buildCouponPayload(intent.Coupon),
		ExpiresAt:       formatTime(intent.ExpiresAt),
	})
}

func (h *CheckoutHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req, false) {
		return
	}
	intentID := strings.TrimSpace(req.PaymentIntentID)
	if intentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_intent_id is required", http.StatusBadRequest))
		return
	}

	order, err := h.reconciler.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		UserID:          identity.UID,
		PaymentIntentID: intentID,
		ShippingAddress: req.ShippingAddress.toDomain(),
		BillingAddress:  req.BillingAddress.toDomain(),
		ShippingService: strings.TrimSpace(req.ShippingService),
		CouponCode:      strings.TrimSpace(req.CouponCode),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
