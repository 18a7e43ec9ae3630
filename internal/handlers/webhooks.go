package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront/fulfillment/internal/platform/httpx"
	"github.com/storefront/fulfillment/internal/platform/observability"
	"github.com/storefront/fulfillment/internal/services"
)

const (
	maxStripeWebhookBody  = 256 * 1024
	maxCarrierWebhookBody = 16 * 1024
	stripeSignatureHeader = "Stripe-Signature"
	maxTrackingPushBatch  = 50
)

// WebhookHandlers accepts payment gateway events and carrier tracking pushes.
type WebhookHandlers struct {
	reconciler  services.PaymentReconciler
	shipments   services.ShipmentOrchestrator
	carrierAuth func(http.Handler) http.Handler
}

// NewWebhookHandlers constructs webhook handlers. carrierAuth guards the carrier push route,
// typically auth.HMACValidator.RequireHMAC; the Stripe route verifies its own signature.
func NewWebhookHandlers(reconciler services.PaymentReconciler, shipments services.ShipmentOrchestrator, carrierAuth func(http.Handler) http.Handler) *WebhookHandlers {
	return &WebhookHandlers{reconciler: reconciler, shipments: shipments, carrierAuth: carrierAuth}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripeEvent)
	carrier := r
	if h.carrierAuth != nil {
		carrier = r.With(h.carrierAuth)
	}
	carrier.Post("/carrier/tracking", h.trackingPush)
}

type webhookAck struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

func (h *WebhookHandlers) stripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}
	payload, err := readLimitedBody(r, maxStripeWebhookBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	result, err := h.reconciler.ApplyWebhookEvent(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, services.ErrSignature) {
			writeServiceError(ctx, w, err)
			return
		}
		if !businessOutcome(err) {
			writeServiceError(ctx, w, err)
			return
		}
		observability.FromContext(ctx).Warn("webhooks: payment event not applied",
			zap.String("eventId", result.EventID),
			zap.String("eventType", result.EventType),
			zap.Error(err),
		)
	}

	writeJSONResponse(w, http.StatusOK, webhookAck{
		Received:  true,
		EventID:   result.EventID,
		Duplicate: result.Duplicate,
		Ignored:   result.Ignored,
	})
}

type trackingPushRequest struct {
	TrackingNumber  string   `json:"tracking_number"`
	TrackingNumbers []string `json:"tracking_numbers"`
}

type trackingPushResult struct {
	TrackingNumber string `json:"tracking_number"`
	Matched        bool   `json:"matched"`
	OrderID        string `json:"order_id,omitempty"`
	Status         string `json:"status,omitempty"`
	ShippingStatus string `json:"shipping_status,omitempty"`
	Error          string `json:"error,omitempty"`
}

type trackingPushResponse struct {
	Received bool                 `json:"received"`
	Results  []trackingPushResult `json:"results"`
}

func (h *WebhookHandlers) trackingPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		serviceUnavailable(ctx, w, "shipment")
		return
	}
	var req trackingPushRequest
	if !decodeJSONBody(w, r, maxCarrierWebhookBody, &req, false) {
		return
	}
	numbers := parseTrackingNumbers(req)
	if len(numbers) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tracking_number is required", http.StatusBadRequest))
		return
	}
	if len(numbers) > maxTrackingPushBatch {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many tracking numbers in one push", http.StatusBadRequest))
		return
	}

	resp := trackingPushResponse{Received: true, Results: make([]trackingPushResult, 0, len(numbers))}
	for _, number := range numbers {
		result := trackingPushResult{TrackingNumber: number}
		order, err := h.shipments.HandleTrackingPush(ctx, number)
		switch {
		case err == nil:
			result.Matched = true
			result.OrderID = order.ID
			result.Status = string(order.Status)
			result.ShippingStatus = string(order.ShippingStatus)
		case businessOutcome(err) || errors.Is(err, services.ErrExternalService):
			result.Matched = !errors.Is(err, services.ErrNotFound)
			result.Error = services.SafeMessageFor(err, errorCode(err))
		default:
			writeServiceError(ctx, w, err)
			return
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func parseTrackingNumbers(req trackingPushRequest) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range append([]string{req.TrackingNumber}, req.TrackingNumbers...) {
		number := strings.TrimSpace(raw)
		if number == "" {
			continue
		}
		if _, ok := seen[number]; ok {
			continue
		}
		seen[number] = struct{}{}
		out = append(out, number)
	}
	return out
}

// businessOutcome reports errors that redelivery cannot fix.
func businessOutcome(err error) bool {
	for _, target := range []error{
		services.ErrValidation,
		services.ErrNotFound,
		services.ErrInvalidState,
		services.ErrConflict,
		services.ErrForbidden,
		services.ErrConsistency,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return "not_found"
	case errors.Is(err, services.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, services.ErrExternalService):
		return "upstream_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "rejected"
	}
}
