package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/fulfillment/internal/platform/auth"
	"github.com/storefront/fulfillment/internal/platform/httpx"
	"github.com/storefront/fulfillment/internal/services"
)

const (
	maxShippingRequestBody = 4 * 1024
	defaultQuoteBurst      = 20
	defaultQuoteWindow     = time.Minute
)

// ShippingHandlers exposes carrier rate quotes and address validation to shoppers.
type ShippingHandlers struct {
	authn     *auth.Authenticator
	shipments services.ShipmentOrchestrator
	limiter   rateLimiter
}

// ShippingOption customises ShippingHandlers.
type ShippingOption func(*ShippingHandlers)

// WithShippingRateLimit bounds carrier calls per user. A zero burst disables limiting.
func WithShippingRateLimit(burst int, window time.Duration, clock func() time.Time) ShippingOption {
	return func(h *ShippingHandlers) {
		h.limiter = newKeyedRateLimiter(burst, window, clock)
	}
}

// NewShippingHandlers constructs shipping handlers with a default per-user carrier budget.
func NewShippingHandlers(authn *auth.Authenticator, shipments services.ShipmentOrchestrator, opts ...ShippingOption) *ShippingHandlers {
	h := &ShippingHandlers{
		authn:     authn,
		shipments: shipments,
		limiter:   newKeyedRateLimiter(defaultQuoteBurst, defaultQuoteWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /shipping endpoints.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/rates", h.quoteRates)
	r.Post("/addresses:validate", h.validateAddress)
}

type addressRequest struct {
	Address *addressPayload `json:"address"`
}

type ratesResponse struct {
	Rates []ratePayload `json:"rates"`
}

type addressValidationResponse struct {
	Valid          bool            `json:"valid"`
	Classification string          `json:"classification,omitempty"`
	Suggested      *addressPayload `json:"suggested,omitempty"`
	Messages       []string        `json:"messages,omitempty"`
}

func (h *ShippingHandlers) readAddress(w http.ResponseWriter, r *http.Request) (*addressPayload, bool) {
	var req addressRequest
	if !decodeJSONBody(w, r, maxShippingRequestBody, &req, false) {
		return nil, false
	}
	if req.Address == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "address is required", http.StatusBadRequest))
		return nil, false
	}
	return req.Address, true
}

func (h *ShippingHandlers) allow(w http.ResponseWriter, r *http.Request, uid string) bool {
	if h.limiter == nil || h.limiter.Allow(uid) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many shipping requests; retry later", http.StatusTooManyRequests))
	return false
}

func (h *ShippingHandlers) quoteRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		serviceUnavailable(ctx, w, "shipping")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	address, ok := h.readAddress(w, r)
	if !ok || !h.allow(w, r, identity.UID) {
		return
	}

	rates, err := h.shipments.QuoteRates(ctx, services.RateQuoteCommand{UserID: identity.UID, Recipient: *address.toDomain()})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := ratesResponse{Rates: make([]ratePayload, 0, len(rates))}
	for _, rate := range rates {
		resp.Rates = append(resp.Rates, ratePayload{
			ServiceType:       rate.ServiceType,
			ServiceName:       rate.ServiceName,
			Amount:            rate.Amount,
			Currency:          rate.Currency,
			TransitDays:       rate.TransitDays,
			EstimatedDelivery: formatTimePtr(rate.EstimatedDelivery),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *ShippingHandlers) validateAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		serviceUnavailable(ctx, w, "shipping")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	address, ok := h.readAddress(w, r)
	if !ok || !h.allow(w, r, identity.UID) {
		return
	}

	resolution, err := h.shipments.ValidateAddress(ctx, *address.toDomain())
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, addressValidationResponse{
		Valid:          resolution.Valid,
		Classification: resolution.Classification,
		Suggested:      buildAddressPayload(resolution.Suggested),
		Messages:       resolution.Messages,
	})
}
