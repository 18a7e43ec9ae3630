package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/platform/auth"
	"github.com/storefront/fulfillment/internal/platform/httpx"
	"github.com/storefront/fulfillment/internal/services"
)

const maxAdminOrderBodySize = 8 * 1024

// AdminOrderHandlers exposes order operations for staff and administrators.
type AdminOrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	shipments services.ShipmentOrchestrator
	saga      services.CancellationSaga
}

// NewAdminOrderHandlers constructs staff order handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, shipments services.ShipmentOrchestrator, saga services.CancellationSaga) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders, shipments: shipments, saga: saga}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders:stats", h.statistics)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Put("/orders/{orderID}/status", h.updateStatus)
	r.Post("/orders/{orderID}/shipments", h.createShipment)
	r.Post("/orders/{orderID}/tracking:refresh", h.refreshTracking)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type createShipmentRequest struct {
	ServiceType string `json:"service_type"`
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}
	filter.Actor = actorFor(identity)
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page.Items, page.NextPageToken))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, Actor: actorFor(identity)})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decodeJSONBody(w, r, maxAdminOrderBodySize, &req, false) {
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.OrderStatusCommand{
		OrderID: orderID,
		Status:  domain.OrderStatus(status),
		Actor:   actorFor(identity),
		Note:    req.Note,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) createShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		serviceUnavailable(ctx, w, "shipment")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req createShipmentRequest
	if !decodeJSONBody(w, r, maxAdminOrderBodySize, &req, true) {
		return
	}

	order, err := h.shipments.CreateShipment(ctx, services.CreateShipmentCommand{
		OrderID:     orderID,
		ServiceType: strings.TrimSpace(req.ServiceType),
		Actor:       actorFor(identity),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) refreshTracking(w http.ResponseWriter, r *http.Request) {
	refreshTracking(w, r, h.shipments)
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	cancelOrder(w, r, h.saga)
}

func (h *AdminOrderHandlers) statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	from, ok := optionalTimeParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := optionalTimeParam(w, r, "to")
	if !ok {
		return
	}

	stats, err := h.orders.Statistics(ctx, services.StatisticsQuery{From: from, To: to})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStatisticsPayload(stats))
}
