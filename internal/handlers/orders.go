package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/platform/auth"
	"github.com/storefront/fulfillment/internal/platform/httpx"
	"github.com/storefront/fulfillment/internal/platform/pagination"
	"github.com/storefront/fulfillment/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderCancelBodySize = 4 * 1024
)

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the caller's own orders.
type OrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	saga      services.CancellationSaga
	shipments services.ShipmentOrchestrator
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, saga services.CancellationSaga, shipments services.ShipmentOrchestrator) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders, saga: saga, shipments: shipments}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}/tracking:refresh", h.refreshTracking)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
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
	filter.UserID = identity.UID

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page.Items, page.NextPageToken))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	cancelOrder(w, r, h.saga)
}

func (h *OrderHandlers) refreshTracking(w http.ResponseWriter, r *http.Request) {
	refreshTracking(w, r, h.shipments)
}

func cancelOrder(w http.ResponseWriter, r *http.Request, saga services.CancellationSaga) {
	ctx := r.Context()
	if saga == nil {
		serviceUnavailable(ctx, w, "cancellation")
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
	var req cancelOrderRequest
	if !decodeJSONBody(w, r, maxOrderCancelBodySize, &req, true) {
		return
	}

	order, err := saga.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Actor:   actorFor(identity),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if order.Cancellation.Pending() {
		status = http.StatusAccepted
	}
	writeJSONResponse(w, status, orderResponse{Order: buildOrderPayload(order)})
}

func refreshTracking(w http.ResponseWriter, r *http.Request, shipments services.ShipmentOrchestrator) {
	ctx := r.Context()
	if shipments == nil {
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

	order, err := shipments.UpdateTracking(ctx, services.RefreshTrackingCommand{OrderID: orderID, Actor: actorFor(identity)})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

// parseOrderListFilter reads status, created_after, created_before, pageSize and pageToken.
func parseOrderListFilter(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	ctx := r.Context()
	var filter services.OrderListFilter

	for _, status := range parseFilterValues(r.URL.Query()["status"]) {
		filter.Statuses = append(filter.Statuses, domain.OrderStatus(status))
	}

	var ok bool
	if filter.From, ok = optionalTimeParam(w, r, "created_after"); !ok {
		return filter, false
	}
	if filter.To, ok = optionalTimeParam(w, r, "created_before"); !ok {
		return filter, false
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be before created_before", http.StatusBadRequest))
		return filter, false
	}

	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		message := "pageSize must be a positive integer"
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			message = "pageToken is invalid"
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
		return filter, false
	}
	filter.Pagination = domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}
	return filter, true
}
