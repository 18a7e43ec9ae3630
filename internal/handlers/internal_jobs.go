package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront/fulfillment/internal/platform/auth"
	"github.com/storefront/fulfillment/internal/platform/httpx"
	"github.com/storefront/fulfillment/internal/platform/observability"
	"github.com/storefront/fulfillment/internal/services"
)

const (
	defaultSweepLimit = 100
	maxSweepLimit     = 500
)

// InternalHandlers exposes scheduler-triggered sweeps. The group is expected to sit behind
// OIDC service authentication.
type InternalHandlers struct {
	reconciler services.PaymentReconciler
	saga       services.CancellationSaga
	clock      func() time.Time
}

// NewInternalHandlers constructs the sweep endpoints.
func NewInternalHandlers(reconciler services.PaymentReconciler, saga services.CancellationSaga) *InternalHandlers {
	return &InternalHandlers{
		reconciler: reconciler,
		saga:       saga,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reconcile/payments", h.reconcilePayments)
	r.Post("/reconcile/cancellations", h.retryCancellations)
}

type reconcilePaymentsResponse struct {
	Scanned      int    `json:"scanned"`
	Materialized int    `json:"materialized"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Expired      int    `json:"expired"`
	Errors       int    `json:"errors"`
	DurationMS   int64  `json:"duration_ms"`
	CompletedAt  string `json:"completed_at"`
}

type compensationResponse struct {
	Scanned     int    `json:"scanned"`
	Completed   int    `json:"completed"`
	Pending     int    `json:"pending"`
	Errors      int    `json:"errors"`
	DurationMS  int64  `json:"duration_ms"`
	CompletedAt string `json:"completed_at"`
}

func (h *InternalHandlers) reconcilePayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}
	limit, ok := sweepLimit(w, r)
	if !ok {
		return
	}

	started := h.clock()
	report, err := h.reconciler.ReconcilePending(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	finished := h.clock()
	observability.FromContext(ctx).Info("internal: payment reconciliation finished",
		zap.String("caller", callerName(r)),
		zap.Int("scanned", report.Scanned),
		zap.Int("materialized", report.Materialized),
		zap.Int("errors", report.Errors),
	)
	writeJSONResponse(w, http.StatusOK, reconcilePaymentsResponse{
		Scanned:      report.Scanned,
		Materialized: report.Materialized,
		Succeeded:    report.Succeeded,
		Failed:       report.Failed,
		Expired:      report.Expired,
		Errors:       report.Errors,
		DurationMS:   finished.Sub(started).Milliseconds(),
		CompletedAt:  formatTime(finished),
	})
}

func (h *InternalHandlers) retryCancellations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.saga == nil {
		serviceUnavailable(ctx, w, "cancellation")
		return
	}
	limit, ok := sweepLimit(w, r)
	if !ok {
		return
	}

	started := h.clock()
	report, err := h.saga.RetryCompensations(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	finished := h.clock()
	observability.FromContext(ctx).Info("internal: compensation retry finished",
		zap.String("caller", callerName(r)),
		zap.Int("scanned", report.Scanned),
		zap.Int("completed", report.Completed),
		zap.Int("pending", report.Pending),
	)
	writeJSONResponse(w, http.StatusOK, compensationResponse{
		Scanned:     report.Scanned,
		Completed:   report.Completed,
		Pending:     report.Pending,
		Errors:      report.Errors,
		DurationMS:  finished.Sub(started).Milliseconds(),
		CompletedAt: formatTime(finished),
	})
}

func sweepLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultSweepLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
		return 0, false
	}
	if limit > maxSweepLimit {
		limit = maxSweepLimit
	}
	return limit, true
}

func callerName(r *http.Request) string {
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok && svc != nil {
		return svc.Email
	}
	return "unknown"
}
