package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/storefront/fulfillment/internal/platform/requestctx"
)

const (
	maxCodeLength    = 80
	maxMessageLength = 512
	maxIDLength      = 80
)

// Error is an API failure. Field and Reason point at the offending input for validation
// failures.
type Error struct {
	Code    string
	Message string
	Status  int
	Field   string
	Reason  string
}

// envelope is the JSON body written for every error response.
type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Field     string `json:"field,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NewError builds an Error; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: clean(code, maxCodeLength), Message: clean(message, maxMessageLength), Status: status}
}

// WithField names the rejected input and the machine readable reason.
func (e Error) WithField(field, reason string) Error {
	e.Field = clean(field, maxCodeLength)
	e.Reason = clean(reason, maxCodeLength)
	return e
}

// Retryable reports whether a client or webhook sender should try the request again.
func (e Error) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// WriteError writes e with the request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	WriteJSON(w, e.Status, envelope{
		Error:     e.Code,
		Message:   e.Message,
		Status:    e.Status,
		Field:     e.Field,
		Reason:    e.Reason,
		Retryable: e.Retryable(),
		RequestID: clean(middleware.GetReqID(ctx), maxIDLength),
		TraceID:   clean(requestctx.TraceID(ctx), maxIDLength),
	})
}

// WriteJSON encodes payload as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// clean drops control characters and cuts value to at most limit bytes on a rune boundary.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return strings.TrimSpace(value[:cut])
}
