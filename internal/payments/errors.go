package payments

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v78"
)

// GatewayError describes a failed gateway call with a message safe to show callers.
type GatewayError struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payments: %s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("payments: %s: %s", e.Op, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// CallerFault reports whether the gateway rejected the request as invalid input, e.g. a
// declined card, rather than failing itself.
func (e *GatewayError) CallerFault() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// NotFound reports whether the referenced gateway object does not exist.
func (e *GatewayError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.Code == string(stripe.ErrorCodeResourceMissing)
}

func wrapStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	out := &GatewayError{Op: op, Message: "payment provider request failed", Err: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		out.Code = string(stripeErr.Code)
		out.StatusCode = stripeErr.HTTPStatusCode
		if stripeErr.Type == stripe.ErrorTypeCard && stripeErr.Msg != "" {
			out.Message = stripeErr.Msg
		}
	}
	return out
}
