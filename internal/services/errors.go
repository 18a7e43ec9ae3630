package services

import (
	"errors"
	"fmt"

	"github.com/storefront/fulfillment/internal/repositories"
)

var (
	// ErrValidation marks caller-fixable failures such as bad input, insufficient stock or an
	// unusable coupon.
	ErrValidation = errors.New("validation failed")
	// ErrCouponExhausted is a validation failure raised when a coupon ran out of redemptions
	// between validation and debit.
	ErrCouponExhausted = fmt.Errorf("%w: coupon usage limit reached", ErrValidation)
	// ErrExternalService marks a payment gateway or carrier rejection or timeout.
	ErrExternalService = errors.New("external service failure")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates an ownership or role mismatch.
	ErrForbidden = errors.New("forbidden")
	// ErrConsistency indicates an internal invariant was violated.
	ErrConsistency = errors.New("consistency violation")
	// ErrInvalidState indicates an illegal order status transition.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrConflict indicates a duplicate or already-applied mutation.
	ErrConflict = errors.New("conflict")
	// ErrSignature indicates a webhook payload failed signature verification.
	ErrSignature = errors.New("invalid webhook signature")
)

// ValidationError is a caller-fixable failure with a machine readable reason.
type ValidationError struct {
	Field   string
	Reason  string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.Cause != nil {
		return e.Cause
	}
	return ErrValidation
}

func validationError(field, reason, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ExternalServiceError carries a message that is safe to show to API callers alongside the
// provider's raw error.
type ExternalServiceError struct {
	Provider    string
	Op          string
	SafeMessage string
	Err         error
}

func (e *ExternalServiceError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalServiceError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err == nil {
		return []error{ErrExternalService}
	}
	return []error{ErrExternalService, e.Err}
}

// SafeMessageFor returns the provider-safe message for err, or fallback when none is set.
func SafeMessageFor(err error, fallback string) string {
	var ext *ExternalServiceError
	if errors.As(err, &ext) && ext.SafeMessage != "" {
		return ext.SafeMessage
	}
	return fallback
}

func externalError(provider, op, safe string, err error) error {
	return &ExternalServiceError{Provider: provider, Op: op, SafeMessage: safe, Err: err}
}

// translateRepoError maps repository failures onto the service taxonomy.
func translateRepoError(err error, what string) error {
	if err == nil {
		return nil
	}
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %s: %v", ErrConflict, what, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%s unavailable: %w", what, err)
	default:
		return err
	}
}
