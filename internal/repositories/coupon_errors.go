package repositories

import "fmt"

// CouponErrorCode enumerates the reasons a redemption is rejected.
type CouponErrorCode string

const (
	// CouponErrorNotFound indicates the coupon code does not exist.
	CouponErrorNotFound CouponErrorCode = "coupon_not_found"
	// CouponErrorInactive indicates the coupon is disabled or outside its validity window.
	CouponErrorInactive CouponErrorCode = "coupon_inactive"
	// CouponErrorExhausted indicates the global usage limit has been reached.
	CouponErrorExhausted CouponErrorCode = "coupon_exhausted"
	// CouponErrorPerUserLimit indicates the user has used the coupon the maximum number of times.
	CouponErrorPerUserLimit CouponErrorCode = "coupon_per_user_limit"
)

// CouponError wraps coupon ledger failures with machine readable codes.
type CouponError struct {
	Op      string
	Code    CouponErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CouponError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCouponError constructs a typed coupon error.
func NewCouponError(code CouponErrorCode, message string, err error) *CouponError {
	if message == "" {
		message = string(code)
	}
	return &CouponError{Code: code, Message: message, Err: err}
}
