package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories"
)

// Coupon rejection reasons surfaced in validation errors.
const (
	CouponReasonRequired      = "coupon_required"
	CouponReasonNotFound      = "coupon_not_found"
	CouponReasonInactive      = "coupon_inactive"
	CouponReasonNotStarted    = "coupon_not_started"
	CouponReasonExpired       = "coupon_expired"
	CouponReasonMinPurchase   = "coupon_min_purchase"
	CouponReasonExhausted     = "coupon_exhausted"
	CouponReasonPerUserLimit  = "coupon_per_user_limit"
	CouponReasonNotApplicable = "coupon_not_applicable"
	CouponReasonExcluded      = "coupon_excluded_product"
)

var upperCaser = cases.Upper(language.Und)

// NormalizeCouponCode folds compatibility characters and case so "ｓａｖｅ10 " and "SAVE10"
// address the same coupon.
func NormalizeCouponCode(code string) string {
	folded := norm.NFKC.String(strings.TrimSpace(code))
	return upperCaser.String(folded)
}

// ComputeDiscount returns the discount for subtotal in minor units. Percentages round half
// up to the cent and honour MaxDiscount; the result never exceeds subtotal.
func ComputeDiscount(coupon domain.Coupon, subtotal int64) int64 {
	if subtotal <= 0 || coupon.Value <= 0 {
		return 0
	}
	var discount int64
	switch coupon.DiscountType {
	case domain.DiscountTypePercentage:
		discount = decimal.NewFromInt(subtotal).
			Mul(decimal.NewFromInt(coupon.Value)).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
		if coupon.MaxDiscount != nil && *coupon.MaxDiscount >= 0 && discount > *coupon.MaxDiscount {
			discount = *coupon.MaxDiscount
		}
	default:
		discount = coupon.Value
	}
	return min(discount, subtotal)
}

// CouponLedgerDeps bundles collaborators for the coupon ledger.
type CouponLedgerDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponLedger struct {
	coupons repositories.CouponRepository
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewCouponLedger constructs the coupon ledger.
func NewCouponLedger(deps CouponLedgerDeps) (CouponLedger, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon ledger: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponLedger{coupons: deps.Coupons, clock: clock, logger: logger}, nil
}

func (l *couponLedger) Validate(ctx context.Context, cmd CouponValidateCommand) (CouponQuote, error) {
	code := NormalizeCouponCode(cmd.Code)
	if code == "" {
		return CouponQuote{}, validationError("couponCode", CouponReasonRequired, "coupon code is required")
	}
	coupon, err := l.coupons.Get(ctx, code)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CouponQuote{}, validationError("couponCode", CouponReasonNotFound, "coupon %s does not exist", code)
		}
		return CouponQuote{}, fmt.Errorf("coupon ledger: load %s: %w", code, err)
	}

	now := l.clock()
	switch {
	case !coupon.Active:
		return CouponQuote{}, validationError("couponCode", CouponReasonInactive, "coupon %s is not active", code)
	case coupon.StartsAt != nil && now.Before(*coupon.StartsAt):
		return CouponQuote{}, validationError("couponCode", CouponReasonNotStarted, "coupon %s is not yet valid", code)
	case coupon.ExpiresAt != nil && now.After(*coupon.ExpiresAt):
		return CouponQuote{}, validationError("couponCode", CouponReasonExpired, "coupon %s has expired", code)
	case coupon.MinPurchase > 0 && cmd.Subtotal < coupon.MinPurchase:
		return CouponQuote{}, validationError("couponCode", CouponReasonMinPurchase,
			"coupon %s requires a minimum purchase of %d", code, coupon.MinPurchase)
	case coupon.UsageLimit > 0 && coupon.UsedCount >= coupon.UsageLimit:
		return CouponQuote{}, &ValidationError{Field: "couponCode", Reason: CouponReasonExhausted,
			Message: fmt.Sprintf("coupon %s has no remaining uses", code), Cause: ErrCouponExhausted}
	case coupon.UsagePerUser > 0 && coupon.UsageByUser(cmd.UserID) >= coupon.UsagePerUser:
		return CouponQuote{}, validationError("couponCode", CouponReasonPerUserLimit, "coupon %s was already used", code)
	}

	if reason, ok := applicable(coupon, cmd.Lines); !ok {
		return CouponQuote{}, validationError("couponCode", reason, "coupon %s does not apply to this cart", code)
	}

	return CouponQuote{Code: code, Coupon: coupon, Discount: ComputeDiscount(coupon, cmd.Subtotal)}, nil
}

// applicable checks the allow-lists (one matching line suffices) and the exclusion list
// (any excluded line rejects the coupon).
func applicable(coupon domain.Coupon, lines []domain.OrderLine) (string, bool) {
	for _, line := range lines {
		if containsFold(coupon.ExcludedProducts, line.ProductID) {
			return CouponReasonExcluded, false
		}
	}
	if len(coupon.ApplicableCategories) > 0 && !slices.ContainsFunc(lines, func(line domain.OrderLine) bool {
		return containsFold(coupon.ApplicableCategories, line.Category)
	}) {
		return CouponReasonNotApplicable, false
	}
	if len(coupon.ApplicableProducts) > 0 && !slices.ContainsFunc(lines, func(line domain.OrderLine) bool {
		return containsFold(coupon.ApplicableProducts, line.ProductID)
	}) {
		return CouponReasonNotApplicable, false
	}
	return "", true
}

func containsFold(list []string, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	return slices.ContainsFunc(list, func(candidate string) bool {
		return strings.EqualFold(strings.TrimSpace(candidate), value)
	})
}

func (l *couponLedger) RecordUsage(ctx context.Context, code, userID, orderNumber string) error {
	code = NormalizeCouponCode(code)
	if code == "" || strings.TrimSpace(orderNumber) == "" {
		return validationError("couponCode", CouponReasonRequired, "coupon code and order number are required")
	}
	coupon, err := l.coupons.Redeem(ctx, repositories.CouponRedemption{
		Code:        code,
		UserID:      userID,
		OrderNumber: orderNumber,
		At:          l.clock(),
	})
	if err != nil {
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) {
			switch couponErr.Code {
			case repositories.CouponErrorExhausted:
				return &ValidationError{Field: "couponCode", Reason: CouponReasonExhausted, Message: couponErr.Message, Cause: ErrCouponExhausted}
			case repositories.CouponErrorPerUserLimit:
				return &ValidationError{Field: "couponCode", Reason: CouponReasonPerUserLimit, Message: couponErr.Message, Cause: ErrCouponExhausted}
			case repositories.CouponErrorNotFound:
				return validationError("couponCode", CouponReasonNotFound, "%s", couponErr.Message)
			case repositories.CouponErrorInactive:
				return validationError("couponCode", CouponReasonInactive, "%s", couponErr.Message)
			}
		}
		return fmt.Errorf("coupon ledger: redeem %s: %w", code, err)
	}
	l.logger(ctx, "coupon.redeemed", map[string]any{
		"code":        code,
		"orderNumber": orderNumber,
		"usedCount":   coupon.UsedCount,
		"usageLimit":  coupon.UsageLimit,
	})
	return nil
}
