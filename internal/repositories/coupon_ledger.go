package repositories

import (
	"fmt"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
)

// ApplyRedemption checks the coupon's activity window and usage limits at the given time
// and returns the coupon with the redemption recorded. Storage backends call it inside
// their atomic section.
func ApplyRedemption(coupon domain.Coupon, redemption CouponRedemption, at time.Time) (domain.Coupon, error) {
	if !coupon.Active {
		return coupon, NewCouponError(CouponErrorInactive, fmt.Sprintf("coupon %s is inactive", coupon.Code), nil)
	}
	if coupon.StartsAt != nil && at.Before(*coupon.StartsAt) {
		return coupon, NewCouponError(CouponErrorInactive, fmt.Sprintf("coupon %s is not yet valid", coupon.Code), nil)
	}
	if coupon.ExpiresAt != nil && at.After(*coupon.ExpiresAt) {
		return coupon, NewCouponError(CouponErrorInactive, fmt.Sprintf("coupon %s has expired", coupon.Code), nil)
	}
	if coupon.UsageLimit > 0 && coupon.UsedCount >= coupon.UsageLimit {
		return coupon, NewCouponError(CouponErrorExhausted, fmt.Sprintf("coupon %s usage limit reached", coupon.Code), nil)
	}
	if coupon.UsagePerUser > 0 && coupon.UsageByUser(redemption.UserID) >= coupon.UsagePerUser {
		return coupon, NewCouponError(CouponErrorPerUserLimit, fmt.Sprintf("coupon %s already used by this user", coupon.Code), nil)
	}

	coupon.UsedCount++
	coupon.UsedBy = append(append([]domain.CouponUsage(nil), coupon.UsedBy...), domain.CouponUsage{
		UserID:      redemption.UserID,
		OrderNumber: redemption.OrderNumber,
		At:          at,
	})
	coupon.UpdatedAt = at
	return coupon, nil
}
