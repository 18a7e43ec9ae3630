package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront/fulfillment/internal/domain"
	pfirestore "github.com/storefront/fulfillment/internal/platform/firestore"
	"github.com/storefront/fulfillment/internal/repositories"
)

const couponsCollection = "coupons"

// CouponRepository stores coupons keyed by their normalised code.
type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.BaseRepository[domain.Coupon]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		provider: provider,
		coupons:  pfirestore.NewBaseRepository[domain.Coupon](provider, couponsCollection),
	}, nil
}

func (r *CouponRepository) Get(ctx context.Context, code string) (domain.Coupon, error) {
	doc, err := r.coupons.Get(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	return doc.Data, nil
}

func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) error {
	if strings.TrimSpace(coupon.Code) == "" {
		return errors.New("coupon repository: code is required")
	}
	return r.coupons.Set(ctx, coupon.Code, coupon)
}

// Redeem re-evaluates the usage limits against the transactionally read document, so
// concurrent redemptions of a coupon with k remaining uses succeed at most k times.
func (r *CouponRepository) Redeem(ctx context.Context, redemption repositories.CouponRedemption) (domain.Coupon, error) {
	at := redemption.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var result domain.Coupon
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.coupons.DocumentRef(ctx, redemption.Code)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", redemption.Code), err)
			}
			return err
		}
		doc, err := pfirestore.Decode[domain.Coupon](snap)
		if err != nil {
			return err
		}
		coupon, err := repositories.ApplyRedemption(doc.Data, redemption, at)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, coupon); err != nil {
			return err
		}
		result = coupon
		return nil
	})
	if err != nil {
		return domain.Coupon{}, wrapCouponError("coupons.redeem", err)
	}
	return result, nil
}

func wrapCouponError(op string, err error) error {
	if err == nil {
		return nil
	}
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		if couponErr.Op == "" {
			couponErr.Op = op
		}
		return couponErr
	}
	return pfirestore.WrapError(op, err)
}
