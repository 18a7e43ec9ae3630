package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories/memory"
)

func TestComputeDiscount(t *testing.T) {
	tests := []struct {
		name     string
		coupon   domain.Coupon
		subtotal int64
		want     int64
	}{
		{"fixed", domain.Coupon{DiscountType: domain.DiscountTypeFixed, Value: 500}, 3000, 500},
		{"fixed clamped to subtotal", domain.Coupon{DiscountType: domain.DiscountTypeFixed, Value: 5000}, 3000, 3000},
		{"percentage", domain.Coupon{DiscountType: domain.DiscountTypePercentage, Value: 10}, 12000, 1200},
		{"percentage capped", domain.Coupon{DiscountType: domain.DiscountTypePercentage, Value: 10, MaxDiscount: int64Ptr(2000)}, 30000, 2000},
		{"percentage rounds half up", domain.Coupon{DiscountType: domain.DiscountTypePercentage, Value: 10}, 1005, 101},
		{"full percentage clamped", domain.Coupon{DiscountType: domain.DiscountTypePercentage, Value: 150}, 800, 800},
		{"empty subtotal", domain.Coupon{DiscountType: domain.DiscountTypeFixed, Value: 500}, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeDiscount(tc.coupon, tc.subtotal); got != tc.want {
				t.Fatalf("ComputeDiscount = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNormalizeCouponCode(t *testing.T) {
	cases := map[string]string{
		" save10 ":  "SAVE10",
		"ｓａｖｅ１０":    "SAVE10",
		"Spring-24": "SPRING-24",
		"":          "",
	}
	for in, want := range cases {
		if got := NormalizeCouponCode(in); got != want {
			t.Errorf("NormalizeCouponCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCouponLedgerValidate(t *testing.T) {
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)
	lines := []domain.OrderLine{
		{ProductID: "prod_lamp", Category: "lighting", UnitPrice: 20000, Quantity: 1},
		{ProductID: "prod_mug", Category: "kitchen", UnitPrice: 5000, Quantity: 2},
	}

	tests := []struct {
		name       string
		coupon     domain.Coupon
		userID     string
		wantReason string
		exhausted  bool
	}{
		{name: "inactive", coupon: domain.Coupon{Active: false}, wantReason: CouponReasonInactive},
		{name: "not started", coupon: domain.Coupon{Active: true, StartsAt: &future}, wantReason: CouponReasonNotStarted},
		{name: "expired", coupon: domain.Coupon{Active: true, ExpiresAt: &past}, wantReason: CouponReasonExpired},
		{name: "minimum purchase", coupon: domain.Coupon{Active: true, MinPurchase: 50000}, wantReason: CouponReasonMinPurchase},
		{name: "global limit", coupon: domain.Coupon{Active: true, UsageLimit: 3, UsedCount: 3}, wantReason: CouponReasonExhausted, exhausted: true},
		{
			name:       "per user limit",
			coupon:     domain.Coupon{Active: true, UsagePerUser: 1, UsedBy: []domain.CouponUsage{{UserID: "user_1", OrderNumber: "SO-1"}}},
			userID:     "user_1",
			wantReason: CouponReasonPerUserLimit,
		},
		{name: "one excluded line rejects", coupon: domain.Coupon{Active: true, ExcludedProducts: []string{"prod_mug"}}, wantReason: CouponReasonExcluded},
		{name: "category allow-list", coupon: domain.Coupon{Active: true, ApplicableCategories: []string{"garden"}}, wantReason: CouponReasonNotApplicable},
		{name: "product allow-list", coupon: domain.Coupon{Active: true, ApplicableProducts: []string{"prod_chair"}}, wantReason: CouponReasonNotApplicable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			coupon := tc.coupon
			coupon.Code = "TEST"
			coupon.DiscountType = domain.DiscountTypeFixed
			coupon.Value = 1000
			ledger, err := NewCouponLedger(CouponLedgerDeps{Coupons: memory.NewCouponStore(coupon), Clock: fixedClock})
			if err != nil {
				t.Fatalf("NewCouponLedger: %v", err)
			}
			userID := tc.userID
			if userID == "" {
				userID = "user_2"
			}
			_, err = ledger.Validate(context.Background(), CouponValidateCommand{Code: "test", UserID: userID, Subtotal: 30000, Lines: lines})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) || vErr.Reason != tc.wantReason {
				t.Fatalf("expected reason %s, got %v", tc.wantReason, err)
			}
			if got := errors.Is(err, ErrCouponExhausted); got != tc.exhausted {
				t.Fatalf("errors.Is(ErrCouponExhausted) = %v, want %v", got, tc.exhausted)
			}
		})
	}
}

func TestCouponLedgerValidateAppliesWhenAllowListMatches(t *testing.T) {
	coupon := tenPercentCapped()
	coupon.ApplicableCategories = []string{"Lighting"}
	ledger, err := NewCouponLedger(CouponLedgerDeps{Coupons: memory.NewCouponStore(coupon), Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewCouponLedger: %v", err)
	}
	quote, err := ledger.Validate(context.Background(), CouponValidateCommand{
		Code:     "save10",
		UserID:   "user_1",
		Subtotal: 30000,
		Lines: []domain.OrderLine{
			{ProductID: "prod_lamp", Category: "lighting", UnitPrice: 20000, Quantity: 1},
			{ProductID: "prod_mug", Category: "kitchen", UnitPrice: 5000, Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if quote.Code != "SAVE10" || quote.Discount != 2000 {
		t.Fatalf("unexpected quote %+v", quote)
	}
}

func TestCouponLedgerConcurrentRedemptionsRespectLimit(t *testing.T) {
	const (
		attempts = 25
		limit    = 7
	)
	coupon := tenPercentCapped()
	coupon.UsageLimit = limit
	store := memory.NewCouponStore(coupon)
	ledger, err := NewCouponLedger(CouponLedgerDeps{Coupons: store, Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewCouponLedger: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := ledger.RecordUsage(context.Background(), "save10", "user_"+string(rune('a'+i)), "SO-20240514-"+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrCouponExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != limit || exhausted != attempts-limit {
		t.Fatalf("succeeded=%d exhausted=%d, want %d/%d", succeeded, exhausted, limit, attempts-limit)
	}
	stored, err := store.Get(context.Background(), "SAVE10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.UsedCount != limit || len(stored.UsedBy) != limit {
		t.Fatalf("usedCount=%d ledger=%d, want %d", stored.UsedCount, len(stored.UsedBy), limit)
	}
}
