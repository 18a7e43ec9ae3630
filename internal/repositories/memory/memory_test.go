package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories"
)

func TestOrderStoreCreateForIntentIsUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()
	first := domain.Order{ID: "ord_1", PaymentIntentID: "pi_1", Status: domain.OrderStatusConfirmed}

	created, ok, err := store.CreateForIntent(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ord_1", created.ID)

	again, ok, err := store.CreateForIntent(ctx, domain.Order{ID: "ord_2", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "ord_1", again.ID)

	_, err = store.Get(ctx, "ord_2")
	assert.True(t, repositories.IsNotFound(err))
}

func TestOrderStoreChargeIDIsUnique(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()
	_, _, err := store.CreateForIntent(ctx, domain.Order{ID: "ord_1", PaymentIntentID: "pi_1", ChargeID: "ch_1"})
	require.NoError(t, err)

	_, _, err = store.CreateForIntent(ctx, domain.Order{ID: "ord_2", PaymentIntentID: "pi_2", ChargeID: "ch_1"})
	require.Error(t, err)
	assert.True(t, repositories.IsConflict(err))
	_, err = store.Get(ctx, "ord_2")
	assert.True(t, repositories.IsNotFound(err))

	_, _, err = store.CreateForIntent(ctx, domain.Order{ID: "ord_3", PaymentIntentID: "pi_3"})
	require.NoError(t, err)
	_, err = store.Update(ctx, "ord_3", func(o *domain.Order) error {
		o.ChargeID = "ch_1"
		return nil
	})
	assert.True(t, repositories.IsConflict(err))

	updated, err := store.Update(ctx, "ord_3", func(o *domain.Order) error {
		o.ChargeID = "ch_3"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_3", updated.ChargeID)
	_, err = store.Update(ctx, "ord_1", func(o *domain.Order) error {
		o.Status = domain.OrderStatusShipped
		return nil
	})
	require.NoError(t, err, "an order keeps its own charge")
}

func TestOrderStoreUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()
	_, _, err := store.CreateForIntent(ctx, domain.Order{ID: "ord_1", PaymentIntentID: "pi_1", Status: domain.OrderStatusConfirmed})
	require.NoError(t, err)

	boom := errors.New("rejected")
	_, err = store.Update(ctx, "ord_1", func(o *domain.Order) error {
		o.Status = domain.OrderStatusShipped
		return boom
	})
	require.ErrorIs(t, err, boom)

	order, err := store.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
}

func TestOrderStoreListPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, _, err := store.CreateForIntent(ctx, domain.Order{
			ID:              fmt.Sprintf("ord_%d", i),
			PaymentIntentID: fmt.Sprintf("pi_%d", i),
			UserID:          "user-1",
			CreatedAt:       base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, _, err := store.CreateForIntent(ctx, domain.Order{ID: "ord_other", PaymentIntentID: "pi_other", UserID: "user-2", CreatedAt: base})
	require.NoError(t, err)

	filter := repositories.OrderListFilter{UserID: "user-1", Pagination: domain.Pagination{PageSize: 2}}
	var ids []string
	for {
		page, err := store.List(ctx, filter)
		require.NoError(t, err)
		for _, o := range page.Items {
			ids = append(ids, o.ID)
		}
		if page.NextPageToken == "" {
			break
		}
		filter.Pagination.PageToken = page.NextPageToken
	}
	assert.Equal(t, []string{"ord_4", "ord_3", "ord_2", "ord_1", "ord_0"}, ids)
}

func TestCouponStoreConcurrentRedemptionsRespectLimit(t *testing.T) {
	ctx := context.Background()
	store := NewCouponStore(domain.Coupon{Code: "SAVE10", Active: true, UsageLimit: 5, UsedCount: 2})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Redeem(ctx, repositories.CouponRedemption{Code: "SAVE10", UserID: fmt.Sprintf("u%d", i), OrderNumber: fmt.Sprintf("SO-%d", i)})
			mu.Lock()
			defer mu.Unlock()
			var couponErr *repositories.CouponError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &couponErr) && couponErr.Code == repositories.CouponErrorExhausted:
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 7, exhausted)
	coupon, err := store.Get(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 5, coupon.UsedCount)
	assert.Len(t, coupon.UsedBy, 3)
}

func TestCouponStorePerUserLimit(t *testing.T) {
	ctx := context.Background()
	store := NewCouponStore(domain.Coupon{Code: "ONCE", Active: true, UsagePerUser: 1})

	_, err := store.Redeem(ctx, repositories.CouponRedemption{Code: "ONCE", UserID: "u1", OrderNumber: "SO-1"})
	require.NoError(t, err)
	_, err = store.Redeem(ctx, repositories.CouponRedemption{Code: "ONCE", UserID: "u1", OrderNumber: "SO-2"})
	var couponErr *repositories.CouponError
	require.ErrorAs(t, err, &couponErr)
	assert.Equal(t, repositories.CouponErrorPerUserLimit, couponErr.Code)

	_, err = store.Redeem(ctx, repositories.CouponRedemption{Code: "ONCE", UserID: "u2", OrderNumber: "SO-3"})
	require.NoError(t, err)
	coupon, err := store.Get(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 2, coupon.UsedCount)
	assert.Len(t, coupon.UsedBy, 2)
}

func TestInventoryStoreDeductAndRestoreOnce(t *testing.T) {
	ctx := context.Background()
	store := NewInventoryStore(
		domain.StockItem{ProductID: "p1", StockQuantity: 5},
		domain.StockItem{ProductID: "p2", StockQuantity: 1},
	)
	lines := []repositories.StockLine{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}}

	require.NoError(t, store.DeductForOrder(ctx, "ord_1", lines))
	require.NoError(t, store.DeductForOrder(ctx, "ord_1", lines))
	p1, _ := store.Get(ctx, "p1")
	assert.Equal(t, 3, p1.StockQuantity)
	assert.Equal(t, 2, p1.SalesCount)

	err := store.DeductForOrder(ctx, "ord_2", []repositories.StockLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}})
	var invErr *repositories.InventoryError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, repositories.InventoryErrorInsufficientStock, invErr.Code)
	p1, _ = store.Get(ctx, "p1")
	assert.Equal(t, 3, p1.StockQuantity, "failed deduction must not partially apply")

	restored, err := store.RestoreForOrder(ctx, "ord_2")
	require.NoError(t, err)
	assert.False(t, restored, "nothing was deducted for ord_2")
	p1, _ = store.Get(ctx, "p1")
	assert.Equal(t, 3, p1.StockQuantity)

	restored, err = store.RestoreForOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.True(t, restored)
	restored, err = store.RestoreForOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.False(t, restored)
	p1, _ = store.Get(ctx, "p1")
	assert.Equal(t, 5, p1.StockQuantity)
	p2, _ := store.Get(ctx, "p2")
	assert.Equal(t, 1, p2.StockQuantity)
	assert.Equal(t, 0, p1.SalesCount)
}
