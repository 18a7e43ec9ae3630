package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories"
)

// CouponStore implements repositories.CouponRepository.
type CouponStore struct {
	mu      sync.Mutex
	coupons map[string]domain.Coupon
}

// NewCouponStore returns a store seeded with coupons.
func NewCouponStore(seed ...domain.Coupon) *CouponStore {
	s := &CouponStore{coupons: map[string]domain.Coupon{}}
	for _, c := range seed {
		s.coupons[c.Code] = c
	}
	return s
}

var _ repositories.CouponRepository = (*CouponStore)(nil)

func (s *CouponStore) Get(_ context.Context, code string) (domain.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[code]
	if !ok {
		return domain.Coupon{}, repositories.NewNotFoundError("coupons.get", "coupon "+code)
	}
	coupon.UsedBy = slices.Clone(coupon.UsedBy)
	return coupon, nil
}

func (s *CouponStore) Upsert(_ context.Context, coupon domain.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[coupon.Code] = coupon
	return nil
}

func (s *CouponStore) Redeem(_ context.Context, redemption repositories.CouponRedemption) (domain.Coupon, error) {
	at := redemption.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[redemption.Code]
	if !ok {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon "+redemption.Code+" not found", nil)
	}
	updated, err := repositories.ApplyRedemption(coupon, redemption, at)
	if err != nil {
		return domain.Coupon{}, err
	}
	s.coupons[redemption.Code] = updated
	return updated, nil
}

// InventoryStore implements repositories.InventoryRepository.
type InventoryStore struct {
	mu       sync.Mutex
	items    map[string]domain.StockItem
	deducted map[string][]repositories.StockLine
	restored map[string]struct{}
}

// NewInventoryStore returns a store seeded with stock items.
func NewInventoryStore(seed ...domain.StockItem) *InventoryStore {
	s := &InventoryStore{
		items:    map[string]domain.StockItem{},
		deducted: map[string][]repositories.StockLine{},
		restored: map[string]struct{}{},
	}
	for _, item := range seed {
		s.items[item.ProductID] = item
	}
	return s
}

var _ repositories.InventoryRepository = (*InventoryStore)(nil)

func (s *InventoryStore) Get(_ context.Context, productID string) (domain.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return domain.StockItem{}, repositories.NewNotFoundError("inventory.get", "stock "+productID)
	}
	return item, nil
}

func (s *InventoryStore) Upsert(_ context.Context, item domain.StockItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ProductID] = item
	return nil
}

func (s *InventoryStore) DeductForOrder(_ context.Context, orderID string, lines []repositories.StockLine) error {
	if strings.TrimSpace(orderID) == "" {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "", "order id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.deducted[orderID]; done {
		return nil
	}
	merged := repositories.MergeStockLines(lines)
	if err := s.adjust(merged, -1); err != nil {
		return err
	}
	s.deducted[orderID] = merged
	return nil
}

func (s *InventoryStore) RestoreForOrder(_ context.Context, orderID string) (bool, error) {
	if strings.TrimSpace(orderID) == "" {
		return false, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "", "order id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.restored[orderID]; done {
		return false, nil
	}
	lines, ok := s.deducted[orderID]
	if !ok {
		return false, nil
	}
	if err := s.adjust(lines, 1); err != nil {
		return false, err
	}
	s.restored[orderID] = struct{}{}
	return true, nil
}

// adjust applies every line or none. Callers hold s.mu.
func (s *InventoryStore) adjust(lines []repositories.StockLine, sign int) error {
	now := time.Now().UTC()
	updated := make(map[string]domain.StockItem, len(lines))
	for _, line := range lines {
		item, ok := s.items[line.ProductID]
		if !ok {
			return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, line.ProductID, "stock "+line.ProductID+" not found", nil)
		}
		item, err := repositories.AdjustStock(item, line.Quantity*sign, now)
		if err != nil {
			return err
		}
		updated[line.ProductID] = item
	}
	for id, item := range updated {
		s.items[id] = item
	}
	return nil
}
