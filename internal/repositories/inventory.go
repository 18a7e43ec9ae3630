package repositories

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
)

// MergeStockLines sums quantities per product, drops empty lines and sorts by product id
// so transactions touch documents in a stable order.
func MergeStockLines(lines []StockLine) []StockLine {
	totals := make(map[string]int, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" || line.Quantity <= 0 {
			continue
		}
		totals[id] += line.Quantity
	}
	merged := make([]StockLine, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, StockLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged
}

// AdjustStock applies delta to the stock quantity; sales count moves the opposite way.
// A deduction that would drive stock negative is rejected.
func AdjustStock(item domain.StockItem, delta int, at time.Time) (domain.StockItem, error) {
	if delta < 0 && item.StockQuantity+delta < 0 {
		return item, NewInventoryError(InventoryErrorInsufficientStock, item.ProductID,
			fmt.Sprintf("insufficient stock for %s: have %d, need %d", item.ProductID, item.StockQuantity, -delta), nil)
	}
	item.StockQuantity += delta
	item.SalesCount -= delta
	if item.SalesCount < 0 {
		item.SalesCount = 0
	}
	item.UpdatedAt = at
	return item, nil
}
