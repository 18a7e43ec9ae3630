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

const (
	inventoryCollection         = "inventory"
	stockDeductionsCollection   = "stockDeductions"
	stockRestorationsCollection = "stockRestorations"
)

type stockMarkerDocument struct {
	OrderID   string                   `firestore:"orderId"`
	Lines     []repositories.StockLine `firestore:"lines"`
	AppliedAt time.Time                `firestore:"appliedAt"`
}

// InventoryRepository keeps stock counters and per-order markers that make deductions and
// restorations apply at most once.
type InventoryRepository struct {
	provider     *pfirestore.Provider
	stocks       *pfirestore.BaseRepository[domain.StockItem]
	deductions   *pfirestore.BaseRepository[stockMarkerDocument]
	restorations *pfirestore.BaseRepository[stockMarkerDocument]
}

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		provider:     provider,
		stocks:       pfirestore.NewBaseRepository[domain.StockItem](provider, inventoryCollection),
		deductions:   pfirestore.NewBaseRepository[stockMarkerDocument](provider, stockDeductionsCollection),
		restorations: pfirestore.NewBaseRepository[stockMarkerDocument](provider, stockRestorationsCollection),
	}, nil
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (domain.StockItem, error) {
	doc, err := r.stocks.Get(ctx, productID)
	if err != nil {
		return domain.StockItem{}, err
	}
	return doc.Data, nil
}

func (r *InventoryRepository) Upsert(ctx context.Context, item domain.StockItem) error {
	if strings.TrimSpace(item.ProductID) == "" {
		return errors.New("inventory repository: product id is required")
	}
	return r.stocks.Set(ctx, item.ProductID, item)
}

func (r *InventoryRepository) DeductForOrder(ctx context.Context, orderID string, lines []repositories.StockLine) error {
	merged := repositories.MergeStockLines(lines)
	_, err := r.applyOnce(ctx, "inventory.deduct", r.deductions, orderID, -1, func(*firestore.Transaction) ([]repositories.StockLine, bool, error) {
		return merged, true, nil
	})
	return err
}

// RestoreForOrder reads the lines from the order's deduction marker inside the restore
// transaction, so only stock that was actually taken is put back.
func (r *InventoryRepository) RestoreForOrder(ctx context.Context, orderID string) (bool, error) {
	return r.applyOnce(ctx, "inventory.restore", r.restorations, orderID, 1, func(tx *firestore.Transaction) ([]repositories.StockLine, bool, error) {
		ref, err := r.deductions.DocumentRef(ctx, orderID)
		if err != nil {
			return nil, false, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, false, nil
			}
			return nil, false, err
		}
		doc, err := pfirestore.Decode[stockMarkerDocument](snap)
		if err != nil {
			return nil, false, err
		}
		return doc.Data.Lines, true, nil
	})
}

// stockLineSource yields the lines to adjust. ok=false turns the call into a no-op.
type stockLineSource func(tx *firestore.Transaction) (lines []repositories.StockLine, ok bool, err error)

// applyOnce adjusts every line by sign*quantity and records a marker document for the
// order in the same transaction. An existing marker makes the call a no-op.
func (r *InventoryRepository) applyOnce(ctx context.Context, op string, markers *pfirestore.BaseRepository[stockMarkerDocument], orderID string, sign int, source stockLineSource) (bool, error) {
	if strings.TrimSpace(orderID) == "" {
		return false, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "", "order id is required", nil)
	}
	now := time.Now().UTC()

	applied := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		markerRef, err := markers.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(markerRef); err == nil {
			return nil
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		lines, ok, err := source(tx)
		if err != nil || !ok {
			return err
		}

		type pending struct {
			ref  *firestore.DocumentRef
			item domain.StockItem
		}
		updates := make([]pending, 0, len(lines))
		for _, line := range lines {
			ref, err := r.stocks.DocumentRef(ctx, line.ProductID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, line.ProductID, fmt.Sprintf("stock %s not found", line.ProductID), err)
				}
				return err
			}
			doc, err := pfirestore.Decode[domain.StockItem](snap)
			if err != nil {
				return err
			}
			item, err := repositories.AdjustStock(doc.Data, line.Quantity*sign, now)
			if err != nil {
				return err
			}
			updates = append(updates, pending{ref: ref, item: item})
		}

		for _, u := range updates {
			if err := tx.Set(u.ref, u.item); err != nil {
				return err
			}
		}
		if err := tx.Create(markerRef, stockMarkerDocument{OrderID: orderID, Lines: lines, AppliedAt: now}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) {
			if invErr.Op == "" {
				invErr.Op = op
			}
			return false, invErr
		}
		return false, pfirestore.WrapError(op, err)
	}
	return applied, nil
}
