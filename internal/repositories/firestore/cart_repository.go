package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/storefront/fulfillment/internal/domain"
	pfirestore "github.com/storefront/fulfillment/internal/platform/firestore"
	"github.com/storefront/fulfillment/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists carts keyed by user id.
type CartRepository struct {
	base *pfirestore.BaseRepository[domain.Cart]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{base: pfirestore.NewBaseRepository[domain.Cart](provider, cartCollection)}, nil
}

// Get returns the user's cart. A missing cart is reported as an empty cart.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Cart{UserID: userID}, nil
		}
		return domain.Cart{}, err
	}
	cart := doc.Data
	cart.UserID = userID
	return cart, nil
}

func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) error {
	if strings.TrimSpace(cart.UserID) == "" {
		return errors.New("cart repository: user id is required")
	}
	return r.base.Set(ctx, cart.UserID, cart)
}

func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	return r.base.Delete(ctx, userID)
}
