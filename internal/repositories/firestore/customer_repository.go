package firestore

import (
	"context"
	"errors"

	"github.com/storefront/fulfillment/internal/domain"
	pfirestore "github.com/storefront/fulfillment/internal/platform/firestore"
)

const paymentCustomersCollection = "paymentCustomers"

// CustomerRepository maps users to gateway customers.
type CustomerRepository struct {
	base *pfirestore.BaseRepository[domain.PaymentCustomer]
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	return &CustomerRepository{base: pfirestore.NewBaseRepository[domain.PaymentCustomer](provider, paymentCustomersCollection)}, nil
}

func (r *CustomerRepository) Get(ctx context.Context, userID string) (domain.PaymentCustomer, error) {
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.PaymentCustomer{}, err
	}
	return doc.Data, nil
}

func (r *CustomerRepository) Save(ctx context.Context, customer domain.PaymentCustomer) error {
	return r.base.Set(ctx, customer.UserID, customer)
}
