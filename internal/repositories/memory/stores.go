package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/repositories"
)

// CartStore implements repositories.CartRepository.
type CartStore struct {
	mu    sync.Mutex
	carts map[string]domain.Cart
}

// NewCartStore returns a store seeded with carts.
func NewCartStore(seed ...domain.Cart) *CartStore {
	s := &CartStore{carts: map[string]domain.Cart{}}
	for _, c := range seed {
		s.carts[c.UserID] = c
	}
	return s
}

func (s *CartStore) Get(_ context.Context, userID string) (domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[userID]
	if !ok {
		return domain.Cart{UserID: userID}, nil
	}
	cart.Lines = slices.Clone(cart.Lines)
	return cart, nil
}

func (s *CartStore) Save(_ context.Context, cart domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart.Lines = slices.Clone(cart.Lines)
	s.carts[cart.UserID] = cart
	return nil
}

func (s *CartStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, userID)
	return nil
}

// CounterStore implements repositories.CounterRepository.
type CounterStore struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounterStore returns an empty counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{values: map[string]int64{}}
}

func (s *CounterStore) Next(_ context.Context, counterID string) (int64, error) {
	id, err := repositories.CounterID(counterID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id]++
	return s.values[id], nil
}

// PendingIntentStore implements repositories.PendingIntentRepository.
type PendingIntentStore struct {
	mu      sync.Mutex
	intents map[string]domain.PendingIntent
}

// NewPendingIntentStore returns an empty store.
func NewPendingIntentStore() *PendingIntentStore {
	return &PendingIntentStore{intents: map[string]domain.PendingIntent{}}
}

func (s *PendingIntentStore) Create(_ context.Context, intent domain.PendingIntent) error {
	if intent.PaymentIntentID == "" {
		return errors.New("pending intent store: payment intent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[intent.PaymentIntentID]; ok {
		return repositories.NewConflictError("pendingIntents.create", "intent "+intent.PaymentIntentID)
	}
	s.intents[intent.PaymentIntentID] = intent
	return nil
}

func (s *PendingIntentStore) Get(_ context.Context, id string) (domain.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return domain.PendingIntent{}, repositories.NewNotFoundError("pendingIntents.get", "intent "+id)
	}
	return intent, nil
}

func (s *PendingIntentStore) Update(_ context.Context, id string, mutate func(*domain.PendingIntent) error) (domain.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return domain.PendingIntent{}, repositories.NewNotFoundError("pendingIntents.update", "intent "+id)
	}
	intent.Lines = slices.Clone(intent.Lines)
	if err := mutate(&intent); err != nil {
		return domain.PendingIntent{}, err
	}
	s.intents[id] = intent
	return intent, nil
}

func (s *PendingIntentStore) ListStale(_ context.Context, statuses []domain.PendingIntentStatus, cutoff time.Time, limit int) ([]domain.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PendingIntent
	for _, intent := range s.intents {
		if slices.Contains(statuses, intent.Status) && intent.UpdatedAt.Before(cutoff) {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CustomerStore implements repositories.CustomerRepository.
type CustomerStore struct {
	mu        sync.Mutex
	customers map[string]domain.PaymentCustomer
}

// NewCustomerStore returns an empty store.
func NewCustomerStore() *CustomerStore {
	return &CustomerStore{customers: map[string]domain.PaymentCustomer{}}
}

func (s *CustomerStore) Get(_ context.Context, userID string) (domain.PaymentCustomer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[userID]
	if !ok {
		return domain.PaymentCustomer{}, repositories.NewNotFoundError("customers.get", "customer for "+userID)
	}
	return customer, nil
}

func (s *CustomerStore) Save(_ context.Context, customer domain.PaymentCustomer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.UserID] = customer
	return nil
}

var (
	_ repositories.CartRepository          = (*CartStore)(nil)
	_ repositories.CounterRepository       = (*CounterStore)(nil)
	_ repositories.PendingIntentRepository = (*PendingIntentStore)(nil)
	_ repositories.CustomerRepository      = (*CustomerStore)(nil)
)
