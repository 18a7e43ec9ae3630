package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/storefront/fulfillment/internal/carrier"
	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/payments"
	"github.com/storefront/fulfillment/internal/repositories/memory"
)

var fixedNow = time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type fakeGateway struct {
	mu sync.Mutex

	intents   map[string]payments.Intent
	customers int
	refunds   []payments.RefundRequest

	createIntentFn func(context.Context, payments.IntentRequest) (payments.Intent, error)
	refundFn       func(context.Context, payments.RefundRequest) (payments.Refund, error)
	parseFn        func([]byte, string) (payments.Event, error)
	retrieveErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]payments.Intent{}}
}

func (g *fakeGateway) CreateCustomer(_ context.Context, req payments.CustomerRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers++
	return "cus_" + req.UserID, nil
}

func (g *fakeGateway) CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	if g.createIntentFn != nil {
		return g.createIntentFn(ctx, req)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	intent := payments.Intent{
		ID:           "pi_" + string(rune('a'+len(g.intents))),
		ClientSecret: "secret",
		Status:       payments.IntentStatusRequiresAction,
		Amount:       req.Amount,
		Currency:     req.Currency,
		CustomerID:   req.CustomerID,
		Metadata:     req.Metadata,
		CreatedAt:    fixedNow,
	}
	g.intents[intent.ID] = intent
	return intent, nil
}

func (g *fakeGateway) RetrieveIntent(_ context.Context, id string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retrieveErr != nil {
		return payments.Intent{}, g.retrieveErr
	}
	intent, ok := g.intents[id]
	if !ok {
		return payments.Intent{}, &payments.GatewayError{Op: "retrieve_intent", Code: "resource_missing", Message: "missing", StatusCode: 404}
	}
	return intent, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req payments.RefundRequest) (payments.Refund, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	intent := g.intents[req.PaymentIntentID]
	g.mu.Unlock()
	if g.refundFn != nil {
		return g.refundFn(ctx, req)
	}
	amount := intent.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	return payments.Refund{ID: "re_1", PaymentIntentID: req.PaymentIntentID, Amount: amount, Status: "succeeded", CreatedAt: fixedNow}, nil
}

func (g *fakeGateway) ParseWebhook(payload []byte, signature string) (payments.Event, error) {
	if g.parseFn != nil {
		return g.parseFn(payload, signature)
	}
	return payments.Event{}, payments.ErrInvalidSignature
}

func (g *fakeGateway) succeed(id, chargeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent := g.intents[id]
	intent.Status = payments.IntentStatusSucceeded
	intent.ChargeID = chargeID
	g.intents[id] = intent
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type fakeCarrier struct {
	mu sync.Mutex

	shipments []carrier.ShipmentRequest
	cancels   []string

	createFn func(context.Context, carrier.ShipmentRequest) (carrier.ShipmentResult, error)
	trackFn  func(context.Context, string) (carrier.TrackingResult, error)
	cancelFn func(context.Context, string) error
	ratesFn  func(context.Context, carrier.RateRequest) ([]carrier.Rate, error)
}

func (c *fakeCarrier) ValidateAddress(_ context.Context, addr domain.Address) (carrier.AddressResolution, error) {
	return carrier.AddressResolution{Valid: true, Classification: "RESIDENTIAL", Suggested: &addr}, nil
}

func (c *fakeCarrier) QuoteRates(ctx context.Context, req carrier.RateRequest) ([]carrier.Rate, error) {
	if c.ratesFn != nil {
		return c.ratesFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (c *fakeCarrier) CreateShipment(ctx context.Context, req carrier.ShipmentRequest) (carrier.ShipmentResult, error) {
	c.mu.Lock()
	c.shipments = append(c.shipments, req)
	c.mu.Unlock()
	if c.createFn != nil {
		return c.createFn(ctx, req)
	}
	return carrier.ShipmentResult{TrackingNumber: "794600000001", ServiceType: req.ServiceType, LabelURL: "https://labels.example/794600000001.pdf"}, nil
}

func (c *fakeCarrier) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	if c.trackFn != nil {
		return c.trackFn(ctx, trackingNumber)
	}
	return carrier.TrackingResult{TrackingNumber: trackingNumber}, nil
}

func (c *fakeCarrier) CancelShipment(ctx context.Context, trackingNumber string) error {
	c.mu.Lock()
	c.cancels = append(c.cancels, trackingNumber)
	c.mu.Unlock()
	if c.cancelFn != nil {
		return c.cancelFn(ctx, trackingNumber)
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }

func testAddress() *domain.Address {
	return &domain.Address{
		Recipient:  "Dana Reyes",
		Line1:      "500 Market St",
		City:       "San Francisco",
		State:      "CA",
		PostalCode: "94105",
		Country:    "US",
	}
}

// fixture wires the services over in-memory stores.
type fixture struct {
	orders    *memory.OrderStore
	carts     *memory.CartStore
	inventory *memory.InventoryStore
	coupons   *memory.CouponStore
	pending   *memory.PendingIntentStore
	gateway   *fakeGateway
	carrier   *fakeCarrier
	events    *recordingPublisher
	now       time.Time

	ledger     CouponLedger
	reconciler PaymentReconciler
	shipments  ShipmentOrchestrator
	saga       CancellationSaga
	orderSvc   OrderService
}

func newFixture(dedup WebhookDeduper, stock []domain.StockItem, coupons ...domain.Coupon) *fixture {
	f := &fixture{
		orders:    memory.NewOrderStore(),
		carts:     memory.NewCartStore(),
		inventory: memory.NewInventoryStore(stock...),
		coupons:   memory.NewCouponStore(coupons...),
		pending:   memory.NewPendingIntentStore(),
		gateway:   newFakeGateway(),
		carrier:   &fakeCarrier{},
		events:    &recordingPublisher{},
		now:       fixedNow,
	}
	var err error
	f.ledger, err = NewCouponLedger(CouponLedgerDeps{Coupons: f.coupons, Clock: f.clock})
	mustNot(err)
	f.reconciler, err = NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:         f.orders,
		Carts:          f.carts,
		Inventory:      f.inventory,
		Counters:       memory.NewCounterStore(),
		PendingIntents: f.pending,
		Customers:      memory.NewCustomerStore(),
		Coupons:        f.ledger,
		Gateway:        f.gateway,
		Dedup:          dedup,
		Events:         f.events,
		Clock:          f.clock,
	})
	mustNot(err)
	f.shipments, err = NewShipmentOrchestrator(ShipmentOrchestratorDeps{
		Orders:         f.orders,
		Carts:          f.carts,
		Carrier:        f.carrier,
		Shipper:        domain.Address{Company: "Storefront", Line1: "1 Warehouse Way", City: "Memphis", State: "TN", PostalCode: "38118", Country: "US"},
		DefaultService: "FEDEX_GROUND",
		Events:         f.events,
		Clock:          f.clock,
	})
	mustNot(err)
	f.saga, err = NewCancellationSaga(CancellationSagaDeps{
		Orders:    f.orders,
		Inventory: f.inventory,
		Gateway:   f.gateway,
		Shipments: f.shipments,
		Events:    f.events,
		Clock:     f.clock,
	})
	mustNot(err)
	f.orderSvc, err = NewOrderService(OrderServiceDeps{Orders: f.orders, Events: f.events, Clock: f.clock})
	mustNot(err)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func mustNot(err error) {
	if err != nil {
		panic(err)
	}
}

func standardStock() []domain.StockItem {
	return []domain.StockItem{
		{ProductID: "prod_lamp", Title: "Desk Lamp", Category: "lighting", Price: 20000, Type: domain.ProductTypePhysical, Active: true, StockQuantity: 5},
		{ProductID: "prod_mug", Title: "Mug", Category: "kitchen", Price: 5000, Type: domain.ProductTypePhysical, Active: true, StockQuantity: 10},
	}
}

func standardCart(userID string) domain.Cart {
	return domain.Cart{UserID: userID, Lines: []domain.CartLine{
		{ProductID: "prod_lamp", Title: "Desk Lamp", Category: "lighting", UnitPrice: 20000, Quantity: 1},
		{ProductID: "prod_mug", Title: "Mug", Category: "kitchen", UnitPrice: 5000, Quantity: 2},
	}}
}

func tenPercentCapped() domain.Coupon {
	return domain.Coupon{
		Code:         "SAVE10",
		DiscountType: domain.DiscountTypePercentage,
		Value:        10,
		MaxDiscount:  int64Ptr(2000),
		Active:       true,
		UsageLimit:   100,
	}
}

// paidOrder runs checkout through confirmation and returns the created order.
func (f *fixture) paidOrder(ctx context.Context, userID string) (domain.Order, error) {
	if err := f.carts.Save(ctx, standardCart(userID)); err != nil {
		return domain.Order{}, err
	}
	intent, err := f.reconciler.CreateIntent(ctx, CreateIntentCommand{UserID: userID, ShippingCost: 1500, ShippingAddress: testAddress()})
	if err != nil {
		return domain.Order{}, err
	}
	f.gateway.succeed(intent.PaymentIntentID, "ch_"+intent.PaymentIntentID)
	return f.reconciler.ConfirmPayment(ctx, ConfirmPaymentCommand{UserID: userID, PaymentIntentID: intent.PaymentIntentID})
}
