package services

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/storefront/fulfillment/internal/carrier"
	"github.com/storefront/fulfillment/internal/domain"
)

var staff = Actor{ID: "staff_1", Role: ActorRoleStaff}

type fakeLabels struct {
	stored map[string][]byte
}

func (l *fakeLabels) Store(_ context.Context, orderID, trackingNumber, _ string, data []byte) (string, error) {
	if l.stored == nil {
		l.stored = map[string][]byte{}
	}
	object := "labels/" + orderID + "/" + trackingNumber + ".pdf"
	l.stored[object] = data
	return object, nil
}

func (l *fakeLabels) SignedURL(_ context.Context, object string) (string, time.Time, error) {
	return "https://storage.example/" + object + "?sig=1", fixedNow.Add(15 * time.Minute), nil
}

func TestCreateShipmentAttachesLabelAndShips(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}

	shipped, err := f.shipments.CreateShipment(ctx, CreateShipmentCommand{OrderID: order.ID, Actor: staff})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	if shipped.Status != domain.OrderStatusShipped || shipped.ShippingStatus != domain.ShippingStatusLabelCreated {
		t.Fatalf("status=%s shipping=%s", shipped.Status, shipped.ShippingStatus)
	}
	if shipped.Shipment == nil || shipped.Shipment.TrackingNumber != "794600000001" || shipped.Shipment.Carrier != "fedex" {
		t.Fatalf("shipment = %+v", shipped.Shipment)
	}
	if shipped.ShippedAt == nil {
		t.Fatal("shippedAt should be set")
	}
	if len(f.carrier.shipments) != 1 {
		t.Fatalf("carrier calls = %d", len(f.carrier.shipments))
	}
	req := f.carrier.shipments[0]
	if req.IdempotencyKey != order.ID || req.ServiceType != "FEDEX_GROUND" || req.Reference != order.Number {
		t.Fatalf("shipment request = %+v", req)
	}
	if len(req.Packages) == 0 {
		t.Fatal("expected planned packages")
	}
	if !slices.Contains(f.events.types(), OrderEventShipped) {
		t.Fatalf("events = %v", f.events.types())
	}

	_, err = f.shipments.CreateShipment(ctx, CreateShipmentCommand{OrderID: order.ID, Actor: staff})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second label, got %v", err)
	}
	if len(f.carrier.shipments) != 1 {
		t.Fatal("second request must not reach the carrier")
	}
}

func TestCreateShipmentArchivesInlineLabel(t *testing.T) {
	f := newFixture(nil, standardStock())
	labels := &fakeLabels{}
	orchestrator, err := NewShipmentOrchestrator(ShipmentOrchestratorDeps{
		Orders:  f.orders,
		Carrier: f.carrier,
		Labels:  labels,
		Clock:   f.clock,
	})
	if err != nil {
		t.Fatalf("NewShipmentOrchestrator: %v", err)
	}
	f.carrier.createFn = func(_ context.Context, req carrier.ShipmentRequest) (carrier.ShipmentResult, error) {
		return carrier.ShipmentResult{TrackingNumber: "794600000002", LabelContentType: "application/pdf", LabelData: []byte("%PDF")}, nil
	}
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	shipped, err := orchestrator.CreateShipment(ctx, CreateShipmentCommand{OrderID: order.ID, ServiceType: "PRIORITY_OVERNIGHT", Actor: staff})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	wantObject := "labels/" + order.ID + "/794600000002.pdf"
	if shipped.Shipment.LabelObject != wantObject || shipped.Shipment.LabelURL == "" {
		t.Fatalf("shipment = %+v", shipped.Shipment)
	}
	if string(labels.stored[wantObject]) != "%PDF" {
		t.Fatal("label bytes not archived")
	}
	if shipped.Shipment.ServiceType != "PRIORITY_OVERNIGHT" {
		t.Fatalf("service = %s", shipped.Shipment.ServiceType)
	}
}

func TestCreateShipmentRejections(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}

	_, err = f.shipments.CreateShipment(ctx, CreateShipmentCommand{OrderID: order.ID, Actor: Actor{ID: "user_1", Role: ActorRoleCustomer}})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("customer: expected forbidden, got %v", err)
	}

	_, err = f.shipments.CreateShipment(ctx, CreateShipmentCommand{OrderID: "ord_missing", Actor: staff})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order: expected not found, got %v", err)
	}

	if _, err := f.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		o.PaymentStatus = domain.PaymentStatusPending
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, err = f.shipments.CreateShipment(ctx, CreateShipmentCommand{OrderID: order.ID, Actor: staff})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("unpaid order: expected invalid state, got %v", err)
	}
	if len(f.carrier.shipments) != 0 {
		t.Fatal("rejected requests must not reach the carrier")
	}
}

func TestCreateShipmentCarrierRejection(t *testing.T) {
	f := newFixture(nil, standardStock())
	f.carrier.createFn = func(context.Context, carrier.ShipmentRequest) (carrier.ShipmentResult, error) {
		return carrier.ShipmentResult{}, &carrier.APIError{Op: "create_shipment", StatusCode: 400, Code: "ADDRESS.INVALID", Message: "undeliverable"}
	}
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	_, err = f.shipments.CreateShipment(ctx, CreateShipmentCommand{OrderID: order.ID, Actor: staff})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, _ := f.orders.Get(ctx, order.ID)
	if stored.Status != domain.OrderStatusConfirmed || stored.Shipment != nil {
		t.Fatalf("order changed after carrier rejection: %+v", stored)
	}
}

func TestCreateShipmentRejectsUnitOverCarrierLimits(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	heavy := 160.0
	if _, err := f.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		o.Lines = []domain.OrderLine{{
			ProductID:  "prod_safe",
			Title:      "Gun Safe",
			UnitPrice:  90000,
			Quantity:   2,
			Dimensions: &domain.Dimensions{Length: 48, Width: 30, Height: 20},
			WeightLb:   &heavy,
		}}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	_, err = f.shipments.CreateShipment(ctx, CreateShipmentCommand{OrderID: order.ID, Actor: staff})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Reason != "package_oversize" {
		t.Fatalf("expected package_oversize validation error, got %v", err)
	}
	if len(f.carrier.shipments) != 0 {
		t.Fatal("oversize order must not reach the carrier")
	}
}

func shippedOrder(t *testing.T, f *fixture) domain.Order {
	t.Helper()
	ctx := context.Background()
	order, err := f.paidOrder(ctx, "user_1")
	if err != nil {
		t.Fatalf("paidOrder: %v", err)
	}
	shipped, err := f.shipments.CreateShipment(ctx, CreateShipmentCommand{OrderID: order.ID, Actor: staff})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	return shipped
}

func TestUpdateTrackingAppendsChronologicallyAndDelivers(t *testing.T) {
	f := newFixture(nil, standardStock())
	order := shippedOrder(t, f)
	ctx := context.Background()

	t1 := fixedNow.Add(2 * time.Hour)
	t2 := fixedNow.Add(20 * time.Hour)
	t3 := fixedNow.Add(40 * time.Hour)
	scans := []carrier.ScanEvent{
		{Description: "In transit", Location: "Memphis, TN", OccurredAt: t2},
		{Description: "Picked up", Location: "Memphis, TN", OccurredAt: t1},
	}
	f.carrier.trackFn = func(context.Context, string) (carrier.TrackingResult, error) {
		return carrier.TrackingResult{LatestStatus: scans[0].Description, Events: slices.Clone(scans)}, nil
	}

	updated, err := f.shipments.UpdateTracking(ctx, RefreshTrackingCommand{OrderID: order.ID, Actor: Actor{ID: "user_1", Role: ActorRoleCustomer}})
	if err != nil {
		t.Fatalf("UpdateTracking: %v", err)
	}
	if len(updated.TrackingEvents) != 2 || !updated.TrackingEvents[0].OccurredAt.Equal(t1) {
		t.Fatalf("events = %+v", updated.TrackingEvents)
	}
	if updated.ShippingStatus != domain.ShippingStatusInTransit || updated.Status != domain.OrderStatusShipped {
		t.Fatalf("shipping=%s status=%s", updated.ShippingStatus, updated.Status)
	}

	scans = append([]carrier.ScanEvent{{Description: "Delivered", Location: "San Francisco, CA", OccurredAt: t3}}, scans...)
	updated, err = f.shipments.UpdateTracking(ctx, RefreshTrackingCommand{OrderID: order.ID, Actor: staff})
	if err != nil {
		t.Fatalf("UpdateTracking: %v", err)
	}
	if len(updated.TrackingEvents) != 3 {
		t.Fatalf("expected three events without duplicates, got %+v", updated.TrackingEvents)
	}
	for i := 1; i < len(updated.TrackingEvents); i++ {
		if updated.TrackingEvents[i].OccurredAt.Before(updated.TrackingEvents[i-1].OccurredAt) {
			t.Fatalf("events out of order: %+v", updated.TrackingEvents)
		}
	}
	if updated.ShippingStatus != domain.ShippingStatusDelivered || updated.Status != domain.OrderStatusDelivered {
		t.Fatalf("shipping=%s status=%s", updated.ShippingStatus, updated.Status)
	}
	if updated.DeliveredAt == nil {
		t.Fatal("deliveredAt should be set")
	}
}

func TestUpdateTrackingRejectsOtherCustomer(t *testing.T) {
	f := newFixture(nil, standardStock())
	order := shippedOrder(t, f)
	_, err := f.shipments.UpdateTracking(context.Background(), RefreshTrackingCommand{OrderID: order.ID, Actor: Actor{ID: "user_2", Role: ActorRoleCustomer}})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestHandleTrackingPushFindsOrderByTrackingNumber(t *testing.T) {
	f := newFixture(nil, standardStock())
	order := shippedOrder(t, f)
	f.carrier.trackFn = func(_ context.Context, tn string) (carrier.TrackingResult, error) {
		return carrier.TrackingResult{TrackingNumber: tn, LatestStatus: "Out for delivery", Events: []carrier.ScanEvent{
			{Description: "Out for delivery", Location: "San Francisco, CA", OccurredAt: fixedNow.Add(30 * time.Hour)},
		}}, nil
	}
	updated, err := f.shipments.HandleTrackingPush(context.Background(), " 794600000001 ")
	if err != nil {
		t.Fatalf("HandleTrackingPush: %v", err)
	}
	if updated.ID != order.ID || updated.ShippingStatus != domain.ShippingStatusOutForDelivery {
		t.Fatalf("updated = %+v", updated)
	}
	if !slices.Contains(f.events.types(), OrderEventTrackingUpdated) {
		t.Fatalf("events = %v", f.events.types())
	}

	_, err = f.shipments.HandleTrackingPush(context.Background(), "000000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown tracking, got %v", err)
	}
}

func TestCancelShipmentReturnsCarrierFailure(t *testing.T) {
	f := newFixture(nil, standardStock())
	order := shippedOrder(t, f)
	f.carrier.cancelFn = func(context.Context, string) error {
		return &carrier.APIError{Op: "cancel_shipment", StatusCode: 503, Message: "unavailable"}
	}
	err := f.shipments.CancelShipment(context.Background(), order)
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
	if SafeMessageFor(err, "") == "" {
		t.Fatal("expected a safe message")
	}
	stored, _ := f.orders.Get(context.Background(), order.ID)
	if stored.Status != domain.OrderStatusShipped {
		t.Fatalf("cancel shipment must not change the order, got %s", stored.Status)
	}

	if err := f.shipments.CancelShipment(context.Background(), domain.Order{ID: "ord_no_label"}); err != nil {
		t.Fatalf("order without label: %v", err)
	}
}

func TestQuoteRatesSortsByAmount(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	if err := f.carts.Save(ctx, standardCart("user_1")); err != nil {
		t.Fatal(err)
	}
	var seen carrier.RateRequest
	f.carrier.ratesFn = func(_ context.Context, req carrier.RateRequest) ([]carrier.Rate, error) {
		seen = req
		return []carrier.Rate{
			{ServiceType: "PRIORITY_OVERNIGHT", Amount: 4200},
			{ServiceType: "FEDEX_GROUND", Amount: 1200},
			{ServiceType: "FEDEX_2_DAY", Amount: 2100},
		}, nil
	}
	rates, err := f.shipments.QuoteRates(ctx, RateQuoteCommand{UserID: "user_1", Recipient: *testAddress()})
	if err != nil {
		t.Fatalf("QuoteRates: %v", err)
	}
	got := []string{rates[0].ServiceType, rates[1].ServiceType, rates[2].ServiceType}
	want := []string{"FEDEX_GROUND", "FEDEX_2_DAY", "PRIORITY_OVERNIGHT"}
	if !slices.Equal(got, want) {
		t.Fatalf("rates = %v, want %v", got, want)
	}
	if len(seen.Packages) == 0 || seen.Shipper.City != "Memphis" {
		t.Fatalf("rate request = %+v", seen)
	}
}

func TestQuoteRatesValidatesInput(t *testing.T) {
	f := newFixture(nil, standardStock())
	ctx := context.Background()
	_, err := f.shipments.QuoteRates(ctx, RateQuoteCommand{UserID: "user_1", Recipient: domain.Address{Line1: "1 Main", City: "X", PostalCode: "1", Country: "USA"}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("bad country: expected validation error, got %v", err)
	}
	_, err = f.shipments.QuoteRates(ctx, RateQuoteCommand{UserID: "user_1", Recipient: *testAddress()})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Reason != "cart_empty" {
		t.Fatalf("empty cart: expected cart_empty, got %v", err)
	}
}

func TestValidateAddressPassesThroughResolution(t *testing.T) {
	f := newFixture(nil, standardStock())
	resolution, err := f.shipments.ValidateAddress(context.Background(), *testAddress())
	if err != nil {
		t.Fatalf("ValidateAddress: %v", err)
	}
	if !resolution.Valid || resolution.Classification != "RESIDENTIAL" {
		t.Fatalf("resolution = %+v", resolution)
	}
}
