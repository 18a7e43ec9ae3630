package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storefront/fulfillment/internal/carrier"
	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/packaging"
	"github.com/storefront/fulfillment/internal/repositories"
)

const carrierProvider = "carrier"

// LabelArchive keeps a copy of carrier labels and hands out time-limited download links.
type LabelArchive interface {
	Store(ctx context.Context, orderID, trackingNumber, contentType string, data []byte) (string, error)
	SignedURL(ctx context.Context, object string) (string, time.Time, error)
}

// ShipmentOrchestratorDeps bundles collaborators for the shipment orchestrator.
type ShipmentOrchestratorDeps struct {
	Orders         repositories.OrderRepository
	Carts          repositories.CartRepository
	Carrier        carrier.Gateway
	Planner        *packaging.Planner
	Labels         LabelArchive
	Shipper        domain.Address
	CarrierName    string
	DefaultService string
	Events         OrderEventPublisher
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
	Meter          metric.Meter
}

type shipmentOrchestrator struct {
	orders         repositories.OrderRepository
	carts          repositories.CartRepository
	carrier        carrier.Gateway
	planner        *packaging.Planner
	labels         LabelArchive
	shipper        domain.Address
	carrierName    string
	defaultService string
	events         eventSink
	clock          func() time.Time
	logger         eventLogger
	metrics        serviceMetrics
}

// NewShipmentOrchestrator constructs the shipment orchestrator.
func NewShipmentOrchestrator(deps ShipmentOrchestratorDeps) (ShipmentOrchestrator, error) {
	if deps.Orders == nil {
		return nil, errors.New("shipment orchestrator: order repository is required")
	}
	if deps.Carrier == nil {
		return nil, errors.New("shipment orchestrator: carrier gateway is required")
	}
	planner := deps.Planner
	if planner == nil {
		planner = packaging.NewPlanner(packaging.DefaultLimits())
	}
	clock := deps.Clock
	if clock == nil {
		clock = defaultClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	name := strings.TrimSpace(deps.CarrierName)
	if name == "" {
		name = "fedex"
	}
	return &shipmentOrchestrator{
		orders:         deps.Orders,
		carts:          deps.Carts,
		carrier:        deps.Carrier,
		planner:        planner,
		labels:         deps.Labels,
		shipper:        deps.Shipper,
		carrierName:    name,
		defaultService: strings.TrimSpace(deps.DefaultService),
		events:         eventSink{publisher: deps.Events, logger: logger, clock: clock},
		clock:          clock,
		logger:         logger,
		metrics:        newServiceMetrics(deps.Meter),
	}, nil
}

func hasTracking(order domain.Order) bool {
	return order.Shipment != nil && strings.TrimSpace(order.Shipment.TrackingNumber) != ""
}

func (s *shipmentOrchestrator) CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId", "order_id_required", "order id is required")
	}
	if !cmd.Actor.Privileged() {
		return Order{}, fmt.Errorf("%w: shipment creation requires staff access", ErrForbidden)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Order{}, translateRepoError(err, "order "+orderID)
	}
	if hasTracking(order) {
		return Order{}, fmt.Errorf("%w: order %s already has tracking number %s", ErrConflict, order.ID, order.Shipment.TrackingNumber)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid || order.Status != domain.OrderStatusConfirmed {
		return Order{}, fmt.Errorf("%w: order %s is %s/%s, shipment needs a paid confirmed order",
			ErrInvalidState, order.ID, order.Status, order.PaymentStatus)
	}
	if order.ShippingAddress == nil {
		return Order{}, validationError("shippingAddress", "shipping_address_required", "order has no shipping address")
	}

	packages, err := s.planPackages(packaging.FromOrderLines(order.Lines))
	if err != nil {
		return Order{}, err
	}
	service := firstNonBlank(cmd.ServiceType, order.ShippingService, s.defaultService)
	result, err := s.carrier.CreateShipment(ctx, carrier.ShipmentRequest{
		Shipper:        s.shipper,
		Recipient:      *order.ShippingAddress,
		Packages:       packages,
		ServiceType:    service,
		Reference:      order.Number,
		IdempotencyKey: order.ID,
	})
	if err != nil {
		s.logger(ctx, "shipment.create.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return Order{}, carrierFailure("create_shipment", err)
	}

	labelObject, labelURL := s.archiveLabel(ctx, order.ID, result)
	now := s.clock()
	shipment := domain.Shipment{
		Carrier:           s.carrierName,
		TrackingNumber:    result.TrackingNumber,
		LabelURL:          labelURL,
		LabelObject:       labelObject,
		ServiceType:       firstNonBlank(result.ServiceType, service),
		EstimatedDelivery: result.EstimatedDelivery,
		Packages:          packages,
		CreatedAt:         now,
	}

	var (
		previous domain.OrderStatus
		attached string
	)
	updated, err := s.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		if hasTracking(*o) {
			attached = o.Shipment.TrackingNumber
			return fmt.Errorf("%w: order %s already has tracking number %s", ErrConflict, o.ID, attached)
		}
		previous = o.Status
		o.Shipment = &shipment
		o.ShippingStatus = domain.ShippingStatusLabelCreated
		return applyStatusTransition(o, domain.OrderStatusShipped, cmd.Actor, "label "+shipment.TrackingNumber, now)
	})
	if err != nil {
		// A concurrent request with the same idempotency key attached the same label; only
		// a label that differs from the attached one is orphaned and voided.
		if attached != shipment.TrackingNumber {
			s.logger(ctx, "shipment.attach.inconsistent", map[string]any{
				"orderId":        order.ID,
				"trackingNumber": shipment.TrackingNumber,
				"error":          err.Error(),
			})
			if voidErr := s.carrier.CancelShipment(ctx, shipment.TrackingNumber); voidErr != nil {
				s.logger(ctx, "shipment.void.failed", map[string]any{"trackingNumber": shipment.TrackingNumber, "error": voidErr.Error()})
			}
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidState) {
			return Order{}, err
		}
		return Order{}, translateRepoError(err, "order "+order.ID)
	}

	add(ctx, s.metrics.transitions, attribute.String("status", string(updated.Status)), attribute.String("source", "shipment"))
	s.logger(ctx, "shipment.created", map[string]any{
		"orderId":        updated.ID,
		"trackingNumber": shipment.TrackingNumber,
		"service":        shipment.ServiceType,
		"packages":       len(packages),
	})
	s.events.publish(ctx, OrderEventShipped, updated, previous, cmd.Actor, map[string]string{
		"trackingNumber": shipment.TrackingNumber,
		"carrier":        shipment.Carrier,
	})
	return updated, nil
}

// archiveLabel stores inline label bytes when an archive is configured. Archive failures
// leave the carrier URL in place.
func (s *shipmentOrchestrator) archiveLabel(ctx context.Context, orderID string, result carrier.ShipmentResult) (string, string) {
	labelURL := result.LabelURL
	if s.labels == nil || len(result.LabelData) == 0 {
		return "", labelURL
	}
	object, err := s.labels.Store(ctx, orderID, result.TrackingNumber, result.LabelContentType, result.LabelData)
	if err != nil {
		s.logger(ctx, "shipment.label.archive.failed", map[string]any{"orderId": orderID, "error": err.Error()})
		return "", labelURL
	}
	if labelURL == "" {
		signed, _, err := s.labels.SignedURL(ctx, object)
		if err != nil {
			s.logger(ctx, "shipment.label.sign.failed", map[string]any{"orderId": orderID, "error": err.Error()})
		} else {
			labelURL = signed
		}
	}
	return object, labelURL
}

func (s *shipmentOrchestrator) UpdateTracking(ctx context.Context, cmd RefreshTrackingCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId", "order_id_required", "order id is required")
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Order{}, translateRepoError(err, "order "+orderID)
	}
	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return Order{}, err
	}
	if !hasTracking(order) {
		return Order{}, validationError("orderId", "no_shipment", "order %s has no shipment to track", order.ID)
	}
	return s.refresh(ctx, order, cmd.Actor)
}

// HandleTrackingPush refreshes tracking for the order owning trackingNumber after a carrier
// push notification.
func (s *shipmentOrchestrator) HandleTrackingPush(ctx context.Context, trackingNumber string) (Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return Order{}, validationError("trackingNumber", "tracking_number_required", "tracking number is required")
	}
	order, err := s.orders.FindByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return Order{}, translateRepoError(err, "order for tracking "+trackingNumber)
	}
	return s.refresh(ctx, order, SystemActor)
}

func (s *shipmentOrchestrator) refresh(ctx context.Context, order domain.Order, actor Actor) (Order, error) {
	tracking := order.Shipment.TrackingNumber
	result, err := s.carrier.Track(ctx, tracking)
	if err != nil {
		s.logger(ctx, "shipment.tracking.failed", map[string]any{"orderId": order.ID, "trackingNumber": tracking, "error": err.Error()})
		return Order{}, carrierFailure("track", err)
	}

	var (
		previous domain.OrderStatus
		appended int
	)
	updated, err := s.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		previous = o.Status
		appended = applyTrackingResult(o, result, actor, s.clock())
		return nil
	})
	if err != nil {
		return Order{}, translateRepoError(err, "order "+order.ID)
	}

	s.logger(ctx, "shipment.tracking.updated", map[string]any{
		"orderId":        updated.ID,
		"trackingNumber": tracking,
		"shippingStatus": string(updated.ShippingStatus),
		"newEvents":      appended,
	})
	if previous != updated.Status {
		add(ctx, s.metrics.transitions, attribute.String("status", string(updated.Status)), attribute.String("source", "tracking"))
		s.events.publish(ctx, OrderEventStatusChanged, updated, previous, actor, nil)
	}
	if appended > 0 {
		s.events.publish(ctx, OrderEventTrackingUpdated, updated, previous, actor, map[string]string{
			"shippingStatus": string(updated.ShippingStatus),
		})
	}
	return updated, nil
}

// applyTrackingResult merges carrier scans into the order. Scans arrive newest first and are
// appended oldest first, skipping ones already recorded. It returns the number appended.
func applyTrackingResult(order *domain.Order, result carrier.TrackingResult, actor Actor, now time.Time) int {
	appended := 0
	for i := len(result.Events) - 1; i >= 0; i-- {
		scan := result.Events[i]
		status, _ := carrier.MapStatus(scan.Description)
		event := domain.TrackingEvent{
			Status:      status,
			Description: strings.TrimSpace(scan.Description),
			Location:    strings.TrimSpace(scan.Location),
			OccurredAt:  scan.OccurredAt.UTC(),
		}
		if slices.ContainsFunc(order.TrackingEvents, func(existing domain.TrackingEvent) bool {
			return existing.OccurredAt.Equal(event.OccurredAt) &&
				existing.Description == event.Description &&
				existing.Location == event.Location
		}) {
			continue
		}
		order.TrackingEvents = append(order.TrackingEvents, event)
		appended++
	}

	if result.EstimatedDelivery != nil && order.Shipment != nil {
		eta := *result.EstimatedDelivery
		order.Shipment.EstimatedDelivery = &eta
	}
	if status, ok := carrier.MapStatus(result.LatestStatus); ok {
		order.ShippingStatus = status
	}
	if order.ShippingStatus == domain.ShippingStatusDelivered && order.Status == domain.OrderStatusShipped {
		_ = applyStatusTransition(order, domain.OrderStatusDelivered, actor, "carrier reported delivery", now)
	}
	order.UpdatedAt = now
	return appended
}

// CancelShipment voids the carrier label. The error is returned for the caller to record;
// it never changes the order.
func (s *shipmentOrchestrator) CancelShipment(ctx context.Context, order Order) error {
	if !hasTracking(order) {
		return nil
	}
	tracking := order.Shipment.TrackingNumber
	if err := s.carrier.CancelShipment(ctx, tracking); err != nil {
		s.logger(ctx, "shipment.void.failed", map[string]any{"orderId": order.ID, "trackingNumber": tracking, "error": err.Error()})
		return carrierFailure("cancel_shipment", err)
	}
	s.logger(ctx, "shipment.voided", map[string]any{"orderId": order.ID, "trackingNumber": tracking})
	return nil
}

func (s *shipmentOrchestrator) QuoteRates(ctx context.Context, cmd RateQuoteCommand) ([]carrier.Rate, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return nil, validationError("userId", "user_required", "user id is required")
	}
	if err := validateRecipient(cmd.Recipient); err != nil {
		return nil, err
	}
	if s.carts == nil {
		return nil, errors.New("shipment orchestrator: cart repository not configured")
	}
	cart, err := s.carts.Get(ctx, userID)
	if err != nil && !repositories.IsNotFound(err) {
		return nil, fmt.Errorf("shipment orchestrator: load cart: %w", err)
	}
	if len(cart.Lines) == 0 {
		return nil, validationError("cart", "cart_empty", "cart is empty")
	}
	packages, err := s.planPackages(packaging.FromCartLines(cart.Lines))
	if err != nil {
		return nil, err
	}
	rates, err := s.carrier.QuoteRates(ctx, carrier.RateRequest{
		Shipper:   s.shipper,
		Recipient: cmd.Recipient,
		Packages:  packages,
	})
	if err != nil {
		return nil, carrierFailure("quote_rates", err)
	}
	slices.SortStableFunc(rates, func(a, b carrier.Rate) int {
		switch {
		case a.Amount < b.Amount:
			return -1
		case a.Amount > b.Amount:
			return 1
		}
		return 0
	})
	return rates, nil
}

func (s *shipmentOrchestrator) ValidateAddress(ctx context.Context, addr domain.Address) (carrier.AddressResolution, error) {
	if err := validateRecipient(addr); err != nil {
		return carrier.AddressResolution{}, err
	}
	resolution, err := s.carrier.ValidateAddress(ctx, addr)
	if err != nil {
		return carrier.AddressResolution{}, carrierFailure("validate_address", err)
	}
	return resolution, nil
}

func validateRecipient(addr domain.Address) error {
	switch {
	case strings.TrimSpace(addr.Line1) == "":
		return validationError("address.line1", "address_incomplete", "street address is required")
	case strings.TrimSpace(addr.City) == "":
		return validationError("address.city", "address_incomplete", "city is required")
	case strings.TrimSpace(addr.PostalCode) == "":
		return validationError("address.postalCode", "address_incomplete", "postal code is required")
	case len(strings.TrimSpace(addr.Country)) != 2:
		return validationError("address.country", "address_incomplete", "country must be a two-letter code")
	}
	return nil
}

// carrierFailure maps carrier client errors onto the service taxonomy.
func carrierFailure(op string, err error) error {
	var apiErr *carrier.APIError
	if errors.As(err, &apiErr) {
		if apiErr.CallerFault() {
			return &ValidationError{Field: "shipment", Reason: "carrier_rejected", Message: apiErr.Message}
		}
		return externalError(carrierProvider, op, "shipping carrier request failed", err)
	}
	return externalError(carrierProvider, op, "shipping carrier is unavailable", err)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (s *shipmentOrchestrator) planPackages(items []packaging.Item) ([]domain.Package, error) {
	packages, err := s.planner.Plan(items)
	if err != nil {
		return nil, validationError("lines", "package_oversize", "%s", err.Error())
	}
	return packages, nil
}
