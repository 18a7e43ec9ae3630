// Package carrier is the client for the shipping carrier REST API: address resolution,
// rate quotes, label creation, tracking and shipment cancellation.
package carrier

import (
	"context"
	"strings"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
)

// AddressResolution is the carrier's verdict on a postal address.
type AddressResolution struct {
	Valid          bool
	Classification string
	Suggested      *domain.Address
	Messages       []string
}

// RateRequest asks for rated service options for a set of packages.
type RateRequest struct {
	Shipper   domain.Address
	Recipient domain.Address
	Packages  []domain.Package
}

// Rate is one rated service option.
type Rate struct {
	ServiceType       string
	ServiceName       string
	Amount            int64
	Currency          string
	TransitDays       int
	EstimatedDelivery *time.Time
}

// ShipmentRequest creates a label. IdempotencyKey is sent as the carrier transaction id so a
// retried request cannot create a second label.
type ShipmentRequest struct {
	Shipper        domain.Address
	Recipient      domain.Address
	Packages       []domain.Package
	ServiceType    string
	Reference      string
	IdempotencyKey string
}

// ShipmentResult is what the carrier returned for a created shipment.
type ShipmentResult struct {
	TrackingNumber    string
	ServiceType       string
	LabelURL          string
	LabelContentType  string
	LabelData         []byte
	EstimatedDelivery *time.Time
}

// ScanEvent is a single tracking scan as reported by the carrier.
type ScanEvent struct {
	Description string
	Location    string
	OccurredAt  time.Time
}

// TrackingResult holds the latest status and scan history, newest first as the carrier
// reports it.
type TrackingResult struct {
	TrackingNumber    string
	LatestStatus      string
	EstimatedDelivery *time.Time
	Events            []ScanEvent
}

// Gateway is the carrier contract used by the shipment orchestrator.
type Gateway interface {
	ValidateAddress(ctx context.Context, addr domain.Address) (AddressResolution, error)
	QuoteRates(ctx context.Context, req RateRequest) ([]Rate, error)
	CreateShipment(ctx context.Context, req ShipmentRequest) (ShipmentResult, error)
	Track(ctx context.Context, trackingNumber string) (TrackingResult, error)
	CancelShipment(ctx context.Context, trackingNumber string) error
}

// statusKeywords is checked in order. Returns and failures come first so that text such as
// "undelivered" or "not delivered" never reads as a delivery.
var statusKeywords = []struct {
	keyword string
	status  domain.ShippingStatus
}{
	{"return", domain.ShippingStatusReturned},
	{"exception", domain.ShippingStatusException},
	{"undeliverable", domain.ShippingStatusException},
	{"undelivered", domain.ShippingStatusException},
	{"not delivered", domain.ShippingStatusException},
	{"delivery attempted", domain.ShippingStatusException},
	{"out for delivery", domain.ShippingStatusOutForDelivery},
	{"delivered", domain.ShippingStatusDelivered},
	{"in transit", domain.ShippingStatusInTransit},
	{"picked up", domain.ShippingStatusPickedUp},
}

// MapStatus maps free-text carrier status to a shipping status by case-insensitive keyword
// match. The boolean is false when no keyword matches.
func MapStatus(text string) (domain.ShippingStatus, bool) {
	lower := strings.ToLower(text)
	for _, kw := range statusKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.status, true
		}
	}
	return "", false
}
