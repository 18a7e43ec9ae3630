package carrier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storefront/fulfillment/internal/domain"
)

type wireAddress struct {
	StreetLines         []string `json:"streetLines"`
	City                string   `json:"city"`
	StateOrProvinceCode string   `json:"stateOrProvinceCode,omitempty"`
	PostalCode          string   `json:"postalCode"`
	CountryCode         string   `json:"countryCode"`
	Residential         bool     `json:"residential,omitempty"`
}

type wireContact struct {
	PersonName  string `json:"personName,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

type wireParty struct {
	Contact *wireContact `json:"contact,omitempty"`
	Address wireAddress  `json:"address"`
}

type wireWeight struct {
	Units string  `json:"units"`
	Value float64 `json:"value"`
}

type wireDimensions struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Units  string  `json:"units"`
}

type wirePackage struct {
	SequenceNumber int            `json:"sequenceNumber"`
	Weight         wireWeight     `json:"weight"`
	Dimensions     wireDimensions `json:"dimensions"`
}

type accountNumber struct {
	Value string `json:"value"`
}

func toWireAddress(a domain.Address) wireAddress {
	lines := []string{strings.TrimSpace(a.Line1)}
	if l2 := strings.TrimSpace(a.Line2); l2 != "" {
		lines = append(lines, l2)
	}
	return wireAddress{
		StreetLines:         lines,
		City:                strings.TrimSpace(a.City),
		StateOrProvinceCode: strings.ToUpper(strings.TrimSpace(a.State)),
		PostalCode:          strings.TrimSpace(a.PostalCode),
		CountryCode:         strings.ToUpper(strings.TrimSpace(a.Country)),
		Residential:         a.Residential,
	}
}

func toWireParty(a domain.Address) wireParty {
	party := wireParty{Address: toWireAddress(a)}
	if a.Recipient != "" || a.Company != "" || a.Phone != "" {
		party.Contact = &wireContact{PersonName: a.Recipient, CompanyName: a.Company, PhoneNumber: a.Phone}
	}
	return party
}

func toWirePackages(pkgs []domain.Package) []wirePackage {
	out := make([]wirePackage, 0, len(pkgs))
	for i, p := range pkgs {
		out = append(out, wirePackage{
			SequenceNumber: i + 1,
			Weight:         wireWeight{Units: "LB", Value: p.WeightLb},
			Dimensions: wireDimensions{
				Length: p.Dimensions.Length,
				Width:  p.Dimensions.Width,
				Height: p.Dimensions.Height,
				Units:  "IN",
			},
		})
	}
	return out
}

// ValidateAddress resolves an address and returns the carrier's standardised form.
func (c *Client) ValidateAddress(ctx context.Context, addr domain.Address) (AddressResolution, error) {
	req := map[string]any{
		"addressesToValidate": []map[string]any{{"address": toWireAddress(addr)}},
	}
	var resp struct {
		Output struct {
			ResolvedAddresses []struct {
				wireAddress
				Classification string   `json:"classification"`
				Resolved       bool     `json:"resolved"`
				Messages       []string `json:"customerMessages"`
			} `json:"resolvedAddresses"`
		} `json:"output"`
	}
	if err := c.do(ctx, "resolve_address", http.MethodPost, pathResolveAddress, req, &resp, nil); err != nil {
		return AddressResolution{}, err
	}
	if len(resp.Output.ResolvedAddresses) == 0 {
		return AddressResolution{Valid: false, Messages: []string{"address could not be resolved"}}, nil
	}
	resolved := resp.Output.ResolvedAddresses[0]
	suggested := addr
	if len(resolved.StreetLines) > 0 {
		suggested.Line1 = resolved.StreetLines[0]
		suggested.Line2 = ""
		if len(resolved.StreetLines) > 1 {
			suggested.Line2 = resolved.StreetLines[1]
		}
	}
	suggested.City = firstNonEmpty(resolved.City, addr.City)
	suggested.State = firstNonEmpty(resolved.StateOrProvinceCode, addr.State)
	suggested.PostalCode = firstNonEmpty(resolved.PostalCode, addr.PostalCode)
	suggested.Country = firstNonEmpty(resolved.CountryCode, addr.Country)
	classification := strings.ToLower(resolved.Classification)
	suggested.Residential = classification == "residential"

	return AddressResolution{
		Valid:          resolved.Resolved,
		Classification: classification,
		Suggested:      &suggested,
		Messages:       resolved.Messages,
	}, nil
}

// QuoteRates returns rated service options sorted as the carrier returned them.
func (c *Client) QuoteRates(ctx context.Context, req RateRequest) ([]Rate, error) {
	if len(req.Packages) == 0 {
		return nil, errors.New("carrier: at least one package is required for a quote")
	}
	body := map[string]any{
		"accountNumber": accountNumber{Value: c.accountNumber},
		"requestedShipment": map[string]any{
			"shipper":                   wireParty{Address: toWireAddress(req.Shipper)},
			"recipient":                 wireParty{Address: toWireAddress(req.Recipient)},
			"requestedPackageLineItems": toWirePackages(req.Packages),
		},
	}
	var resp struct {
		Output struct {
			RateReplyDetails []struct {
				ServiceType          string `json:"serviceType"`
				ServiceName          string `json:"serviceName"`
				RatedShipmentDetails []struct {
					TotalNetCharge json.Number `json:"totalNetCharge"`
					Currency       string      `json:"currency"`
				} `json:"ratedShipmentDetails"`
				Commit struct {
					TransitDays  string `json:"transitDays"`
					DeliveryDate string `json:"deliveryDate"`
				} `json:"commit"`
			} `json:"rateReplyDetails"`
		} `json:"output"`
	}
	if err := c.do(ctx, "quote_rates", http.MethodPost, pathRateQuotes, body, &resp, nil); err != nil {
		return nil, err
	}

	rates := make([]Rate, 0, len(resp.Output.RateReplyDetails))
	for _, detail := range resp.Output.RateReplyDetails {
		if len(detail.RatedShipmentDetails) == 0 {
			continue
		}
		charge := detail.RatedShipmentDetails[0]
		amount, err := toMinorUnits(charge.TotalNetCharge)
		if err != nil {
			return nil, fmt.Errorf("carrier: quote_rates: %s: %w", detail.ServiceType, err)
		}
		rate := Rate{
			ServiceType: detail.ServiceType,
			ServiceName: firstNonEmpty(detail.ServiceName, detail.ServiceType),
			Amount:      amount,
			Currency:    strings.ToLower(firstNonEmpty(charge.Currency, "usd")),
		}
		if days, err := strconv.Atoi(strings.TrimSpace(detail.Commit.TransitDays)); err == nil {
			rate.TransitDays = days
		}
		rate.EstimatedDelivery = parseCarrierTime(detail.Commit.DeliveryDate)
		rates = append(rates, rate)
	}
	return rates, nil
}

// toMinorUnits converts a decimal currency amount to cents, rounding half away from zero.
func toMinorUnits(n json.Number) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(n.String()))
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// CreateShipment creates a label for all packages in one shipment.
func (c *Client) CreateShipment(ctx context.Context, req ShipmentRequest) (ShipmentResult, error) {
	if len(req.Packages) == 0 {
		return ShipmentResult{}, errors.New("carrier: at least one package is required")
	}
	body := map[string]any{
		"labelResponseOptions": "LABEL",
		"accountNumber":        accountNumber{Value: c.accountNumber},
		"requestedShipment": map[string]any{
			"shipper":                   toWireParty(req.Shipper),
			"recipients":                []wireParty{toWireParty(req.Recipient)},
			"serviceType":               req.ServiceType,
			"packagingType":             "YOUR_PACKAGING",
			"pickupType":                "USE_SCHEDULED_PICKUP",
			"labelSpecification":        map[string]string{"imageType": "PDF", "labelStockType": "PAPER_4X6"},
			"requestedPackageLineItems": toWirePackages(req.Packages),
			"customerReferences":        []map[string]string{{"customerReferenceType": "CUSTOMER_REFERENCE", "value": req.Reference}},
		},
	}
	headers := map[string]string{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers[transactionIDHeader] = key
	}

	var resp struct {
		Output struct {
			TransactionShipments []struct {
				MasterTrackingNumber string `json:"masterTrackingNumber"`
				ServiceType          string `json:"serviceType"`
				PieceResponses       []struct {
					TrackingNumber   string `json:"trackingNumber"`
					PackageDocuments []struct {
						URL          string `json:"url"`
						EncodedLabel string `json:"encodedLabel"`
						DocType      string `json:"docType"`
					} `json:"packageDocuments"`
				} `json:"pieceResponses"`
				CompletedShipmentDetail struct {
					OperationalDetail struct {
						DeliveryDate string `json:"deliveryDate"`
					} `json:"operationalDetail"`
				} `json:"completedShipmentDetail"`
			} `json:"transactionShipments"`
		} `json:"output"`
	}
	if err := c.do(ctx, "create_shipment", http.MethodPost, pathShipments, body, &resp, headers); err != nil {
		return ShipmentResult{}, err
	}
	if len(resp.Output.TransactionShipments) == 0 {
		return ShipmentResult{}, errors.New("carrier: create_shipment: empty response")
	}
	shipment := resp.Output.TransactionShipments[0]
	result := ShipmentResult{
		TrackingNumber:    shipment.MasterTrackingNumber,
		ServiceType:       firstNonEmpty(shipment.ServiceType, req.ServiceType),
		EstimatedDelivery: parseCarrierTime(shipment.CompletedShipmentDetail.OperationalDetail.DeliveryDate),
	}
	for _, piece := range shipment.PieceResponses {
		if result.TrackingNumber == "" {
			result.TrackingNumber = piece.TrackingNumber
		}
		for _, doc := range piece.PackageDocuments {
			if result.LabelURL == "" && doc.URL != "" {
				result.LabelURL = doc.URL
			}
			if len(result.LabelData) == 0 && doc.EncodedLabel != "" {
				data, err := base64.StdEncoding.DecodeString(doc.EncodedLabel)
				if err != nil {
					return ShipmentResult{}, fmt.Errorf("carrier: create_shipment: decode label: %w", err)
				}
				result.LabelData = data
				result.LabelContentType = labelContentType(doc.DocType)
			}
		}
	}
	if result.TrackingNumber == "" {
		return ShipmentResult{}, errors.New("carrier: create_shipment: response missing tracking number")
	}
	return result, nil
}

// CancelShipment voids the label for trackingNumber.
func (c *Client) CancelShipment(ctx context.Context, trackingNumber string) error {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return errors.New("carrier: tracking number is required")
	}
	body := map[string]any{
		"accountNumber":  accountNumber{Value: c.accountNumber},
		"trackingNumber": trackingNumber,
	}
	var resp struct {
		Output struct {
			CancelledShipment bool   `json:"cancelledShipment"`
			Message           string `json:"message"`
		} `json:"output"`
	}
	if err := c.do(ctx, "cancel_shipment", http.MethodPut, pathCancel, body, &resp, map[string]string{transactionIDHeader: "cancel-" + trackingNumber}); err != nil {
		return err
	}
	if !resp.Output.CancelledShipment {
		return &APIError{Op: "cancel_shipment", StatusCode: http.StatusOK, Code: "NOT_CANCELLED", Message: firstNonEmpty(resp.Output.Message, "shipment was not cancelled")}
	}
	return nil
}

type trackingInfo struct {
	TrackingNumber string `json:"-"`
}

func (t trackingInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"trackingNumberInfo": map[string]string{"trackingNumber": t.TrackingNumber}})
}

type trackRequest struct {
	IncludeDetailedScans bool           `json:"includeDetailedScans"`
	TrackingInfo         []trackingInfo `json:"trackingInfo"`
}

type trackResponse struct {
	Output struct {
		CompleteTrackResults []struct {
			TrackingNumber string `json:"trackingNumber"`
			TrackResults   []struct {
				LatestStatusDetail struct {
					Description string `json:"description"`
				} `json:"latestStatusDetail"`
				ScanEvents []struct {
					Date             string `json:"date"`
					EventDescription string `json:"eventDescription"`
					ScanLocation     struct {
						City                string `json:"city"`
						StateOrProvinceCode string `json:"stateOrProvinceCode"`
						CountryCode         string `json:"countryCode"`
					} `json:"scanLocation"`
				} `json:"scanEvents"`
				EstimatedDeliveryTimeWindow struct {
					Window struct {
						Ends string `json:"ends"`
					} `json:"window"`
				} `json:"estimatedDeliveryTimeWindow"`
				Error *struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			} `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

func (r trackResponse) result(trackingNumber string) (TrackingResult, error) {
	if len(r.Output.CompleteTrackResults) == 0 || len(r.Output.CompleteTrackResults[0].TrackResults) == 0 {
		return TrackingResult{}, &APIError{Op: "track", StatusCode: http.StatusNotFound, Code: "TRACKING.NOTFOUND", Message: "no tracking results"}
	}
	track := r.Output.CompleteTrackResults[0].TrackResults[0]
	if track.Error != nil && track.Error.Code != "" {
		return TrackingResult{}, &APIError{Op: "track", StatusCode: http.StatusNotFound, Code: track.Error.Code, Message: track.Error.Message}
	}
	out := TrackingResult{
		TrackingNumber:    firstNonEmpty(r.Output.CompleteTrackResults[0].TrackingNumber, trackingNumber),
		LatestStatus:      track.LatestStatusDetail.Description,
		EstimatedDelivery: parseCarrierTime(track.EstimatedDeliveryTimeWindow.Window.Ends),
		Events:            make([]ScanEvent, 0, len(track.ScanEvents)),
	}
	for _, scan := range track.ScanEvents {
		occurred := parseCarrierTime(scan.Date)
		if occurred == nil {
			continue
		}
		location := strings.Join(nonEmpty(scan.ScanLocation.City, scan.ScanLocation.StateOrProvinceCode, scan.ScanLocation.CountryCode), ", ")
		out.Events = append(out.Events, ScanEvent{Description: scan.EventDescription, Location: location, OccurredAt: *occurred})
	}
	return out, nil
}

var carrierTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseCarrierTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range carrierTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func labelContentType(docType string) string {
	switch strings.ToUpper(strings.TrimSpace(docType)) {
	case "PNG":
		return "image/png"
	case "ZPLII", "ZPL":
		return "application/zpl"
	default:
		return "application/pdf"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}
