package carrier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/fulfillment/internal/domain"
)

type fakeCarrier struct {
	tokenCalls  atomic.Int32
	trackCalls  atomic.Int32
	failTracks  int32
	expiresIn   int
	lastTxnID   string
	lastAuth    string
	cancelCalls atomic.Int32
}

func (f *fakeCarrier) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + string(rune('0'+f.tokenCalls.Load())),
			"token_type":   "bearer",
			"expires_in":   f.expiresIn,
		})
	})
	mux.HandleFunc(pathRateQuotes, func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":{"rateReplyDetails":[
			{"serviceType":"GROUND","serviceName":"Ground","ratedShipmentDetails":[{"totalNetCharge":12.345,"currency":"USD"}],"commit":{"transitDays":"4"}},
			{"serviceType":"PRIORITY_OVERNIGHT","ratedShipmentDetails":[{"totalNetCharge":"48.10","currency":"USD"}],"commit":{"deliveryDate":"2025-03-04T10:30:00Z"}}
		]}}`))
	})
	mux.HandleFunc(pathShipments, func(w http.ResponseWriter, r *http.Request) {
		f.lastTxnID = r.Header.Get(transactionIDHeader)
		label := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 label"))
		_, _ = w.Write([]byte(`{"output":{"transactionShipments":[{"masterTrackingNumber":"794600000001","serviceType":"GROUND",
			"pieceResponses":[{"trackingNumber":"794600000001","packageDocuments":[{"encodedLabel":"` + label + `","docType":"PDF"}]}]}]}}`))
	})
	mux.HandleFunc(pathTrack, func(w http.ResponseWriter, r *http.Request) {
		n := f.trackCalls.Add(1)
		if n <= f.failTracks {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"errors":[{"code":"SERVICE.UNAVAILABLE","message":"try later"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"output":{"completeTrackResults":[{"trackingNumber":"794600000001","trackResults":[{
			"latestStatusDetail":{"description":"On FedEx vehicle for delivery - Out for Delivery"},
			"scanEvents":[
				{"date":"2025-03-05T08:00:00Z","eventDescription":"Out for delivery","scanLocation":{"city":"MEMPHIS","stateOrProvinceCode":"TN"}},
				{"date":"2025-03-04T20:00:00Z","eventDescription":"In transit","scanLocation":{"city":"MEMPHIS"}},
				{"date":"2025-03-04T09:00:00Z","eventDescription":"Picked up","scanLocation":{"city":"AUSTIN","stateOrProvinceCode":"TX"}}
			]}]}]}}`))
	})
	mux.HandleFunc(pathCancel, func(w http.ResponseWriter, r *http.Request) {
		f.cancelCalls.Add(1)
		assert.Equal(t, http.MethodPut, r.Method)
		_, _ = w.Write([]byte(`{"output":{"cancelledShipment":true}}`))
	})
	mux.HandleFunc(pathResolveAddress, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":{"resolvedAddresses":[{"streetLines":["1 MAIN ST","APT 2"],"city":"AUSTIN","stateOrProvinceCode":"TX","postalCode":"78701-1234","countryCode":"US","classification":"RESIDENTIAL","resolved":true}]}}`))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeCarrier) *Client {
	t.Helper()
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL:            server.URL,
		ClientID:           "client-id",
		ClientSecret:       "client-secret",
		AccountNumber:      "510087",
		RequestsPerSecond:  100,
		TrackingRetryLimit: 5 * time.Second,
		HTTPClient:         server.Client(),
	})
	require.NoError(t, err)
	return client
}

func samplePackages() []domain.Package {
	return []domain.Package{{Dimensions: domain.Dimensions{Length: 12, Width: 12, Height: 6}, WeightLb: 7}}
}

func TestQuoteRatesReusesToken(t *testing.T) {
	f := &fakeCarrier{expiresIn: 3600}
	client := newTestClient(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rates, err := client.QuoteRates(ctx, RateRequest{Packages: samplePackages()})
		require.NoError(t, err)
		require.Len(t, rates, 2)
		assert.Equal(t, int64(1235), rates[0].Amount, "half-up rounding to cents")
		assert.Equal(t, 4, rates[0].TransitDays)
		assert.Equal(t, int64(4810), rates[1].Amount)
		assert.Equal(t, "PRIORITY_OVERNIGHT", rates[1].ServiceName)
		require.NotNil(t, rates[1].EstimatedDelivery)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, "Bearer tok-1", f.lastAuth)
}

func TestTokenRefreshedWithinEarlyExpiryWindow(t *testing.T) {
	// Tokens that expire within five minutes are treated as already expired.
	f := &fakeCarrier{expiresIn: 120}
	client := newTestClient(t, f)

	_, err := client.QuoteRates(context.Background(), RateRequest{Packages: samplePackages()})
	require.NoError(t, err)
	_, err = client.QuoteRates(context.Background(), RateRequest{Packages: samplePackages()})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestCreateShipmentSendsTransactionID(t *testing.T) {
	f := &fakeCarrier{expiresIn: 3600}
	client := newTestClient(t, f)

	result, err := client.CreateShipment(context.Background(), ShipmentRequest{
		Packages:       samplePackages(),
		ServiceType:    "GROUND",
		Reference:      "SO-20250303-000001",
		IdempotencyKey: "ord_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "794600000001", result.TrackingNumber)
	assert.Equal(t, "application/pdf", result.LabelContentType)
	assert.Equal(t, []byte("%PDF-1.4 label"), result.LabelData)
	assert.Equal(t, "ord_1", f.lastTxnID)
}

func TestTrackRetriesTransientFailures(t *testing.T) {
	f := &fakeCarrier{expiresIn: 3600, failTracks: 2}
	client := newTestClient(t, f)

	result, err := client.Track(context.Background(), "794600000001")
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.trackCalls.Load())
	require.Len(t, result.Events, 3)
	assert.Equal(t, "Out for delivery", result.Events[0].Description, "carrier order is newest first")
	assert.Equal(t, "MEMPHIS, TN", result.Events[0].Location)

	status, ok := MapStatus(result.LatestStatus)
	require.True(t, ok)
	assert.Equal(t, domain.ShippingStatusOutForDelivery, status)
}

func TestTrackDoesNotRetryClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			_, _ = w.Write([]byte(`{"access_token":"t","token_type":"bearer","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"TRACKING.TRACKINGNUMBER.INVALID","message":"invalid"}]}`))
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL, ClientID: "id", ClientSecret: "secret", HTTPClient: server.Client()})
	require.NoError(t, err)

	_, err = client.Track(context.Background(), "bad")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "TRACKING.TRACKINGNUMBER.INVALID", apiErr.Code)
	assert.True(t, apiErr.CallerFault())
}

func TestCancelShipmentAndValidateAddress(t *testing.T) {
	f := &fakeCarrier{expiresIn: 3600}
	client := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, client.CancelShipment(ctx, "794600000001"))
	assert.Equal(t, int32(1), f.cancelCalls.Load())

	res, err := client.ValidateAddress(ctx, domain.Address{Line1: "1 main street", City: "Austin", State: "tx", PostalCode: "78701", Country: "us"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.NotNil(t, res.Suggested)
	assert.Equal(t, "1 MAIN ST", res.Suggested.Line1)
	assert.Equal(t, "APT 2", res.Suggested.Line2)
	assert.True(t, res.Suggested.Residential)
	assert.Equal(t, "78701-1234", res.Suggested.PostalCode)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.ShippingStatus{
		"Out for Delivery":                  domain.ShippingStatusOutForDelivery,
		"DELIVERED - left at front door":    domain.ShippingStatusDelivered,
		"Package in transit to facility":    domain.ShippingStatusInTransit,
		"Picked up":                         domain.ShippingStatusPickedUp,
		"Delivery exception: address issue": domain.ShippingStatusException,
		"Return to shipper initiated":       domain.ShippingStatusReturned,

		"Undelivered - returning to sender":                         domain.ShippingStatusReturned,
		"Delivery exception: not delivered, customer not available": domain.ShippingStatusException,
		"Package undelivered":                                       domain.ShippingStatusException,
		"Not delivered - business closed":                           domain.ShippingStatusException,
		"Address undeliverable":                                     domain.ShippingStatusException,
		"Delivery attempted, no access to building":                 domain.ShippingStatusException,
		"Delivered to mailroom":                                     domain.ShippingStatusDelivered,
	}
	for text, want := range cases {
		got, ok := MapStatus(text)
		assert.True(t, ok, text)
		assert.Equal(t, want, got, text)
	}
	_, ok := MapStatus("Shipment information sent")
	assert.False(t, ok)
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{ClientID: "id", ClientSecret: "s"})
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "https://carrier.example.com"})
	require.Error(t, err)
}
