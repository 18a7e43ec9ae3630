package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	tokenEarlyExpiry      = 5 * time.Minute
	defaultTimeout        = 15 * time.Second
	defaultTrackingWindow = 30 * time.Second
	transactionIDHeader   = "X-Customer-Transaction-Id"
	maxErrorBody          = 64 << 10
	meterName             = "github.com/storefront/fulfillment/internal/carrier"

	pathResolveAddress = "/address/v1/resolve"
	pathRateQuotes     = "/rate/v1/quotes"
	pathShipments      = "/ship/v1/shipments"
	pathTrack          = "/track/v1/trackingnumbers"
	pathCancel         = "/ship/v1/shipments/cancel"
)

// ErrNotConfigured is returned by a zero-value Client.
var ErrNotConfigured = errors.New("carrier: client not configured")

// APIError is a non-2xx response from the carrier.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("carrier: %s: status %d: %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("carrier: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Retryable reports whether repeating an idempotent call may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// CallerFault reports whether the carrier rejected the request content, such as an
// undeliverable address.
func (e *APIError) CallerFault() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// Logger receives structured client events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures Client.
type Config struct {
	BaseURL            string
	TokenURL           string
	ClientID           string
	ClientSecret       string
	AccountNumber      string
	Timeout            time.Duration
	RequestsPerSecond  float64
	Burst              int
	TrackingRetryLimit time.Duration
	HTTPClient         *http.Client
	Logger             Logger
	Meter              metric.Meter
}

// Client calls the carrier API with a cached client-credentials token and a shared rate
// limit across all operations.
type Client struct {
	baseURL       string
	accountNumber string
	http          *http.Client
	limiter       *rate.Limiter
	trackWindow   time.Duration
	logger        Logger
	calls         metric.Int64Counter
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("carrier: base url is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("carrier: client credentials are required")
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = baseURL + "/oauth/token"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}

	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	source := oauth2.ReuseTokenSourceWithExpiry(nil, creds.TokenSource(tokenCtx), tokenEarlyExpiry)

	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	authed := &http.Client{
		Timeout:   timeout,
		Transport: &oauth2.Transport{Source: source, Base: transport},
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	trackWindow := cfg.TrackingRetryLimit
	if trackWindow <= 0 {
		trackWindow = defaultTrackingWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	calls, _ := meter.Int64Counter("carrier.requests", metric.WithDescription("Carrier API calls by operation and outcome"))

	return &Client{
		baseURL:       baseURL,
		accountNumber: strings.TrimSpace(cfg.AccountNumber),
		http:          authed,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
		trackWindow:   trackWindow,
		logger:        logger,
		calls:         calls,
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any, headers map[string]string) error {
	if c == nil || c.http == nil {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("carrier: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("carrier: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, op, "transport_error")
		return fmt.Errorf("carrier: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(op, resp)
		c.record(ctx, op, "http_"+fmt.Sprint(resp.StatusCode))
		c.logger(ctx, "carrier.request.failed", map[string]any{
			"op":         op,
			"statusCode": resp.StatusCode,
			"code":       apiErr.Code,
			"latencyMs":  time.Since(start).Milliseconds(),
		})
		return apiErr
	}
	c.record(ctx, op, "ok")
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("carrier: %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) record(ctx context.Context, op, outcome string) {
	if c.calls == nil {
		return
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome)))
}

func decodeAPIError(op string, resp *http.Response) *APIError {
	out := &APIError{Op: op, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(data, &payload) == nil && len(payload.Errors) > 0 {
		out.Code = payload.Errors[0].Code
		if payload.Errors[0].Message != "" {
			out.Message = payload.Errors[0].Message
		}
	}
	return out
}

// Track looks up scan history, retrying transient failures with exponential backoff until
// the configured window elapses.
func (c *Client) Track(ctx context.Context, trackingNumber string) (TrackingResult, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return TrackingResult{}, errors.New("carrier: tracking number is required")
	}
	if c == nil {
		return TrackingResult{}, ErrNotConfigured
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = c.trackWindow

	attempt := 0
	var out TrackingResult
	operation := func() error {
		attempt++
		var resp trackResponse
		err := c.do(ctx, "track", http.MethodPost, pathTrack, trackRequest{
			IncludeDetailedScans: true,
			TrackingInfo:         []trackingInfo{{TrackingNumber: trackingNumber}},
		}, &resp, nil)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger(ctx, "carrier.track.retrying", map[string]any{"attempt": attempt, "error": err})
			return err
		}
		result, err := resp.result(trackingNumber)
		if err != nil {
			return backoff.Permanent(err)
		}
		out = result
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return TrackingResult{}, err
	}
	return out, nil
}
