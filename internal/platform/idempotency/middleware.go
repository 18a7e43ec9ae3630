package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storefront/fulfillment/internal/platform/auth"
	"github.com/storefront/fulfillment/internal/platform/httpx"
)

const (
	defaultHeader = "Idempotency-Key"
	// ReplayHeader marks responses served from the store.
	ReplayHeader    = "Idempotent-Replayed"
	maxKeyLength    = 255
	maxCapturedBody = 1 << 20
)

// Logger is satisfied by observability.PrintfAdapter.
type Logger interface {
	Printf(format string, args ...any)
}

type options struct {
	header   string
	ttl      time.Duration
	required bool
	clock    func() time.Time
	logger   Logger
}

// Option customises the middleware.
type Option func(*options)

func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// Optional lets requests without a key bypass the store instead of being rejected.
func Optional() Option {
	return func(o *options) { o.required = false }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Middleware stores the first response for each (caller, key) pair and replays it for
// retries carrying the same key and body. Server errors are not stored so the caller may
// retry with the same key.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := options{header: defaultHeader, ttl: DefaultTTL, required: true, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	logf := func(format string, args ...any) {
		if cfg.logger != nil {
			cfg.logger.Printf(format, args...)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				if !cfg.required {
					next.ServeHTTP(w, r)
					return
				}
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}

			caller := callerOf(ctx)
			storeKey := caller + "|" + key
			fingerprint := fingerprintOf(r, caller, body)

			outcome, entry, err := store.Reserve(ctx, storeKey, fingerprint, cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was used with a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logf("idempotency: reserve %s failed: %v", caller, err)
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch outcome {
			case OutcomeReplay:
				replay(w, entry)
				return
			case OutcomeBusy:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still processing", http.StatusConflict))
				return
			}

			capture := &capturingWriter{header: make(http.Header)}
			next.ServeHTTP(capture, r)

			if capture.statusCode() >= http.StatusInternalServerError {
				if err := store.Release(context.WithoutCancel(ctx), storeKey); err != nil {
					logf("idempotency: release after server error failed: %v", err)
				}
			} else {
				resp := CapturedResponse{StatusCode: capture.statusCode(), Headers: capture.header, Body: capture.body.Bytes()}
				if err := store.Complete(context.WithoutCancel(ctx), storeKey, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
					logf("idempotency: storing response failed: %v", err)
					if err := store.Release(context.WithoutCancel(ctx), storeKey); err != nil {
						logf("idempotency: release after store failure failed: %v", err)
					}
				}
			}
			capture.flushTo(w)
		})
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(data) > maxCapturedBody {
		return nil, errors.New("idempotency: request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func callerOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return "svc:" + svc.Subject
	}
	return "anonymous"
}

func fingerprintOf(r *http.Request, caller string, body []byte) string {
	parts := []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, caller, digest(body)}
	return digest([]byte(strings.Join(parts, "\n")))
}

func replay(w http.ResponseWriter, entry Entry) {
	for name, values := range entry.Headers {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	code := entry.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	if len(entry.Body) > 0 {
		_, _ = w.Write(entry.Body)
	}
}

// capturingWriter buffers the handler output so it can be stored before it is sent.
type capturingWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (c *capturingWriter) Header() http.Header { return c.header }

func (c *capturingWriter) WriteHeader(code int) {
	if c.code == 0 {
		c.code = code
	}
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	if c.code == 0 {
		c.code = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capturingWriter) statusCode() int {
	if c.code == 0 {
		return http.StatusOK
	}
	return c.code
}

func (c *capturingWriter) flushTo(w http.ResponseWriter) {
	for name, values := range c.header {
		w.Header()[name] = values
	}
	w.WriteHeader(c.statusCode())
	_, _ = w.Write(c.body.Bytes())
}
