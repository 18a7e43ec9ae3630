package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storefront/fulfillment/internal/platform/auth"
)

var testNow = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newRequest(body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/intents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	ctx := auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}})
	return req.WithContext(ctx)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Error
}

func TestMiddlewareRequiresKey(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a key")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(`{}`, ""))
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "idempotency_key_required" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareOptionalPassesThrough(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), Optional())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest(`{}`, ""))
	}
	if calls != 2 {
		t.Fatalf("expected both keyless requests to reach the handler, got %d", calls)
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return testNow }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"intentId":"pi_1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest(`{"cart":"c1"}`, "k-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest(`{"cart":"c1"}`, "k-1"))

	if calls != 1 {
		t.Fatalf("expected handler once, got %d", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %q", second.Code, second.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatal("expected replay header")
	}
	if first.Header().Get(ReplayHeader) != "" {
		t.Fatal("first response must not be marked as replay")
	}
}

func TestMiddlewareRejectsReusedKey(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{"cart":"c1"}`, "k-2"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(`{"cart":"c2"}`, "k-2"))
	if rec.Code != http.StatusUnprocessableEntity || errorCode(t, rec) != "idempotency_key_reused" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareBusyKey(t *testing.T) {
	store := NewMemoryStore()
	req := newRequest(`{"cart":"c1"}`, "k-3")
	body, _ := bufferBody(req)
	caller := callerOf(req.Context())
	if _, _, err := store.Reserve(context.Background(), caller+"|k-3", fingerprintOf(req, caller, body), testNow, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	handler := Middleware(store, WithClock(func() time.Time { return testNow }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while key is in flight")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "idempotency_in_progress" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareServerErrorReleasesKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest(`{}`, "k-4"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest(`{}`, "k-4"))

	if first.Code != http.StatusBadGateway || second.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry after server error, got %d then %d (%d calls)", first.Code, second.Code, calls)
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{}`, "shared"))

	other := newRequest(`{}`, "shared")
	other = other.WithContext(auth.WithIdentity(other.Context(), &auth.Identity{UID: "user-2"}))
	handler.ServeHTTP(httptest.NewRecorder(), other)
	if calls != 2 {
		t.Fatalf("expected keys isolated per caller, got %d calls", calls)
	}
}

type failingStore struct {
	*MemoryStore
	released bool
}

func (f *failingStore) Complete(context.Context, string, string, CapturedResponse, time.Time, time.Duration) error {
	return errors.New("write failed")
}

func (f *failingStore) Release(ctx context.Context, key string) error {
	f.released = true
	return f.MemoryStore.Release(ctx, key)
}

func TestMiddlewareStoreFailureStillResponds(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(`{}`, "k-5"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected handler response, got %d", rec.Code)
	}
	if !store.released {
		t.Fatal("expected key released after store failure")
	}
}

func TestJanitorPurgesExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.Reserve(ctx, "old", "f", testNow.Add(-2*time.Hour), time.Hour)
	_, _, _ = store.Reserve(ctx, "fresh", "f", testNow, time.Hour)

	janitor := NewJanitor(store, time.Minute, 10, nil)
	janitor.now = func() time.Time { return testNow }
	if removed := janitor.Sweep(ctx); removed != 1 {
		t.Fatalf("expected one purged key, got %d", removed)
	}
	if outcome, _, _ := store.Reserve(ctx, "fresh", "f", testNow, time.Hour); outcome != OutcomeBusy {
		t.Fatalf("fresh key should remain in flight, got %v", outcome)
	}
}
