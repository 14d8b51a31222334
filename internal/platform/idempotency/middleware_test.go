package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newCashoutRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/drivers/drv-1/cashouts", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderName, key)
	}
	identity := &auth.Identity{UID: "drv-1", Roles: []string{auth.RoleDriver}}
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func TestMiddlewareRequiresKeyWhenConfigured(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore(), RequireKey())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newCashoutRequest("", `{}`))

	if called {
		t.Fatal("handler should not run without a key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newCashoutRequest("", `{}`))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both requests to reach the handler, got %d", calls)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"cashout_id":"co-1"}`))
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newCashoutRequest("cash-1", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newCashoutRequest("cash-1", `{}`))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatal("expected replay header")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected stored content type, got %q", second.Header().Get("Content-Type"))
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected body %s, got %s", first.Body.String(), second.Body.String())
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newCashoutRequest("shared", `{}`))

	other := newCashoutRequest("shared", `{}`)
	other = other.WithContext(auth.WithIdentity(context.Background(), &auth.Identity{UID: "drv-2"}))
	handler.ServeHTTP(httptest.NewRecorder(), other)

	if calls != 2 {
		t.Fatalf("expected keys to be scoped per caller, got %d calls", calls)
	}
}

func TestMiddlewareRejectsDifferentBodyForSameKey(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newCashoutRequest("same", `{"a":1}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newCashoutRequest("same", `{"a":2}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewareRejectsConcurrentRetry(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler should not run while the key is pending")
		}))

	req := newCashoutRequest("pending", `{}`)
	body, err := readAndReplayBody(req)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	caller := requester(req.Context())
	if _, err := store.Reserve(req.Context(), caller+"|pending", requestFingerprint(req, body, caller), fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newCashoutRequest("retry", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newCashoutRequest("retry", `{}`))

	if first.Code != http.StatusServiceUnavailable || second.Code != http.StatusCreated {
		t.Fatalf("unexpected statuses %d then %d", first.Code, second.Code)
	}
	if calls != 2 {
		t.Fatalf("expected retry after server error, got %d calls", calls)
	}
}

func TestMiddlewareSaveFailureReleasesReservation(t *testing.T) {
	store := &stubStore{failSave: true}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newCashoutRequest("fail", `{}`))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected handler response to be delivered, got %d", rr.Code)
	}
	if !store.released {
		t.Fatal("expected reservation to be released after save failure")
	}
}

func TestMemoryStoreExpiresRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	reservation, err := store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("expected expired key to be reusable: %v", err)
	}
	if reservation.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", reservation.State)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(time.Hour), 0)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired record removed, got %d (%v)", removed, err)
	}
}

type stubStore struct {
	failSave bool
	released bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorCode(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}

func TestJanitorRemovesExpiredKeys(t *testing.T) {
	store := NewMemoryStore()
	past := time.Now().Add(-2 * time.Hour)
	if _, err := store.Reserve(context.Background(), "stale", "fp", past, time.Hour); err != nil {
		t.Fatalf("reserve stale: %v", err)
	}
	if _, err := store.Reserve(context.Background(), "fresh", "fp", time.Now(), time.Hour); err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Janitor(ctx, store, 5*time.Millisecond, 10, nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		remaining := len(store.records)
		store.mu.Unlock()
		if remaining == 1 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected stale key to be removed, %d records remain", remaining)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if _, ok := store.records[documentID("fresh")]; !ok {
		t.Fatalf("fresh key should survive cleanup")
	}
}
