package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	testAudience = "https://engine.example.com/internal"
	testIssuer   = "https://accounts.google.com"
)

type oidcFixture struct {
	key      *rsa.PrivateKey
	requests *atomic.Int32
	cache    *JWKSCache
	now      time.Time
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	requests := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     "kid-1",
			Algorithm: jwt.SigningMethodRS256.Alg(),
			Use:       "sig",
		}}})
	}))
	t.Cleanup(server.Close)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &oidcFixture{
		key:      key,
		requests: requests,
		now:      now,
		cache:    NewJWKSCache(server.URL, WithJWKSClock(func() time.Time { return now })),
	}
}

func (f *oidcFixture) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   "scheduler-sa",
		"email": "scheduler@project.iam.gserviceaccount.com",
		"exp":   f.now.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *oidcFixture) serve(token string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	validator := NewOIDCValidator(f.cache, WithOIDCClock(func() time.Time { return f.now }))
	var identity *ServiceIdentity
	handler := validator.RequireOIDC(testAudience, []string{testIssuer})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/ledger:audit", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, identity
}

func TestJWKSCacheReusesKeysWithinMaxAge(t *testing.T) {
	f := newOIDCFixture(t)
	for i := 0; i < 3; i++ {
		key, err := f.cache.Key(context.Background(), "kid-1")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if _, ok := key.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", key)
		}
	}
	if got := f.requests.Load(); got != 1 {
		t.Fatalf("expected a single fetch, got %d", got)
	}
}

func TestJWKSCacheUnknownKid(t *testing.T) {
	f := newOIDCFixture(t)
	if _, err := f.cache.Key(context.Background(), "other"); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

func TestRequireOIDCAcceptsValidToken(t *testing.T) {
	f := newOIDCFixture(t)
	rr, identity := f.serve(f.token(t, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if identity == nil || identity.Subject != "scheduler-sa" || identity.Issuer != testIssuer {
		t.Fatalf("unexpected service identity %#v", identity)
	}
}

func TestRequireOIDCRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		status int
	}{
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "https://other" }, http.StatusUnauthorized},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, http.StatusUnauthorized},
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC).Unix() }, http.StatusUnauthorized},
		{"missing expiry", func(c jwt.MapClaims) { delete(c, "exp") }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOIDCFixture(t)
			rr, identity := f.serve(f.token(t, tc.mutate))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if identity != nil {
				t.Fatalf("handler must not run")
			}
		})
	}
}

func TestRequireOIDCMissingToken(t *testing.T) {
	f := newOIDCFixture(t)
	rr, _ := f.serve("")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireOIDCWithoutAudience(t *testing.T) {
	f := newOIDCFixture(t)
	handler := NewOIDCValidator(f.cache).RequireOIDC("", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
