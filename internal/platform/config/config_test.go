package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func load(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	base := []Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}
	return Load(context.Background(), append(base, opts...)...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := load(t, map[string]string{"API_FIREBASE_PROJECT_ID": "locals-dev"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Firestore.ProjectID != "locals-dev" || cfg.PubSub.ProjectID != "locals-dev" || cfg.Secrets.DefaultProjectID != "locals-dev" {
		t.Errorf("expected project ids to default to firebase project, got %#v", cfg)
	}
	if cfg.PubSub.EventsTopic != defaultEventsTopic {
		t.Errorf("expected default events topic, got %q", cfg.PubSub.EventsTopic)
	}
	if cfg.Settlement.PerDeliveryFeeCents != 4000 || cfg.Settlement.Currency != "ZAR" {
		t.Errorf("unexpected settlement defaults %#v", cfg.Settlement)
	}
	if !cfg.Dashboard.DataCutoff.IsZero() {
		t.Errorf("expected zero data cutoff, got %s", cfg.Dashboard.DataCutoff)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("unexpected oidc defaults %#v", cfg.Security.OIDC)
	}
	if len(cfg.CORS.AllowedOrigins) != 0 {
		t.Errorf("expected no cors origins, got %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Idempotency.TTL != 24*time.Hour || cfg.Idempotency.RequireKey {
		t.Errorf("unexpected idempotency defaults %#v", cfg.Idempotency)
	}
	if cfg.RateLimits.CashoutsPerWindow != 5 || cfg.RateLimits.CashoutWindow != time.Hour {
		t.Errorf("unexpected rate limit defaults %#v", cfg.RateLimits)
	}
}

func TestLoadIdempotencyAndRateLimitOverrides(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"API_IDEMPOTENCY_TTL":          "2h",
		"API_IDEMPOTENCY_REQUIRE_KEY":  "true",
		"API_RATELIMIT_CASHOUTS":       "0",
		"API_RATELIMIT_CASHOUT_WINDOW": "10m",
	})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Idempotency.TTL != 2*time.Hour || !cfg.Idempotency.RequireKey {
		t.Errorf("unexpected idempotency config %#v", cfg.Idempotency)
	}
	if cfg.RateLimits.CashoutsPerWindow != 0 || cfg.RateLimits.CashoutWindow != 10*time.Minute {
		t.Errorf("unexpected rate limit config %#v", cfg.RateLimits)
	}
}

func TestLoadWithoutProjectLeavesEventsDisabled(t *testing.T) {
	cfg, err := load(t, map[string]string{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PubSub.EventsTopic != "" {
		t.Fatalf("expected events disabled, got %q", cfg.PubSub.EventsTopic)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                 "9090",
		"API_SERVER_WRITE_TIMEOUT":        "25s",
		"API_STORAGE_BACKEND":             "Postgres",
		"API_POSTGRES_DSN":                "sm://postgres_dsn",
		"API_FIREBASE_PROJECT_ID":         "locals-prod",
		"API_PUBSUB_PROJECT_ID":           "locals-events",
		"API_EVENTS_TOPIC":                "orders",
		"API_STORAGE_REPORTS_BUCKET":      "locals-reports",
		"API_STORAGE_SIGNER_KEY_FILE":     "/secrets/signer.json",
		"API_SETTLEMENT_PER_DELIVERY_FEE": "4500",
		"API_SETTLEMENT_CURRENCY":         "usd",
		"API_DASHBOARD_DATA_CUTOFF":       "2024-10-01T00:00:00+02:00",
		"API_OIDC_AUDIENCE":               "https://engine.example.com",
		"API_OIDC_ISSUERS":                "https://accounts.google.com, https://cloud.google.com/iap",
		"API_CORS_ALLOWED_ORIGINS":        "https://locals.za, https://admin.locals.za",
		"API_CHECKOUT_WEBHOOK_SECRET":     "secret://checkout_hmac",
	}
	secrets := map[string]string{
		"secret://postgres_dsn":  "postgres://db/engine",
		"secret://checkout_hmac": " hmac-value ",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := load(t, env, WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Server.WriteTimeout != 25*time.Second {
		t.Errorf("unexpected server config %#v", cfg.Server)
	}
	if cfg.Store.Backend != BackendPostgres || cfg.Store.PostgresDSN != "postgres://db/engine" {
		t.Errorf("unexpected store config %#v", cfg.Store)
	}
	if cfg.PubSub.ProjectID != "locals-events" || cfg.PubSub.EventsTopic != "orders" {
		t.Errorf("unexpected pubsub config %#v", cfg.PubSub)
	}
	if cfg.Settlement.PerDeliveryFeeCents != 4500 || cfg.Settlement.Currency != "USD" {
		t.Errorf("unexpected settlement config %#v", cfg.Settlement)
	}
	wantCutoff := time.Date(2024, 9, 30, 22, 0, 0, 0, time.UTC)
	if !cfg.Dashboard.DataCutoff.Equal(wantCutoff) || cfg.Dashboard.DataCutoff.Location() != time.UTC {
		t.Errorf("unexpected cutoff %s", cfg.Dashboard.DataCutoff)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("unexpected issuers %v", cfg.Security.OIDC.Issuers)
	}
	if !slices.Equal(cfg.CORS.AllowedOrigins, []string{"https://locals.za", "https://admin.locals.za"}) {
		t.Errorf("unexpected origins %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Security.CheckoutWebhookSecret != "hmac-value" {
		t.Errorf("expected trimmed webhook secret, got %q", cfg.Security.CheckoutWebhookSecret)
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_STORAGE_BACKEND": "postgres",
		"API_POSTGRES_DSN":    "secret://postgres_dsn",
	})
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Field != "Store.PostgresDSN" || !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("unexpected secret error %#v", secretErr)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{"unknown backend", map[string]string{"API_STORAGE_BACKEND": "mongo"}, "Store.Backend"},
		{"firestore without project", map[string]string{"API_STORAGE_BACKEND": "firestore"}, "Firestore.ProjectID"},
		{"postgres without dsn", map[string]string{"API_STORAGE_BACKEND": "postgres"}, "Store.PostgresDSN"},
		{"non-positive fee", map[string]string{"API_SETTLEMENT_PER_DELIVERY_FEE": "0"}, "Settlement.PerDeliveryFeeCents"},
		{"unknown currency", map[string]string{"API_SETTLEMENT_CURRENCY": "RANDS"}, "Settlement.Currency"},
		{"malformed cutoff", map[string]string{"API_DASHBOARD_DATA_CUTOFF": "yesterday"}, "Dashboard.DataCutoff"},
		{"signer without bucket", map[string]string{"API_STORAGE_SIGNER_KEY_FILE": "/k.json"}, "Storage.ReportsBucket"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.env)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !slices.Contains(validationErr.Fields(), tc.field) {
				t.Fatalf("expected %s in %v", tc.field, validationErr.Fields())
			}
		})
	}
}

func TestLoadReadsDotEnvWithLowestPrecedence(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	contents := "API_SERVER_PORT=7000\nexport API_SETTLEMENT_CURRENCY=\"eur\"\n# comment\nAPI_EVENTS_TOPIC=from-file\n"
	if err := os.WriteFile(envPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithEnvFile(envPath),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "7100"}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7100" {
		t.Errorf("expected env map to win, got %s", cfg.Server.Port)
	}
	if cfg.Settlement.Currency != "EUR" {
		t.Errorf("expected currency from .env, got %s", cfg.Settlement.Currency)
	}
	if cfg.PubSub.EventsTopic != "from-file" {
		t.Errorf("expected topic from .env, got %s", cfg.PubSub.EventsTopic)
	}

	port, err := Lookup("API_SERVER_PORT", WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if port != "7000" {
		t.Errorf("expected Lookup to read .env, got %s", port)
	}
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	if _, err := Load(context.Background(), WithEnvFile(filepath.Join(t.TempDir(), "absent.env")), WithoutSystemEnv()); err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}
