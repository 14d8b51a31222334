package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/MartinMaseko/locals.za-sub000/internal/di"
	"github.com/MartinMaseko/locals.za-sub000/internal/handlers"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/auth"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/config"
	pfirestore "github.com/MartinMaseko/locals.za-sub000/internal/platform/firestore"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/idempotency"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/jobs"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/observability"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/secrets"
	platformstorage "github.com/MartinMaseko/locals.za-sub000/internal/platform/storage"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
	firestoreRepo "github.com/MartinMaseko/locals.za-sub000/internal/repositories/firestore"
	memoryRepo "github.com/MartinMaseko/locals.za-sub000/internal/repositories/memory"
	postgresRepo "github.com/MartinMaseko/locals.za-sub000/internal/repositories/postgres"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

const meterName = "github.com/MartinMaseko/locals.za-sub000"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	resolver, err := newSecretResolver(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(resolver.Resolve)))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)
	meter := otel.GetMeterProvider().Meter(meterName)

	var extraChecks []repositories.DependencyCheck

	publisher, closePublisher, check, err := newEventPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	defer closePublisher()
	if check != nil {
		extraChecks = append(extraChecks, *check)
	}

	reportStore, closeReports, check, err := newReportStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise report storage", zap.Error(err))
	}
	defer closeReports()
	if check != nil {
		extraChecks = append(extraChecks, *check)
	}

	registry, idemStore, err := openRegistry(ctx, cfg, extraChecks)
	if err != nil {
		logger.Fatal("failed to initialise storage backend", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}

	deps := di.Dependencies{
		Events: publisher,
		Logger: observability.ServiceLogger(logger.Named("services")),
		Meter:  meter,
		Build:  buildInfo,
		Clock:  time.Now,
	}
	if reportStore != nil {
		deps.ReportStore = reportStore
	}
	container, err := di.NewContainer(cfg, registry, deps)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()
	svc := container.Services

	var authenticator *auth.Authenticator
	if cfg.Firebase.ProjectID != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		authenticator = auth.NewAuthenticator(firebaseVerifier)
	} else {
		logger.Warn("firebase project not configured; authenticated routes will reject requests")
	}

	idemOpts := []idempotency.MiddlewareOption{
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	}
	if cfg.Idempotency.RequireKey {
		idemOpts = append(idemOpts, idempotency.RequireKey())
	}
	idemMiddleware := idempotency.Middleware(idemStore, idemOpts...)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	var janitorWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		janitorWG.Add(1)
		go func() {
			defer janitorWG.Done()
			idempotency.Janitor(janitorCtx, idemStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
		}()
	}

	cashoutLimiter := handlers.NewWindowRateLimiter(cfg.RateLimits.CashoutsPerWindow, cfg.RateLimits.CashoutWindow, time.Now)

	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, svc.Settlement,
		handlers.WithOrderIdempotency(idemMiddleware))
	settlementHandlers := handlers.NewSettlementHandlers(authenticator, svc.Settlement,
		handlers.WithSettlementIdempotency(idemMiddleware),
		handlers.WithCashoutRateLimiter(cashoutLimiter))
	procurementHandlers := handlers.NewProcurementHandlers(authenticator, svc.Procurement)
	dashboardHandlers := handlers.NewDashboardHandlers(authenticator, svc.Dashboard)
	reportHandlers := handlers.NewReportHandlers(authenticator, svc.Reports)
	internalHandlers := handlers.NewInternalHandlers(svc.Settlement)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Orders)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCORS(cfg.CORS.AllowedOrigins...),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithProcurementRoutes(procurementHandlers.Routes),
		handlers.WithDriverRoutes(settlementHandlers.DriverRoutes),
		handlers.WithCashoutRoutes(settlementHandlers.CashoutRoutes),
		handlers.WithDashboardRoutes(dashboardHandlers.Routes),
		handlers.WithReportRoutes(reportHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg)),
	}
	if hmac := buildHMACMiddleware(logger.Named("auth"), cfg); hmac != nil {
		opts = append(opts,
			handlers.WithWebhookRoutes(webhookHandlers.Routes),
			handlers.WithWebhookMiddlewares(hmac, idemMiddleware),
		)
	} else {
		logger.Warn("checkout webhook secret not configured; webhook routes disabled")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("backend", cfg.Store.Backend))
	go func() {
		serverLogger.Info("fulfilment api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopJanitor()
	janitorWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// openRegistry selects the persistence backend and the matching idempotency store.
func openRegistry(ctx context.Context, cfg config.Config, checks []repositories.DependencyCheck) (repositories.Registry, idempotency.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendFirestore:
		var providerOpts []pfirestore.ProviderOption
		if cfg.Firebase.CredentialsFile != "" {
			providerOpts = append(providerOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
		}
		provider := pfirestore.NewProvider(cfg.Firestore, providerOpts...)
		store, err := firestoreRepo.NewStore(provider, checks...)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, err
		}
		return store, idempotency.NewFirestoreStore(provider), nil
	case config.BackendPostgres:
		store, err := postgresRepo.Open(ctx, cfg.Store.PostgresDSN, checks...)
		if err != nil {
			return nil, nil, err
		}
		idem, err := idempotency.NewPostgresStore(ctx, store.DB())
		if err != nil {
			_ = store.Close(ctx)
			return nil, nil, err
		}
		return store, idem, nil
	default:
		return memoryRepo.NewStore(), idempotency.NewMemoryStore(), nil
	}
}

// newEventPublisher connects the domain event topic. Without a topic events are dropped.
func newEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.EventPublisher, func(), *repositories.DependencyCheck, error) {
	noop := func() {}
	if cfg.PubSub.EventsTopic == "" || cfg.PubSub.ProjectID == "" {
		logger.Info("domain event publishing disabled")
		return nil, noop, nil, nil
	}
	var clientOpts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, clientOpts...)
	if err != nil {
		return nil, noop, nil, err
	}
	topic := client.Topic(cfg.PubSub.EventsTopic)
	publisher, err := jobs.NewPubSubEventPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, noop, nil, err
	}
	check := &repositories.DependencyCheck{
		Name:    "pubsub",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s not found", cfg.PubSub.EventsTopic)
			}
			return nil
		},
	}
	closer := func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	return publisher, closer, check, nil
}

// newReportStore connects the reports bucket. Without a bucket exports are streamed inline.
func newReportStore(ctx context.Context, cfg config.Config) (*platformstorage.ReportStore, func(), *repositories.DependencyCheck, error) {
	noop := func() {}
	bucket := strings.TrimSpace(cfg.Storage.ReportsBucket)
	if bucket == "" {
		return nil, noop, nil, nil
	}
	var clientOpts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	client, err := cloudstorage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, noop, nil, err
	}
	var storeOpts []platformstorage.ReportStoreOption
	if keyFile := strings.TrimSpace(cfg.Storage.SignerKeyFile); keyFile != "" {
		signing, err := platformstorage.ServiceAccountKeyFromFile(keyFile)
		if err != nil {
			_ = client.Close()
			return nil, noop, nil, err
		}
		storeOpts = append(storeOpts, signing)
	}
	store, err := platformstorage.NewReportStore(client, bucket, storeOpts...)
	if err != nil {
		_ = client.Close()
		return nil, noop, nil, err
	}
	check := &repositories.DependencyCheck{
		Name:    "reportsBucket",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			_, err := client.Bucket(bucket).Attrs(ctx)
			return err
		},
	}
	return store, func() { _ = client.Close() }, check, nil
}

func newSecretResolver(ctx context.Context, logger *zap.Logger) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		value, err := config.Lookup(key)
		if err != nil {
			logger.Warn("config lookup failed", zap.String("key", key), zap.Error(err))
			return ""
		}
		return value
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	if project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if path := lookup("API_SECRETS_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if file := lookup("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewResolver(ctx, opts...)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger))
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secret := strings.TrimSpace(cfg.Security.CheckoutWebhookSecret)
	if secret == "" {
		return nil
	}
	validator := auth.NewHMACValidator(secret, auth.NewMemoryNonceStore(), auth.WithHMACLogger(logger))
	return validator.RequireHMAC()
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version, _ := config.Lookup("API_BUILD_VERSION")
	if version == "" {
		version = "dev"
	}
	commit, _ := config.Lookup("API_BUILD_COMMIT_SHA")
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
