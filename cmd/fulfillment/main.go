package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront/fulfillment/internal/carrier"
	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/handlers"
	"github.com/storefront/fulfillment/internal/packaging"
	"github.com/storefront/fulfillment/internal/payments"
	"github.com/storefront/fulfillment/internal/platform/auth"
	"github.com/storefront/fulfillment/internal/platform/cache"
	"github.com/storefront/fulfillment/internal/platform/config"
	pfirestore "github.com/storefront/fulfillment/internal/platform/firestore"
	"github.com/storefront/fulfillment/internal/platform/idempotency"
	"github.com/storefront/fulfillment/internal/platform/jobs"
	"github.com/storefront/fulfillment/internal/platform/observability"
	"github.com/storefront/fulfillment/internal/platform/secrets"
	platformstorage "github.com/storefront/fulfillment/internal/platform/storage"
	"github.com/storefront/fulfillment/internal/repositories"
	firestoreRepo "github.com/storefront/fulfillment/internal/repositories/firestore"
	"github.com/storefront/fulfillment/internal/repositories/memory"
	"github.com/storefront/fulfillment/internal/services"
)

const (
	carrierSecretName = "carrier"
	storeBackendEnv   = "FULFILLMENT_STORE_BACKEND"
)

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

	logger := baseLogger.Named("fulfillment")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	meter := otel.Meter("github.com/storefront/fulfillment")

	var (
		store            repoSet
		idempotencyStore idempotency.Store
		probes           []repositories.DependencyProbe
	)
	if strings.EqualFold(strings.TrimSpace(envValues[storeBackendEnv]), "memory") {
		logger.Warn("using in-memory stores; state is lost on restart")
		store = newMemoryRepoSet()
		idempotencyStore = idempotency.NewMemoryStore()
	} else {
		provider := pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		store, err = newFirestoreRepoSet(provider)
		if err != nil {
			logger.Fatal("failed to initialise firestore repositories", zap.Error(err))
		}
		idempotencyStore = idempotency.NewFirestoreStore(provider)
		probes = append(probes, repositories.DependencyProbe{Name: "firestore", Check: provider.Ping})
	}
	probes = append(probes, secretManagerProbe(fetcher))

	dedup, nonces, redisProbe, closeRedis, err := newDedupStores(cfg)
	if err != nil {
		logger.Fatal("failed to initialise dedup stores", zap.Error(err))
	}
	defer closeRedis()
	if redisProbe != nil {
		probes = append(probes, *redisProbe)
	}

	events, closeEvents, err := newEventPublisher(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise order event publishers", zap.Error(err))
	}
	defer closeEvents()

	if strings.TrimSpace(cfg.Payments.StripeAPIKey) == "" {
		logger.Fatal("stripe api key is required")
	}
	gateway, err := payments.NewStripeGateway(payments.StripeConfig{
		APIKey:        cfg.Payments.StripeAPIKey,
		WebhookSecret: cfg.Payments.StripeWebhookSecret,
		Currency:      cfg.Payments.Currency,
		Timeout:       cfg.Payments.Timeout,
		Logger:        payments.Logger(observability.ServiceLogger(logger, "stripe")),
		Clock:         time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
	}

	carrierClient, err := carrier.NewClient(carrier.Config{
		BaseURL:            cfg.Carrier.BaseURL,
		TokenURL:           cfg.Carrier.TokenURL,
		ClientID:           cfg.Carrier.ClientID,
		ClientSecret:       cfg.Carrier.ClientSecret,
		AccountNumber:      cfg.Carrier.AccountNumber,
		Timeout:            cfg.Carrier.Timeout,
		RequestsPerSecond:  cfg.Carrier.RequestsPerSecond,
		Burst:              cfg.Carrier.Burst,
		TrackingRetryLimit: cfg.Carrier.TrackingRetryLimit,
		Logger:             carrier.Logger(observability.ServiceLogger(logger, "carrier")),
		Meter:              meter,
	})
	if err != nil {
		logger.Fatal("failed to initialise carrier client", zap.Error(err))
	}

	labels, closeLabels, err := newLabelArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise label archive", zap.Error(err))
	}
	defer closeLabels()

	coupons, err := services.NewCouponLedger(services.CouponLedgerDeps{
		Coupons: store.coupons,
		Clock:   time.Now,
		Logger:  observability.ServiceLogger(logger, "coupons"),
	})
	if err != nil {
		logger.Fatal("failed to initialise coupon ledger", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: store.orders,
		Events: events,
		Clock:  time.Now,
		Logger: observability.ServiceLogger(logger, "orders"),
		Meter:  meter,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:           store.orders,
		Carts:            store.carts,
		Inventory:        store.inventory,
		Counters:         store.counters,
		PendingIntents:   store.pendingIntents,
		Customers:        store.customers,
		Coupons:          coupons,
		Gateway:          gateway,
		Dedup:            dedup,
		Events:           events,
		Currency:         cfg.Payments.Currency,
		TaxRate:          cfg.Payments.TaxRate,
		PendingIntentTTL: cfg.Payments.PendingIntentTTL,
		PendingGrace:     cfg.Reconciliation.PendingGrace,
		Clock:            time.Now,
		Logger:           observability.ServiceLogger(logger, "payments"),
		Meter:            meter,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment reconciler", zap.Error(err))
	}

	shipments, err := services.NewShipmentOrchestrator(services.ShipmentOrchestratorDeps{
		Orders:         store.orders,
		Carts:          store.carts,
		Carrier:        carrierClient,
		Planner:        packaging.NewPlanner(packaging.DefaultLimits()),
		Labels:         labels,
		Shipper:        shipperAddress(cfg.Carrier.Shipper),
		CarrierName:    cfg.Carrier.Name,
		DefaultService: cfg.Carrier.DefaultService,
		Events:         events,
		Clock:          time.Now,
		Logger:         observability.ServiceLogger(logger, "shipments"),
		Meter:          meter,
	})
	if err != nil {
		logger.Fatal("failed to initialise shipment orchestrator", zap.Error(err))
	}

	saga, err := services.NewCancellationSaga(services.CancellationSagaDeps{
		Orders:    store.orders,
		Inventory: store.inventory,
		Gateway:   gateway,
		Shipments: shipments,
		Events:    events,
		Clock:     time.Now,
		Logger:    observability.ServiceLogger(logger, "cancellations"),
		Meter:     meter,
	})
	if err != nil {
		logger.Fatal("failed to initialise cancellation saga", zap.Error(err))
	}

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
	janitor := idempotency.NewJanitor(idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize,
		observability.NewPrintfAdapter(logger.Named("idempotency")))

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)
	carrierAuth := buildHMACMiddleware(logger.Named("auth"), cfg, nonces)
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)

	healthChecker, err := repositories.NewHealthChecker(probes, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise health checker", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthReporter(healthChecker),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(authenticator, reconciler, idempotencyMiddleware).Routes),
		handlers.WithShippingRoutes(handlers.NewShippingHandlers(authenticator, shipments).Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, orderService, saga, shipments).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminOrderHandlers(authenticator, orderService, shipments, saga).Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(reconciler, shipments, carrierAuth).Routes),
		handlers.WithInternalRoutes(handlers.NewInternalHandlers(reconciler, saga).Routes),
		handlers.WithInternalMiddlewares(oidcMiddleware),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	backgroundWG.Add(1)
	go func() {
		defer backgroundWG.Done()
		janitor.Run(backgroundCtx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("fulfillment api listening",
			zap.String("version", buildInfo.Version),
			zap.String("environment", buildInfo.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// repoSet is the persistence backing every service.
type repoSet struct {
	orders         repositories.OrderRepository
	carts          repositories.CartRepository
	inventory      repositories.InventoryRepository
	counters       repositories.CounterRepository
	pendingIntents repositories.PendingIntentRepository
	customers      repositories.CustomerRepository
	coupons        repositories.CouponRepository
}

func newFirestoreRepoSet(provider *pfirestore.Provider) (repoSet, error) {
	var set repoSet
	orders, err := firestoreRepo.NewOrderRepository(provider)
	if err != nil {
		return set, err
	}
	carts, err := firestoreRepo.NewCartRepository(provider)
	if err != nil {
		return set, err
	}
	inventory, err := firestoreRepo.NewInventoryRepository(provider)
	if err != nil {
		return set, err
	}
	counters, err := firestoreRepo.NewCounterRepository(provider)
	if err != nil {
		return set, err
	}
	pending, err := firestoreRepo.NewPendingIntentRepository(provider)
	if err != nil {
		return set, err
	}
	customers, err := firestoreRepo.NewCustomerRepository(provider)
	if err != nil {
		return set, err
	}
	coupons, err := firestoreRepo.NewCouponRepository(provider)
	if err != nil {
		return set, err
	}
	return repoSet{
		orders:         orders,
		carts:          carts,
		inventory:      inventory,
		counters:       counters,
		pendingIntents: pending,
		customers:      customers,
		coupons:        coupons,
	}, nil
}

func newMemoryRepoSet() repoSet {
	return repoSet{
		orders:         memory.NewOrderStore(),
		carts:          memory.NewCartStore(),
		inventory:      memory.NewInventoryStore(),
		counters:       memory.NewCounterStore(),
		pendingIntents: memory.NewPendingIntentStore(),
		customers:      memory.NewCustomerStore(),
		coupons:        memory.NewCouponStore(),
	}
}

// newDedupStores returns the webhook deduper and the HMAC nonce store. Both share Redis
// when it is configured and fall back to process memory otherwise.
func newDedupStores(cfg config.Config) (services.WebhookDeduper, auth.NonceClaimer, *repositories.DependencyProbe, func(), error) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cache.NewMemoryDeduper(cfg.Redis.WebhookDedupTTL, time.Now),
			cache.NewMemoryDeduper(cfg.Security.HMAC.NonceTTL, time.Now),
			nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closeClient := func() { _ = client.Close() }
	webhooks, err := cache.NewRedisDeduper(client, cfg.Redis.WebhookDedupTTL)
	if err != nil {
		closeClient()
		return nil, nil, nil, nil, err
	}
	nonces, err := cache.NewRedisDeduper(client, cfg.Security.HMAC.NonceTTL)
	if err != nil {
		closeClient()
		return nil, nil, nil, nil, err
	}
	probe := &repositories.DependencyProbe{
		Name:    "redis",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
	return webhooks, nonces, probe, closeClient, nil
}

func newEventPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.OrderEventPublisher, func(), error) {
	var (
		sinks   jobs.FanOut
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if topicName := strings.TrimSpace(cfg.Events.PubSubTopic); topicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProjectID)
		if err != nil {
			return nil, closeAll, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(topicName)
		closers = append(closers, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		})
		publisher, err := jobs.NewPubSubOrderPublisher(topic)
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, publisher)
	}

	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher, err := jobs.NewKafkaOrderPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka close error", zap.Error(err))
			}
		})
		sinks = append(sinks, publisher)
	}

	if len(sinks) == 0 {
		logger.Warn("no order event sinks configured; events are dropped")
	}
	return sinks, closeAll, nil
}

func newLabelArchive(ctx context.Context, cfg config.Config) (services.LabelArchive, func(), error) {
	bucket := strings.TrimSpace(cfg.Storage.LabelsBucket)
	if bucket == "" {
		return nil, func() {}, nil
	}
	credentials := strings.TrimSpace(cfg.Firebase.CredentialsFile)
	if credentials == "" {
		return nil, func() {}, errors.New("label archive requires a service account credentials file for url signing")
	}
	signer, err := platformstorage.NewServiceAccountSignerFromFile(credentials)
	if err != nil {
		return nil, func() {}, err
	}
	client, err := cloudstorage.NewClient(ctx, option.WithCredentialsFile(credentials))
	if err != nil {
		return nil, func() {}, fmt.Errorf("storage client: %w", err)
	}
	archive, err := platformstorage.NewLabelArchive(client, bucket, signer, platformstorage.WithURLTTL(cfg.Storage.LabelURLTTL))
	if err != nil {
		_ = client.Close()
		return nil, func() {}, err
	}
	return archive, func() { _ = client.Close() }, nil
}

func shipperAddress(s config.ShipperConfig) domain.Address {
	return domain.Address{
		Recipient:  s.Name,
		Company:    s.Company,
		Line1:      s.Line1,
		Line2:      s.Line2,
		City:       s.City,
		State:      s.State,
		PostalCode: s.PostalCode,
		Country:    s.Country,
		Phone:      s.Phone,
	}
}

func secretManagerProbe(fetcher *secrets.Fetcher) repositories.DependencyProbe {
	const healthReference = "secret://system/healthz?version=latest"
	return repositories.DependencyProbe{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, healthReference)
			if err == nil || status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	jwks := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, &http.Client{Timeout: 5 * time.Second}, time.Now)
	return auth.NewOIDCValidator(jwks, logger).RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

// buildHMACMiddleware guards the carrier push webhook. Without a carrier secret every push
// is rejected.
func buildHMACMiddleware(logger *zap.Logger, cfg config.Config, nonces auth.NonceClaimer) func(http.Handler) http.Handler {
	secretMap := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secretMap[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if _, ok := secretMap[carrierSecretName]; !ok {
		logger.Warn("auth: carrier webhook secret not configured; tracking pushes will be rejected")
	}
	validator := auth.NewHMACValidator(secretMap, nonces, logger,
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
	)
	return validator.RequireHMAC(carrierSecretName)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["FULFILLMENT_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["FULFILLMENT_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("FULFILLMENT_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("FULFILLMENT_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("FULFILLMENT_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentials := lookup("FULFILLMENT_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Payments.StripeAPIKey",
		"Payments.StripeWebhookSecret",
		"Carrier.ClientSecret",
	}
	if strings.TrimSpace(env["FULFILLMENT_REDIS_PASSWORD"]) != "" {
		required = append(required, "Redis.Password")
	}
	for _, key := range parseHMACSecretKeys(env["FULFILLMENT_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return required
}

func parseHMACSecretKeys(raw string) []string {
	var keys []string
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" || strings.TrimSpace(parts[1]) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
