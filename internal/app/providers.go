package app

import (
	"context"
	"net/http"

	"github.com/google/wire"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	// Domains
	"github.com/imagegen/server/internal/domain/billing"
	"github.com/imagegen/server/internal/domain/credits"
	"github.com/imagegen/server/internal/domain/generation"

	// Inbound adapters
	ginhandler "github.com/imagegen/server/internal/adapter/inbound/gin"

	// Ports
	"github.com/imagegen/server/internal/port/outbound"

	// Outbound adapters
	"github.com/imagegen/server/internal/adapter/outbound/imageprovider"
	"github.com/imagegen/server/internal/adapter/outbound/postgres"
	redisadapter "github.com/imagegen/server/internal/adapter/outbound/redis"
	s3adapter "github.com/imagegen/server/internal/adapter/outbound/s3"
	stripeadapter "github.com/imagegen/server/internal/adapter/outbound/stripe"
	"github.com/imagegen/server/internal/adapter/outbound/token"

	// Infrastructure
	"github.com/imagegen/server/internal/infra/config"
	"github.com/imagegen/server/internal/infra/events"
	"github.com/imagegen/server/internal/infra/httpclient"
	"github.com/imagegen/server/internal/infra/jobs"
	"github.com/imagegen/server/internal/shared/cache"
	"github.com/imagegen/server/internal/shared/database"
	"github.com/imagegen/server/internal/shared/logger"

	// Utils
	"github.com/imagegen/server/internal/utils/metrics"
)

// ===== Infrastructure Providers =====

// InfraSet provides infrastructure dependencies.
var InfraSet = wire.NewSet(
	ProvideLogger,
	ProvideDatabase,
	ProvideRedisClient,
	ProvideHTTPClient,
	ProvideRateLimiter,
	ProvideMetrics,
	ProvideEventBus,
	ProvideTokenManager,
)

// ProvideLogger creates the root logger.
func ProvideLogger(cfg *config.Config) *zap.Logger {
	return logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

// ProvideDatabase opens the database pool. The cleanup closes it.
func ProvideDatabase(ctx context.Context, cfg *config.Config, log *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.New(ctx, &cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := database.Close(db); err != nil {
			log.Warn("close database", zap.Error(err))
		}
	}
	return db, cleanup, nil
}

// ProvideRedisClient creates a Redis client. Redis is optional: without it
// the credits cache, rate limiting and idempotency are disabled.
func ProvideRedisClient(ctx context.Context, cfg *config.Config, log *zap.Logger) goredis.UniversalClient {
	if cfg.Redis.Address == "" {
		return nil
	}
	client, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		log.Warn("Redis connection failed, continuing without cache", zap.Error(err))
		return nil
	}
	return client
}

// ProvideHTTPClient creates a shared HTTP client with connection pooling.
func ProvideHTTPClient(cfg *config.Config) *http.Client {
	return httpclient.New(cfg.HTTPClient)
}

// ProvideRateLimiter creates a rate limiter.
func ProvideRateLimiter(redis goredis.UniversalClient) outbound.RateLimiterPort {
	if redis == nil {
		return nil
	}
	return redisadapter.NewRateLimiter(redis)
}

// ProvideMetrics creates a metrics instance.
func ProvideMetrics() *metrics.Metrics {
	return metrics.New("imagegen")
}

// ProvideEventBus creates the domain event bus with the audit log handler attached.
func ProvideEventBus(log *zap.Logger) *events.Bus {
	bus := events.NewBus(log)
	bus.Register(events.NewLogHandler(log))
	return bus
}

// ProvideTokenManager creates the bearer token manager.
func ProvideTokenManager(cfg *config.Config) outbound.TokenPort {
	return token.NewJWTManager(&token.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
	})
}

// ===== Credits Domain Providers =====

// CreditsSet provides credits domain dependencies.
var CreditsSet = wire.NewSet(
	postgres.NewLedgerStoreAdapter,
	ProvideCreditsCache,
	ProvideCreditsConfig,
	credits.NewAccountant,
	wire.Bind(new(generation.CreditReserver), new(*credits.Accountant)),
	wire.Bind(new(billing.Ledger), new(*credits.Accountant)),
	wire.Bind(new(billing.AccountReader), new(*credits.Accountant)),
	wire.Bind(new(jobs.Reconciler), new(*credits.Accountant)),
)

// ProvideCreditsCache creates the credits read cache.
func ProvideCreditsCache(redis goredis.UniversalClient) outbound.CreditsCachePort {
	if redis == nil {
		return nil
	}
	return redisadapter.NewCreditsCache(redis)
}

// ProvideCreditsConfig maps credits configuration.
func ProvideCreditsConfig(cfg *config.Config) *credits.Config {
	c := credits.DefaultConfig()
	c.InitialGrant = cfg.Credits.InitialGrant
	if cfg.Credits.CacheTTL > 0 {
		c.CacheTTL = cfg.Credits.CacheTTL
	}
	return c
}

// ===== Generation Domain Providers =====

// GenerationSet provides generation domain dependencies.
var GenerationSet = wire.NewSet(
	postgres.NewGenerationTaskAdapter,
	ProvideImageProvider,
	ProvideResultStorage,
	ProvideGenerationConfig,
	generation.NewOrchestrator,
	wire.Bind(new(generation.EventPublisher), new(*events.Bus)),
	wire.Bind(new(generation.Metrics), new(*metrics.Metrics)),
	wire.Bind(new(jobs.Settler), new(*generation.Orchestrator)),
)

// ProvideImageProvider creates the image provider client.
func ProvideImageProvider(httpClient *http.Client, cfg *config.Config, log *zap.Logger) outbound.ImageProviderPort {
	return imageprovider.NewClient(httpClient, &imageprovider.Config{
		BaseURL:          cfg.Provider.BaseURL,
		APIKey:           cfg.Provider.APIKey,
		FailureThreshold: cfg.Provider.FailureThreshold,
		CircuitTimeout:   cfg.Provider.CircuitTimeout,
	}, log)
}

// ProvideResultStorage creates the result bucket adapter, or nil when no bucket is configured.
func ProvideResultStorage(ctx context.Context, cfg *config.Config, httpClient *http.Client) (outbound.ResultStoragePort, error) {
	if !cfg.Storage.Enabled() {
		return nil, nil
	}
	storageCfg := &s3adapter.Config{
		Endpoint:        cfg.Storage.Endpoint,
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Bucket:          cfg.Storage.Bucket,
		PublicBaseURL:   cfg.Storage.PublicBaseURL,
		Prefix:          cfg.Storage.Prefix,
	}
	client, err := s3adapter.NewClient(ctx, storageCfg)
	if err != nil {
		return nil, err
	}
	return s3adapter.NewResultStorage(client, httpClient, storageCfg), nil
}

// ProvideGenerationConfig maps generation configuration.
func ProvideGenerationConfig(cfg *config.Config) *generation.Config {
	g := cfg.Generation
	c := generation.DefaultConfig()
	c.CostPerImage = g.CostPerImage
	if g.MaxImagesPerRequest > 0 {
		c.MaxImagesPerRequest = g.MaxImagesPerRequest
	}
	if g.DefaultModel != "" {
		c.DefaultModel = g.DefaultModel
	}
	if g.DefaultSize != "" {
		c.DefaultSize = g.DefaultSize
	}
	if g.MaxConcurrent > 0 {
		c.MaxConcurrent = g.MaxConcurrent
	}
	if g.PollInterval > 0 {
		c.PollInterval = g.PollInterval
	}
	if g.MaxBackoff > 0 {
		c.MaxBackoff = g.MaxBackoff
	}
	if g.MaxPollDuration > 0 {
		c.MaxPollDuration = g.MaxPollDuration
	}
	if g.SubmitTimeout > 0 {
		c.SubmitTimeout = g.SubmitTimeout
	}
	if g.SubmitRetries >= 0 {
		c.SubmitRetries = g.SubmitRetries
	}
	if g.FinalizeTimeout > 0 {
		c.FinalizeTimeout = g.FinalizeTimeout
	}
	if g.ReservationGrace > 0 {
		c.ReservationGrace = g.ReservationGrace
	}
	c.RehostResults = g.RehostResults && cfg.Storage.Enabled()
	return c
}

// ===== Billing Domain Providers =====

// BillingSet provides billing domain dependencies.
var BillingSet = wire.NewSet(
	postgres.NewBillingEventAdapter,
	ProvideBillingConfig,
	ProvideStripeGateway,
	billing.NewApplier,
	billing.NewPortal,
	wire.Bind(new(billing.Metrics), new(*metrics.Metrics)),
	wire.Bind(new(outbound.BillingPortalPort), new(*stripeadapter.Gateway)),
)

// ProvideBillingConfig maps plan grants and portal settings.
func ProvideBillingConfig(cfg *config.Config) *billing.Config {
	c := &billing.Config{
		Plans:           make(map[string]billing.PlanConfig, len(cfg.Billing.Plans)),
		PortalReturnURL: cfg.Billing.PortalReturnURL,
	}
	for tier, plan := range cfg.Billing.Plans {
		c.Plans[tier] = billing.PlanConfig{
			MonthlyCredits: plan.MonthlyCredits,
			PriceID:        plan.PriceID,
		}
	}
	return c
}

// ProvideStripeGateway creates the Stripe gateway.
func ProvideStripeGateway(cfg *config.Config, plans *billing.Config, log *zap.Logger) *stripeadapter.Gateway {
	return stripeadapter.NewGateway(&stripeadapter.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}, nil, plans, log)
}

// ===== HTTP Handlers =====

// HandlerSet provides inbound HTTP handlers.
var HandlerSet = wire.NewSet(
	ginhandler.NewCreditsHandler,
	ginhandler.NewGenerationHandler,
	ginhandler.NewBillingHandler,
	ginhandler.NewWebhookHandler,
	wire.Bind(new(ginhandler.CreditsReader), new(*credits.Accountant)),
	wire.Bind(new(ginhandler.AccountOpener), new(*credits.Accountant)),
	wire.Bind(new(ginhandler.TaskService), new(*generation.Orchestrator)),
	wire.Bind(new(ginhandler.PortalOpener), new(*billing.Portal)),
	wire.Bind(new(ginhandler.WebhookParser), new(*stripeadapter.Gateway)),
	wire.Bind(new(ginhandler.EventApplier), new(*billing.Applier)),
)

// ===== Background Jobs =====

// JobsSet provides the cron scheduler.
var JobsSet = wire.NewSet(
	ProvideScheduler,
	wire.Bind(new(jobs.Metrics), new(*metrics.Metrics)),
)

// ProvideScheduler creates the reconcile and settle job scheduler.
func ProvideScheduler(
	reconciler jobs.Reconciler,
	settler jobs.Settler,
	m jobs.Metrics,
	cfg *config.Config,
	log *zap.Logger,
) (*jobs.Scheduler, error) {
	return jobs.NewScheduler(reconciler, settler, m, &jobs.Config{
		ReconcileSchedule: cfg.Jobs.ReconcileSchedule,
		SettleSchedule:    cfg.Jobs.SettleSchedule,
	}, log)
}

// AppSet is the complete provider set.
var AppSet = wire.NewSet(
	InfraSet,
	CreditsSet,
	GenerationSet,
	BillingSet,
	HandlerSet,
	JobsSet,
)
