package app

import (
	"net/http"

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

	// Infrastructure
	"github.com/imagegen/server/internal/infra/config"
	"github.com/imagegen/server/internal/infra/events"
	"github.com/imagegen/server/internal/infra/jobs"

	// Utils
	"github.com/imagegen/server/internal/utils/metrics"
)

// Dependencies holds all injected dependencies.
type Dependencies struct {
	Config      *config.Config
	DB          *gorm.DB
	Redis       goredis.UniversalClient
	HTTPClient  *http.Client
	RateLimiter outbound.RateLimiterPort
	Tokens      outbound.TokenPort
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	EventBus    *events.Bus

	// Domains
	Accountant   *credits.Accountant
	Orchestrator *generation.Orchestrator
	Applier      *billing.Applier
	Portal       *billing.Portal

	// HTTP Handlers
	CreditsHandler    *ginhandler.CreditsHandler
	GenerationHandler *ginhandler.GenerationHandler
	BillingHandler    *ginhandler.BillingHandler
	WebhookHandler    *ginhandler.WebhookHandler

	// Background jobs
	Scheduler *jobs.Scheduler
}
