package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imagegen/server/internal/utils/middleware"
)

// NewRouter creates the Gin engine and registers every route.
func NewRouter(deps *Dependencies) *gin.Engine {
	cfg := deps.Config

	// Set Gin mode based on environment
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Apply global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(deps.Logger))
	r.Use(middleware.Metrics(deps.Metrics))

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.Server.AllowOrigins
	r.Use(middleware.CORS(corsCfg))

	if cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimitByIP(deps.RateLimiter, cfg.RateLimit.GlobalLimit, cfg.RateLimit.GlobalWindow,
			deps.Logger, "/healthz", "/metrics", "/webhooks/"))
	}

	// Health check endpoint
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// Webhooks authenticate by signature, not bearer token.
	deps.WebhookHandler.RegisterRoutes(&r.RouterGroup)

	v1 := r.Group("/v1")
	v1.Use(middleware.RequireAuth(deps.Tokens))

	var submitMiddleware []gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		submitMiddleware = append(submitMiddleware,
			middleware.RateLimitSubmissions(deps.RateLimiter, cfg.RateLimit.SubmitLimit, cfg.RateLimit.SubmitWindow, deps.Logger))
	}
	submitMiddleware = append(submitMiddleware, middleware.Idempotency(deps.Redis, middleware.IdempotencyConfig{
		TTL:     cfg.RateLimit.IdempotencyTTL,
		Methods: []string{http.MethodPost},
	}))

	deps.CreditsHandler.RegisterRoutes(v1)
	deps.GenerationHandler.RegisterRoutes(v1, submitMiddleware...)
	deps.BillingHandler.RegisterRoutes(v1)

	return r
}
