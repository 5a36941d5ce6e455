package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/port/outbound"
	apperrors "github.com/imagegen/server/internal/shared/errors"
	"github.com/imagegen/server/internal/utils/requestctx"
)

const (
	RateLimitRemaining = "X-RateLimit-Remaining"
	RateLimitLimit     = "X-RateLimit-Limit"
	RateLimitReset     = "X-RateLimit-Reset"
	RetryAfter         = "Retry-After"
)

// RateLimitConfig configures one window limiter.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration

	// Bucket names the counter a request is charged to. An empty bucket
	// is not limited.
	Bucket func(*gin.Context) string

	Logger *zap.Logger
}

// RateLimit charges each request to its bucket and rejects it with 429 once
// the bucket is spent. Limiter errors let the request through.
func RateLimit(limiter outbound.RateLimiterPort, cfg RateLimitConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		if limiter == nil || cfg.Limit <= 0 || cfg.Bucket == nil {
			c.Next()
			return
		}
		bucket := cfg.Bucket(c)
		if bucket == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		allowed, err := limiter.Allow(ctx, bucket, cfg.Limit, cfg.Window)
		if err != nil {
			requestctx.Logger(ctx, logger).Warn("rate limiter unavailable, request not counted",
				zap.String("bucket", bucket),
				zap.Error(err),
			)
			c.Next()
			return
		}

		remaining := 0
		if allowed {
			remaining, _ = limiter.GetRemaining(ctx, bucket, cfg.Limit, cfg.Window)
		}
		c.Header(RateLimitLimit, strconv.Itoa(cfg.Limit))
		c.Header(RateLimitRemaining, strconv.Itoa(remaining))
		c.Header(RateLimitReset, strconv.FormatInt(time.Now().Add(cfg.Window).Unix(), 10))

		if !allowed {
			appErr := apperrors.NewAppError("RATE_LIMIT_EXCEEDED", "Too many requests, please try again later",
				http.StatusTooManyRequests, apperrors.ErrRateLimited)
			c.Header(RetryAfter, strconv.Itoa(int(cfg.Window.Seconds())))
			c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
			return
		}
		c.Next()
	}
}

// RateLimitByIP limits every client address across the API. Requests whose
// path starts with one of exempt are not counted: Stripe delivers webhooks
// from a few shared addresses, and health checks must not be throttled.
func RateLimitByIP(limiter outbound.RateLimiterPort, limit int, window time.Duration, logger *zap.Logger, exempt ...string) gin.HandlerFunc {
	return RateLimit(limiter, RateLimitConfig{
		Limit:  limit,
		Window: window,
		Logger: logger,
		Bucket: func(c *gin.Context) string {
			for _, prefix := range exempt {
				if strings.HasPrefix(c.Request.URL.Path, prefix) {
					return ""
				}
			}
			return "ip:" + c.ClientIP()
		},
	})
}

// RateLimitSubmissions limits generation submissions per account, so one
// account cannot flood the provider whatever its balance.
func RateLimitSubmissions(limiter outbound.RateLimiterPort, limit int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return RateLimit(limiter, RateLimitConfig{
		Limit:  limit,
		Window: window,
		Logger: logger,
		Bucket: func(c *gin.Context) string {
			if IsAuthenticated(c) {
				return "submit:" + GetAccountID(c).String()
			}
			return "submit-ip:" + c.ClientIP()
		},
	})
}
