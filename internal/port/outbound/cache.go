package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
)

var ErrCacheMiss = errors.New("cache miss")

// CreditsCachePort caches the credits read view of an account.
type CreditsCachePort interface {
	// Get returns ErrCacheMiss when nothing is cached.
	Get(ctx context.Context, accountID uuid.UUID) (*model.CreditsSnapshot, error)
	Set(ctx context.Context, accountID uuid.UUID, snapshot *model.CreditsSnapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, accountID uuid.UUID) error
}

// RateLimiterPort defines rate limiting operations.
type RateLimiterPort interface {
	// Allow checks if a request is allowed.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// GetRemaining returns the number of requests left in the current window.
	GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}
