package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imagegen/server/internal/port/outbound"
)

const rateLimitKeyPrefix = "ratelimit:"

// rateLimiter implements outbound.RateLimiterPort with a sliding window
// kept in a sorted set scored by request time.
type rateLimiter struct {
	client redis.UniversalClient
}

// NewRateLimiter creates a new rate limiter adapter.
func NewRateLimiter(client redis.UniversalClient) outbound.RateLimiterPort {
	return &rateLimiter{client: client}
}

func (r *rateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := rateLimitKeyPrefix + key
	now := time.Now()

	count, err := r.count(ctx, fullKey, now, window)
	if err != nil {
		return false, err
	}
	if count >= int64(limit) {
		return false, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, fullKey, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: uuid.NewString(),
		})
		pipe.PExpire(ctx, fullKey, window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *rateLimiter) GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	count, err := r.count(ctx, rateLimitKeyPrefix+key, time.Now(), window)
	if err != nil {
		return 0, err
	}
	return max(limit-int(count), 0), nil
}

// count drops entries older than the window and returns what is left.
func (r *rateLimiter) count(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	windowStart := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+windowStart)
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Compile-time check
var _ outbound.RateLimiterPort = (*rateLimiter)(nil)
