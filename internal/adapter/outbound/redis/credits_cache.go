package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
)

const creditsKeyPrefix = "credits:"

// creditsCache implements outbound.CreditsCachePort.
type creditsCache struct {
	client redis.UniversalClient
}

// NewCreditsCache creates a new credits cache adapter.
func NewCreditsCache(client redis.UniversalClient) outbound.CreditsCachePort {
	return &creditsCache{client: client}
}

func (c *creditsCache) key(accountID uuid.UUID) string {
	return creditsKeyPrefix + accountID.String()
}

func (c *creditsCache) Get(ctx context.Context, accountID uuid.UUID) (*model.CreditsSnapshot, error) {
	data, err := c.client.Get(ctx, c.key(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, outbound.ErrCacheMiss
		}
		return nil, err
	}

	var snapshot model.CreditsSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		// A corrupt value is treated as absent; the next Set overwrites it.
		return nil, outbound.ErrCacheMiss
	}
	return &snapshot, nil
}

func (c *creditsCache) Set(ctx context.Context, accountID uuid.UUID, snapshot *model.CreditsSnapshot, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal credits snapshot: %w", err)
	}
	return c.client.Set(ctx, c.key(accountID), data, ttl).Err()
}

func (c *creditsCache) Invalidate(ctx context.Context, accountID uuid.UUID) error {
	return c.client.Del(ctx, c.key(accountID)).Err()
}

// Compile-time check
var _ outbound.CreditsCachePort = (*creditsCache)(nil)
