package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter backs the limiter with Redis so multiple instances share
// one budget. Keys carry the window bucket, so INCR plus a first-hit
// EXPIRE is sufficient.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps an already-configured client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr bumps the window counter and sets the TTL on first hit.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// TTL slightly past the window so a bucket never lingers.
		if err := c.client.Expire(ctx, key, window+time.Second).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}
