package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter approximates cluster-wide room membership. It is eventually
// consistent and used only for capacity admission, never for routing.
type Counter interface {
	Incr(ctx context.Context, roomID string) (int64, error)
	Decr(ctx context.Context, roomID string) (int64, error)
	Get(ctx context.Context, roomID string) (int64, error)
}

// counterKeyTTL bounds how long a stranded counter key can survive a crashed
// process; every increment refreshes it.
const counterKeyTTL = 24 * time.Hour

// RedisCounter keeps the shared membership counters in the broker itself so
// every gateway process sees the same approximate totals.
type RedisCounter struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCounter constructs a counter over the given Redis client.
func NewRedisCounter(client *redis.Client, keyPrefix string) *RedisCounter {
	if keyPrefix == "" {
		keyPrefix = "gateway:rooms:"
	}
	return &RedisCounter{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCounter) key(roomID string) string {
	return c.keyPrefix + roomID + ":members"
}

// Incr bumps the room counter and refreshes its expiry.
func (c *RedisCounter) Incr(ctx context.Context, roomID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, errors.New("redis counter not initialised")
	}
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, c.key(roomID))
	pipe.Expire(ctx, c.key(roomID), counterKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr room counter: %w", err)
	}
	return incr.Val(), nil
}

// Decr lowers the room counter, deleting the key once it reaches zero so idle
// rooms do not accumulate state in the broker.
func (c *RedisCounter) Decr(ctx context.Context, roomID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, errors.New("redis counter not initialised")
	}
	value, err := c.client.Decr(ctx, c.key(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("decr room counter: %w", err)
	}
	if value <= 0 {
		_ = c.client.Del(ctx, c.key(roomID)).Err()
	}
	return value, nil
}

// Get reads the approximate cluster-wide membership for the room.
func (c *RedisCounter) Get(ctx context.Context, roomID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, errors.New("redis counter not initialised")
	}
	value, err := c.client.Get(ctx, c.key(roomID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get room counter: %w", err)
	}
	return value, nil
}
