// Package history keeps a short per-room tail of recent frames in Redis so a
// connection joining a room can catch up on the live conversation. It is a
// best-effort convenience, not durable storage.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCap bounds the retained tail per room.
const DefaultCap = 100

// keyTTL expires abandoned room tails.
const keyTTL = 24 * time.Hour

// Recorder stores and replays recent room frames.
type Recorder interface {
	Append(ctx context.Context, roomID string, frame []byte) error
	Recent(ctx context.Context, roomID string, limit int) ([][]byte, error)
}

func historyKey(roomID string) string {
	return fmt.Sprintf("gateway:rooms:%s:history", roomID)
}

// oldestFirst reverses a newest-first list range in place so replay preserves
// the original send order.
func oldestFirst(frames [][]byte) [][]byte {
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}

// RedisRecorder keeps each room's tail in a capped Redis list.
type RedisRecorder struct {
	client *redis.Client
	cap    int
}

// NewRedisRecorder wraps the shared gateway Redis client. A non-positive cap
// picks the default.
func NewRedisRecorder(client *redis.Client, cap int) *RedisRecorder {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &RedisRecorder{client: client, cap: cap}
}

// Append pushes the frame onto the room tail and trims it to the cap.
func (r *RedisRecorder) Append(ctx context.Context, roomID string, frame []byte) error {
	if r == nil || r.client == nil {
		return nil
	}
	key := historyKey(roomID)
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, frame)
	pipe.LTrim(ctx, key, 0, int64(r.cap-1))
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: append room %q: %w", roomID, err)
	}
	return nil
}

// Recent returns up to limit frames for the room, oldest first.
func (r *RedisRecorder) Recent(ctx context.Context, roomID string, limit int) ([][]byte, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	if limit <= 0 || limit > r.cap {
		limit = r.cap
	}
	values, err := r.client.LRange(ctx, historyKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("history: read room %q: %w", roomID, err)
	}
	frames := make([][]byte, 0, len(values))
	for _, value := range values {
		frames = append(frames, []byte(value))
	}
	return oldestFirst(frames), nil
}
