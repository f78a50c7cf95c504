package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "conductor:idem:"

// RedisGuard implements Guard with SET NX and a TTL, giving one atomic
// check-and-mark per key across every orchestrator instance.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) CheckAndMark(ctx context.Context, key string) (bool, error) {
	// The stored value is only for operators inspecting a marker by hand.
	marker := time.Now().UTC().Format(time.RFC3339Nano)

	first, err := g.client.SetNX(ctx, keyPrefix+key, marker, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("marking idempotency key: %w", err)
	}
	return first, nil
}

func (g *RedisGuard) Forget(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clearing idempotency key: %w", err)
	}
	return nil
}
