package keycache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock serializes MarkBad across multiple gateway processes sharing one
// Repository, so two instances observing the same failing key at once don't
// race to apply the penalty twice. It is optional: a nil Locker on Cache
// means single-instance deployments rely on the Repository's own
// point-update isolation alone (spec §4.6).
type DistLock interface {
	// TryLock attempts to acquire a short-lived advisory lock for key,
	// returning true if acquired. The lock expires on its own after ttl so
	// a crashed holder never wedges other instances out.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string)
}

// RedisLock is a DistLock backed by Redis SET NX PX, the same primitive the
// teacher's internal/ratelimit/rpm.go uses for its token-bucket counters —
// generalized here from rate counting to mutual exclusion.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock wraps an already-connected Redis client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("keycache: redis lock %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLock) Unlock(ctx context.Context, key string) {
	l.client.Del(ctx, lockKey(key))
}

func lockKey(key string) string {
	return "llm-gateway:keycache:lock:" + key
}
