package inbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker marks a message as being processed so a concurrent redelivery can
// back off. It is an optimisation; the ledger decides duplicates.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLocker implements Locker with SET NX and a TTL.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker returns a locker whose keys start with prefix.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, "1", ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

// NoopLocker always grants the lock.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NoopLocker) Release(context.Context, string) error                        { return nil }
