package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the pub/sub channel invalidated keys are
// announced on, for subscribers holding their own copies.
const InvalidationChannel = "cache.invalidations"

// invalidateTimeout bounds how long a fire-and-forget invalidation may
// take; the caller's request must not hang on the cache.
const invalidateTimeout = 2 * time.Second

// RedisInvalidator implements settlement.Invalidator: it drops the
// stale keys from Redis and announces them on the invalidation
// channel. Best-effort; failures are logged and swallowed because the
// listings table remains the source of truth.
type RedisInvalidator struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisInvalidator creates a new Redis-backed invalidator.
func NewRedisInvalidator(client *redis.Client, logger *slog.Logger) *RedisInvalidator {
	return &RedisInvalidator{
		client: client,
		logger: logger,
	}
}

// Invalidate drops the keys and publishes each on the invalidation
// channel. Never returns an error and never blocks the caller beyond
// a short timeout.
func (i *RedisInvalidator) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}

	// Detach from the caller's context so a cancelled request still
	// gets its invalidation through.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	if err := i.client.Del(ctx, keys...).Err(); err != nil {
		i.logger.Warn("cache invalidation DEL failed", "keys", keys, "error", err)
	}

	for _, key := range keys {
		if err := i.client.Publish(ctx, InvalidationChannel, key).Err(); err != nil {
			i.logger.Warn("cache invalidation publish failed", "key", key, "error", err)
		}
	}
}

// NoopInvalidator satisfies settlement.Invalidator when no cache is
// wired, e.g. in the worker binary.
type NoopInvalidator struct{}

// Invalidate does nothing.
func (NoopInvalidator) Invalidate(context.Context, ...string) {}
