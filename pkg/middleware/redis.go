package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is a fixed-window counter shared through Redis
type RedisLimiter struct {
	redis  *redis.Client
	config Config
	prefix string
}

// NewRedisLimiter creates a new Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config Config, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{redis: client, config: config.withDefaults(), prefix: prefix}
}

// Allow counts one request against key's current window
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := redisKey(l.prefix, key)

	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}

	// Only the request that opens a window sets its expiry
	resetIn := ttl.Val()
	if resetIn < 0 {
		if err := l.redis.PExpire(ctx, k, l.config.WindowDuration).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis error: %w", err)
		}
		resetIn = l.config.WindowDuration
	}

	count := incr.Val()
	remaining := int64(l.config.RequestsPerWindow) - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(l.config.RequestsPerWindow),
		Limit:     l.config.RequestsPerWindow,
		Remaining: int(remaining),
		ResetIn:   resetIn,
	}, nil
}

// Reset clears the window for key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, redisKey(l.prefix, key)).Err()
}

// HealthCheck verifies Redis connectivity
func (l *RedisLimiter) HealthCheck(ctx context.Context) error {
	return l.redis.Ping(ctx).Err()
}

// Compile-time checks
var (
	_ Limiter = (*LocalLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
