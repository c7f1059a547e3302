package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisService = "cache"

// RedisWrapper guards the Redis commands the cache and rate limiter use.
// A cache miss (redis.Nil) is never a breaker failure.
type RedisWrapper struct {
	client redis.UniversalClient
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client redis.UniversalClient, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := RedisSettings().ToConfig()
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	cb := NewCircuitBreaker("redis", cfg, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", redisService, cb)

	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest("redis", redisService, rw.cb.State(), err == nil || errors.Is(err, redis.Nil))
	return err
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error { return rw.client.Ping(ctx).Err() })
}

// Get returns the string value of key; redis.Nil on a miss.
func (rw *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := rw.run(ctx, func() error {
		var err error
		val, err = rw.client.Get(ctx, key).Result()
		return err
	})
	return val, err
}

// Set stores value with an expiration.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return rw.run(ctx, func() error { return rw.client.Set(ctx, key, value, expiration).Err() })
}

// Del removes keys.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.run(ctx, func() error { return rw.client.Del(ctx, keys...).Err() })
}

// IncrWindow increments a counter and sets its TTL when the key is new.
// It returns the post-increment count and the key's remaining TTL.
func (rw *RedisWrapper) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var count int64
	var ttl time.Duration
	err := rw.run(ctx, func() error {
		var err error
		count, err = rw.client.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		if count == 1 {
			if err := rw.client.Expire(ctx, key, window).Err(); err != nil {
				return err
			}
		}
		ttl, err = rw.client.TTL(ctx, key).Result()
		return err
	})
	return count, ttl, err
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// Client exposes the underlying client for commands the wrapper does not cover.
func (rw *RedisWrapper) Client() redis.UniversalClient {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
