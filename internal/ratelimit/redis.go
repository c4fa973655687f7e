package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter as a fixed window counter shared through
// Redis, so every replica draws from the same budget per key.
//
// Each window is one Redis key ("<prefix>:<key>:<window start>") incremented
// per request and expiring with the window. A key allows at most limit
// requests per window.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
	owned  bool
}

// NewRedisLimiter returns a limiter allowing limit requests per window for
// each key. The client is not closed by Close.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "bodhiq:ratelimit"
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// DialRedisLimiter parses a redis:// URL and returns a limiter that owns the
// connection. The window is one second and the budget per window is burst.
func DialRedisLimiter(ctx context.Context, url string, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	l := NewRedisLimiter(client, "", burst, time.Second)
	l.owned = true
	return l, nil
}

// Allow increments the counter for the current window and reports whether the
// count is still within the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	start := l.now().Truncate(l.window)
	windowKey := l.prefix + ":" + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		// Outlive the window slightly so clock skew between replicas
		// cannot resurrect a finished window.
		pipe.ExpireNX(ctx, windowKey, l.window+time.Second)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// Close closes the Redis client when the limiter created it.
func (l *RedisLimiter) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}
