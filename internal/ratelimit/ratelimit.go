// Package ratelimit provides a pluggable rate limiting interface.
//
// Single-node deployments use the in-memory token buckets (MemoryLimiter).
// Deployments running several replicas behind a load balancer share one
// budget per key through RedisLimiter.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "user:<id>" or "ip:<addr>").
	// Returning an error signals a limiter malfunction; callers
	// treat errors as fail-open (permit the request).
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
