// Package ratelimit provides a pluggable rate limiting interface.
//
// The in-memory token bucket (MemoryLimiter) covers single-instance
// deployments; multi-instance setups can substitute a shared backend
// through the Limiter interface. Keys are opaque; the server
// keys by the authenticated email.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns whether the request should proceed. When denied,
	// retryAfter estimates how long until a token is available, for the
	// Retry-After header. A limiter malfunction returns an error; callers
	// treat errors as fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return true, 0, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
