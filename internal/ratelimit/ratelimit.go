// Package ratelimit provides a pluggable rate limiting interface.
//
// The in-process implementation (MemoryLimiter) keeps one token bucket per
// key. Span ingestion keys by project id, so a noisy project cannot starve
// the broker for the others.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// Returning an error signals a limiter malfunction; callers treat errors
	// as fail-open.
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
