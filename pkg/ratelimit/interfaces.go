// Package ratelimit implements the distributed rate limiting engine.
//
// The engine separates pure decision logic (algorithms) from atomic state
// mutation (stores). Stores execute every counter mutation as a single
// server-side operation, so the engine stays correct when many processes
// share one backing store. A per-process circuit breaker isolates store
// failures and a configurable failure-mode policy decides what happens
// while the store is unreachable.
package ratelimit

import (
	"context"
	"time"
)

// TokenResult is the outcome of an atomic token bucket operation.
type TokenResult struct {
	// Allowed reports whether a token was consumed.
	Allowed bool

	// Remaining is the number of whole tokens left after the operation.
	Remaining float64

	// RetryAfter is the time until at least one whole token is available.
	// Zero whenever the bucket still holds a token after the operation.
	RetryAfter time.Duration
}

// WindowResult is the outcome of an atomic sliding window operation.
type WindowResult struct {
	// Allowed reports whether the current timestamp was admitted.
	Allowed bool

	// Count is the number of timestamps inside the window after the
	// operation (including the current one when admitted).
	Count int

	// ResetAfter is the time until the oldest timestamp in the window
	// ages out.
	ResetAfter time.Duration
}

// Store is the atomic counter storage shared by all instances.
//
// Both operations are read-modify-write cycles that MUST execute as a
// single server-side operation: the store is the sole serialization point
// between concurrent requests, possibly arriving from different processes.
// Implementations must be safe for concurrent use and must expire state
// with a TTL tied to the window size.
type Store interface {
	// TakeToken refills the bucket at key from the store's clock and
	// consumes one token when at least one is available.
	//
	// capacity is the bucket size, refillPerSec the constant refill rate,
	// ttl the expiry applied to the bucket state.
	TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64, ttl time.Duration) (TokenResult, error)

	// SlideWindow prunes timestamps older than window from the set at key,
	// and appends the current time when fewer than limit survive.
	SlideWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error)

	// Ping verifies connectivity. Used by the health prober.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// Sweeper is implemented by stores that need a manual expiry pass.
// Stores with native TTL support (Redis) do not implement it.
type Sweeper interface {
	// Sweep removes expired state and returns the number of keys removed.
	Sweep(ctx context.Context) (int, error)
}

// KeyCounter is implemented by stores that can report how many keys they
// currently hold. Feeds the active-keys gauge.
type KeyCounter interface {
	KeyCount(ctx context.Context) (int, error)
}

// Algorithm turns an atomic store operation into a Decision for one
// limit on one key. Implementations hold no per-key state.
type Algorithm interface {
	// Check evaluates limit for key against store. The limit's Count is
	// always positive here; maintenance mode (Count == 0) is short-circuited
	// by the Limiter before any algorithm or store is consulted.
	Check(ctx context.Context, store Store, key string, limit Limit) (*Decision, error)

	// Name returns the algorithm identifier used in configuration and
	// decision metadata.
	Name() string
}

// Metrics receives enforcement and store health observations.
//
// Implementations must be safe for concurrent use. A Prometheus-backed
// implementation is provided for production and a no-op one for tests.
type Metrics interface {
	// RecordDecision counts one enforcement outcome.
	// clientType is "ip" or "user"; outcome is "allowed", "denied" or "exempt".
	RecordDecision(clientType, pattern, outcome string)

	// RecordStoreDuration observes the latency of one atomic store operation.
	RecordStoreDuration(op string, d time.Duration)

	// RecordStoreError counts one failed store operation.
	RecordStoreError(op string)

	// RecordCircuitState records the breaker state ("closed", "open", "half-open").
	RecordCircuitState(state string)

	// SetActiveKeys records the number of keys currently held by the store.
	SetActiveKeys(count int)

	// RecordProbe observes one health probe round trip.
	RecordProbe(d time.Duration, success bool)
}

// Clock abstracts time for deterministic tests.
//
// Note that stores use their own server-side clock for counter arithmetic;
// Clock only governs process-local concerns (sweeps, breaker cooldowns,
// in-memory store state).
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time { return time.Now() }
