package ratelimit

import (
	"context"
	"fmt"
)

// TokenBucketAlgorithm models a bucket of limit.Count tokens refilled at a
// constant limit.Count/limit.Window rate. Each request consumes one token;
// an empty bucket denies. Bursts up to the full capacity pass through,
// sustained throughput converges to the configured rate.
//
// All bucket arithmetic happens inside the store's atomic operation using
// the store's own clock, so instances with skewed local clocks still agree
// on the refill timeline.
type TokenBucketAlgorithm struct{}

// NewTokenBucketAlgorithm returns the token bucket strategy.
func NewTokenBucketAlgorithm() *TokenBucketAlgorithm { return &TokenBucketAlgorithm{} }

// Name implements Algorithm.
func (a *TokenBucketAlgorithm) Name() string { return string(AlgorithmTokenBucket) }

// Check implements Algorithm.
func (a *TokenBucketAlgorithm) Check(ctx context.Context, store Store, key string, limit Limit) (*Decision, error) {
	// TTL equals the window: a bucket untouched for one full window has
	// refilled completely, so dropping its state loses nothing.
	res, err := store.TakeToken(ctx, key, limit.Count, limit.refillPerSec(), limit.Window)
	if err != nil {
		return nil, fmt.Errorf("token bucket %q: %w", key, err)
	}

	if res.Allowed {
		return allowedDecision(key, SourceTokenBucket, limit.Count, int(res.Remaining), res.RetryAfter), nil
	}
	return deniedDecision(key, SourceTokenBucket, limit.Count, res.RetryAfter), nil
}
