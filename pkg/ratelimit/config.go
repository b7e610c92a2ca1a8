package ratelimit

import (
	"fmt"
	"time"
)

// AlgorithmKind selects the decision algorithm for a limit.
type AlgorithmKind string

const (
	// AlgorithmTokenBucket is the default: bursts up to the limit are
	// absorbed, sustained throughput converges to Count/Window.
	AlgorithmTokenBucket AlgorithmKind = "token_bucket"

	// AlgorithmSlidingWindow is exact over any trailing window, at the
	// cost of O(Count) storage per key.
	AlgorithmSlidingWindow AlgorithmKind = "sliding_window"
)

// IsValid reports whether the kind is recognized.
func (a AlgorithmKind) IsValid() bool {
	return a == AlgorithmTokenBucket || a == AlgorithmSlidingWindow
}

// FailureMode is the policy applied while the backing store is unavailable.
type FailureMode string

const (
	// FailOpen allows all requests during store outages, favoring
	// availability. Recommended default.
	FailOpen FailureMode = "fail_open"

	// FailClosed denies all requests during store outages, favoring
	// strict enforcement.
	FailClosed FailureMode = "fail_closed"
)

// IsValid reports whether the mode is recognized.
func (m FailureMode) IsValid() bool {
	return m == FailOpen || m == FailClosed
}

// Limit is one quota: Count requests per Window, decided by Algorithm.
//
// Count == 0 is maintenance mode: every request is denied without any
// store I/O. Count must never be negative and Window must be positive.
type Limit struct {
	Count     int
	Window    time.Duration
	Algorithm AlgorithmKind
}

// Maintenance reports whether this limit denies everything.
func (l Limit) Maintenance() bool { return l.Count == 0 }

// Validate checks the limit invariants.
func (l Limit) Validate() error {
	if l.Count < 0 {
		return fmt.Errorf("%w: limit count must be non-negative, got %d", ErrInvalidConfig, l.Count)
	}
	if l.Window <= 0 {
		return fmt.Errorf("%w: limit window must be positive, got %s", ErrInvalidConfig, l.Window)
	}
	if l.Algorithm != "" && !l.Algorithm.IsValid() {
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, l.Algorithm)
	}
	return nil
}

// refillPerSec is the constant token bucket refill rate for this limit.
func (l Limit) refillPerSec() float64 {
	return float64(l.Count) / l.Window.Seconds()
}

// ValidateLimits checks a set of limits that apply to one rule and
// rejects duplicate windows, which would silently shadow each other.
func ValidateLimits(limits []Limit) error {
	if len(limits) == 0 {
		return fmt.Errorf("%w: rule needs at least one limit", ErrInvalidConfig)
	}
	seen := make(map[time.Duration]struct{}, len(limits))
	for _, l := range limits {
		if err := l.Validate(); err != nil {
			return err
		}
		if _, dup := seen[l.Window]; dup {
			return fmt.Errorf("%w: duplicate %s window in rule", ErrInvalidConfig, l.Window)
		}
		seen[l.Window] = struct{}{}
	}
	return nil
}
