package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// Decision sources. Source records which path produced a decision, for
// logs and metrics; clients only see the allow/deny verdict and headers.
const (
	SourceTokenBucket   = "token_bucket"
	SourceSlidingWindow = "sliding_window"
	SourceMaintenance   = "maintenance"
	SourceFailOpen      = "fail_open"
	SourceFailClosed    = "fail_closed"
	SourceInternal      = "internal_error"
)

// MinRetryAfter is the floor applied to the Retry-After hint on denials,
// preventing tight client retry loops when the true wait is sub-second.
const MinRetryAfter = time.Second

// Decision is the result of one rate limit check.
type Decision struct {
	// Key is the canonical identity the decision applies to.
	Key string

	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the maximum number of requests in the governing window.
	Limit int

	// Remaining is the quota left in the governing window. Zero on denial.
	Remaining int

	// ResetAfter is the time until the governing window resets: for the
	// token bucket, until one token is available; for the sliding window,
	// until the oldest recorded timestamp expires.
	ResetAfter time.Duration

	// RetryAfter is how long a denied client should wait before retrying.
	// Zero when allowed.
	RetryAfter time.Duration

	// Source names the path that produced this decision.
	Source string
}

// String renders the decision for structured logs and debugging.
func (d *Decision) String() string {
	verdict := "deny"
	if d.Allowed {
		verdict = "allow"
	}
	return fmt.Sprintf("Decision{%s key=%s source=%s remaining=%d/%d reset=%s}",
		verdict, d.Key, d.Source, d.Remaining, d.Limit, d.ResetAfter)
}

// RetryAfterSeconds returns the Retry-After header value in whole seconds,
// rounded up and clamped to MinRetryAfter.
func (d *Decision) RetryAfterSeconds() int64 {
	ra := d.RetryAfter
	if ra < MinRetryAfter {
		ra = MinRetryAfter
	}
	return int64(math.Ceil(ra.Seconds()))
}

// ResetAfterSeconds returns the reset hint in whole seconds, never negative.
func (d *Decision) ResetAfterSeconds() int64 {
	if d.ResetAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(d.ResetAfter.Seconds()))
}

// moreRestrictive reports whether a should govern over b when several
// windows apply to one key: a denial always governs, otherwise the
// smaller remaining quota does.
func moreRestrictive(a, b *Decision) bool {
	if b == nil {
		return true
	}
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	return a.Remaining < b.Remaining
}

// allowedDecision builds an allow with the given quota state.
func allowedDecision(key, source string, limit, remaining int, resetAfter time.Duration) *Decision {
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Key:        key,
		Allowed:    true,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		Source:     source,
	}
}

// deniedDecision builds a deny whose retry hint equals the reset hint.
func deniedDecision(key, source string, limit int, resetAfter time.Duration) *Decision {
	return &Decision{
		Key:        key,
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAfter: resetAfter,
		RetryAfter: resetAfter,
		Source:     source,
	}
}
