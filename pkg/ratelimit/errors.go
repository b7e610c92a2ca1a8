package ratelimit

import "errors"

var (
	// ErrBackendUnavailable marks a store failure (connection refused,
	// timeout, open circuit). The limiter translates it into the configured
	// failure-mode outcome; it never reaches middleware callers.
	ErrBackendUnavailable = errors.New("ratelimit: backend unavailable")

	// ErrInvalidConfig marks configuration that must abort startup.
	ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

	// ErrInternal marks a defect inside the limiter itself. Decisions made
	// on this path always fail closed, regardless of the failure-mode
	// policy, so bugs are not masked as availability.
	ErrInternal = errors.New("ratelimit: internal error")
)

func isInternal(err error) bool { return errors.Is(err, ErrInternal) }
