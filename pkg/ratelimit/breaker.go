package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-process circuit breaker guarding the store.
//
// Breaker state is deliberately local to each process: it reflects this
// instance's connectivity to the store, not global rate state, so it is
// never shared through the backend.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive store failures that
	// opens the circuit. Default 5.
	FailureThreshold uint32

	// FailureWindow is the rolling interval over which consecutive
	// failures are counted while closed. Default 1 minute.
	FailureWindow time.Duration

	// Cooldown is how long the circuit stays open before a single trial
	// call is admitted (half-open). Default 15 seconds.
	Cooldown time.Duration

	// Metrics receives state transitions. Default NoOpMetrics.
	Metrics Metrics

	// Logger for state change warnings. Default slog.Default().
	Logger *slog.Logger
}

// Breaker wraps the store call path with a circuit breaker: after
// FailureThreshold consecutive failures the circuit opens and further
// calls short-circuit without I/O; after Cooldown exactly one trial call
// is admitted, closing the circuit on success or reopening it on failure.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewBreaker builds a Breaker from cfg, applying defaults for zero values.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewNoOpMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Breaker{logger: cfg.Logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1, // exactly one trial call while half-open
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Metrics.RecordCircuitState(to.String())
			cfg.Logger.Warn("store circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	cfg.Metrics.RecordCircuitState(b.cb.State().String())
	return b
}

// Do runs op under breaker protection. A short-circuited call (open
// circuit, or a second call racing the half-open trial) and any failure
// returned by op both surface as ErrBackendUnavailable so the limiter can
// apply the failure-mode policy uniformly.
func (b *Breaker) Do(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open", ErrBackendUnavailable)
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// RecordProbe feeds a health probe result through the breaker's failure
// accounting without issuing a store call of its own. A successful probe
// while half-open closes the circuit.
func (b *Breaker) RecordProbe(err error) {
	_, _ = b.cb.Execute(func() (any, error) {
		return nil, err
	})
}
