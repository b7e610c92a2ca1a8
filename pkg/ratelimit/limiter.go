package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DefaultOpTimeout bounds each atomic store operation. The store call is
// the only blocking point on the request path, so the bound keeps added
// request latency predictable.
const DefaultOpTimeout = 50 * time.Millisecond

// LimiterConfig assembles a Limiter.
type LimiterConfig struct {
	// Store is the shared counter storage. Required.
	Store Store

	// Breaker guards the store call path. Built from defaults when nil.
	Breaker *Breaker

	// FailureMode governs decisions while the store is unavailable.
	// Default FailOpen.
	FailureMode FailureMode

	// OpTimeout bounds each store operation. Default DefaultOpTimeout.
	OpTimeout time.Duration

	// Metrics sink. Default NoOpMetrics.
	Metrics Metrics

	// Logger for decision-path warnings. Default slog.Default().
	Logger *slog.Logger
}

// Limiter evaluates configured limits for a key and produces the decision
// the middleware enforces.
//
// Store trouble never escapes Allow: a failed or short-circuited store
// call is translated into the configured failure-mode outcome, while
// limiter-internal defects always deny, whatever the policy, so bugs
// cannot hide behind fail-open.
type Limiter struct {
	store       Store
	breaker     *Breaker
	failureMode FailureMode
	opTimeout   time.Duration
	metrics     Metrics
	logger      *slog.Logger

	tokenBucket   Algorithm
	slidingWindow Algorithm
}

// NewLimiter validates cfg and builds a Limiter.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.FailureMode == "" {
		cfg.FailureMode = FailOpen
	}
	if !cfg.FailureMode.IsValid() {
		return nil, fmt.Errorf("%w: unknown failure mode %q", ErrInvalidConfig, cfg.FailureMode)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewNoOpMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(BreakerConfig{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}

	return &Limiter{
		store:         cfg.Store,
		breaker:       cfg.Breaker,
		failureMode:   cfg.FailureMode,
		opTimeout:     cfg.OpTimeout,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		tokenBucket:   NewTokenBucketAlgorithm(),
		slidingWindow: NewSlidingWindowAlgorithm(),
	}, nil
}

// Breaker exposes the store circuit breaker, for the health prober.
func (l *Limiter) Breaker() *Breaker { return l.breaker }

// Allow evaluates every limit that applies to key and returns the
// governing decision.
//
// Windows are evaluated independently from smallest to largest. The first
// denial governs immediately (larger windows are not charged for a
// request that is already rejected); among allows, the smallest remaining
// quota governs. Maintenance limits (Count == 0) deny before any store
// I/O happens.
//
// Allow never returns an error: store failures become the configured
// failure-mode outcome, internal defects become a logged denial.
func (l *Limiter) Allow(ctx context.Context, key Key, limits []Limit) (d *Decision) {
	canonical := key.String()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("rate limiter panic, failing closed",
				slog.String("key", canonical),
				slog.Any("panic", r))
			d = l.internalDeny(canonical)
		}
	}()

	if len(limits) == 0 {
		l.logger.Error("rate limiter invoked with no limits, failing closed",
			slog.String("key", canonical))
		return l.internalDeny(canonical)
	}

	ordered := make([]Limit, len(limits))
	copy(ordered, limits)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Window < ordered[j].Window })

	// Maintenance mode short-circuits without consulting the store.
	for _, lim := range ordered {
		if lim.Maintenance() {
			return deniedDecision(canonical, SourceMaintenance, 0, lim.Window)
		}
	}

	var governing *Decision
	for _, lim := range ordered {
		d, err := l.checkOne(ctx, key, lim)
		if err != nil {
			d = l.degradedDecision(canonical, lim, err)
		}
		if !d.Allowed {
			return d
		}
		if moreRestrictive(d, governing) {
			governing = d
		}
	}
	return governing
}

// checkOne runs a single limit through its algorithm under the breaker
// and the per-operation timeout.
func (l *Limiter) checkOne(ctx context.Context, key Key, lim Limit) (*Decision, error) {
	algo, err := l.algorithm(lim.Algorithm)
	if err != nil {
		return nil, err
	}

	storageKey := key.windowKey(lim.Window)

	var d *Decision
	berr := l.breaker.Do(func() error {
		opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
		defer cancel()

		start := time.Now()
		res, cerr := algo.Check(opCtx, l.store, storageKey, lim)
		l.metrics.RecordStoreDuration(algo.Name(), time.Since(start))
		if cerr != nil {
			l.metrics.RecordStoreError(algo.Name())
			return cerr
		}
		d = res
		return nil
	})
	if berr != nil {
		return nil, berr
	}
	return d, nil
}

// algorithm maps a configured kind to its strategy. An empty kind falls
// back to the token bucket default.
func (l *Limiter) algorithm(kind AlgorithmKind) (Algorithm, error) {
	switch kind {
	case AlgorithmTokenBucket, "":
		return l.tokenBucket, nil
	case AlgorithmSlidingWindow:
		return l.slidingWindow, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInternal, kind)
	}
}

// degradedDecision shapes the outcome of a failed store call. Internal
// defects always deny; store unavailability follows the failure mode.
func (l *Limiter) degradedDecision(key string, lim Limit, err error) *Decision {
	if isInternal(err) {
		l.logger.Error("rate limiter internal error, failing closed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return l.internalDeny(key)
	}

	if l.failureMode == FailClosed {
		l.logger.Warn("store unavailable, failing closed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return deniedDecision(key, SourceFailClosed, lim.Count, lim.Window)
	}

	l.logger.Warn("store unavailable, failing open",
		slog.String("key", key),
		slog.String("error", err.Error()))
	d := allowedDecision(key, SourceFailOpen, lim.Count, lim.Count, 0)
	return d
}

// internalDeny is the unconditional fail-closed outcome for defects.
func (l *Limiter) internalDeny(key string) *Decision {
	d := deniedDecision(key, SourceInternal, 0, MinRetryAfter)
	return d
}
