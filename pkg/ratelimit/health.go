package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Prober checks backend health on a schedule. Probe results feed the
// circuit breaker, so a recovered backend closes the circuit even while
// request traffic is still being short-circuited away from it.
type Prober struct {
	store   Store
	breaker *Breaker
	metrics Metrics
	logger  *slog.Logger
	healthy atomic.Bool
}

// NewProber builds a Prober. The breaker may be nil when the caller only
// wants health reporting.
func NewProber(store Store, breaker *Breaker, metrics Metrics, logger *slog.Logger) *Prober {
	if metrics == nil {
		metrics = NewNoOpMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{store: store, breaker: breaker, metrics: metrics, logger: logger}
	p.healthy.Store(true)
	return p
}

// Probe pings the store once and records the outcome.
func (p *Prober) Probe(ctx context.Context) error {
	start := time.Now()
	err := p.store.Ping(ctx)
	elapsed := time.Since(start)

	p.metrics.RecordProbe(elapsed, err == nil)
	if p.breaker != nil {
		p.breaker.RecordProbe(err)
	}
	p.healthy.Store(err == nil)

	if err != nil {
		p.logger.Warn("store probe failed", slog.Duration("elapsed", elapsed), slog.String("error", err.Error()))
		return err
	}

	if counter, ok := p.store.(KeyCounter); ok {
		count, cErr := counter.KeyCount(ctx)
		if cErr != nil {
			p.logger.Warn("key count failed", slog.String("error", cErr.Error()))
		} else {
			p.metrics.SetActiveKeys(count)
		}
	}
	return nil
}

// Healthy reports the result of the most recent probe.
func (p *Prober) Healthy() bool {
	return p.healthy.Load()
}
