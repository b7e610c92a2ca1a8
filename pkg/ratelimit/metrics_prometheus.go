package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics on a private registry.
//
// A private registry keeps tests isolated and lets several limiter
// instances coexist in one process without collisions. Expose it with
// promhttp.HandlerFor(m.Registry(), ...).
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// decisionsTotal counts enforcement outcomes.
	// Labels: client_type ("ip"/"user"), pattern, outcome
	// ("allowed"/"denied"/"exempt").
	decisionsTotal *prometheus.CounterVec

	// storeOpDuration observes atomic store operation latency per
	// algorithm. Buckets are dense below 0.05s because anything slower
	// eats the whole per-operation timeout.
	storeOpDuration *prometheus.HistogramVec

	// storeErrors counts failed store operations per algorithm.
	storeErrors *prometheus.CounterVec

	// circuitState is 0 closed, 1 open, 2 half-open.
	circuitState prometheus.Gauge

	// activeKeys is the number of keys currently held by the store.
	activeKeys prometheus.Gauge

	// probeDuration observes health probe round trips by result.
	probeDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics builds the metric set on a fresh registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_decisions_total",
				Help: "Rate limit decisions by client type, endpoint pattern and outcome",
			},
			[]string{"client_type", "pattern", "outcome"},
		),
		storeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_store_op_duration_seconds",
				Help:    "Latency of atomic store operations",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"op"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_store_errors_total",
				Help: "Failed atomic store operations",
			},
			[]string{"op"},
		),
		circuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_circuit_state",
				Help: "Store circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		activeKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_active_keys",
				Help: "Keys currently held by the store",
			},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_probe_duration_seconds",
				Help:    "Store health probe latency by result",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.storeOpDuration,
		m.storeErrors,
		m.circuitState,
		m.activeKeys,
		m.probeDuration,
	)
	return m
}

// Registry returns the private registry holding all limiter metrics.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *PrometheusMetrics) RecordDecision(clientType, pattern, outcome string) {
	m.decisionsTotal.WithLabelValues(clientType, pattern, outcome).Inc()
}

func (m *PrometheusMetrics) RecordStoreDuration(op string, d time.Duration) {
	m.storeOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *PrometheusMetrics) RecordCircuitState(state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.circuitState.Set(v)
}

func (m *PrometheusMetrics) SetActiveKeys(count int) {
	m.activeKeys.Set(float64(count))
}

func (m *PrometheusMetrics) RecordProbe(d time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.probeDuration.WithLabelValues(result).Observe(d.Seconds())
}
