package ratelimit

import "time"

// NoOpMetrics discards every observation. Used in tests and in
// deployments that run without a metrics sink.
type NoOpMetrics struct{}

// NewNoOpMetrics returns a metrics sink that does nothing.
func NewNoOpMetrics() *NoOpMetrics { return &NoOpMetrics{} }

func (*NoOpMetrics) RecordDecision(clientType, pattern, outcome string) {}

func (*NoOpMetrics) RecordStoreDuration(op string, d time.Duration) {}

func (*NoOpMetrics) RecordStoreError(op string) {}

func (*NoOpMetrics) RecordCircuitState(state string) {}

func (*NoOpMetrics) SetActiveKeys(count int) {}

func (*NoOpMetrics) RecordProbe(d time.Duration, success bool) {}
