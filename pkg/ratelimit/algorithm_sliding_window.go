package ratelimit

import (
	"context"
	"fmt"
)

// SlidingWindowAlgorithm tracks exact request timestamps per key and
// admits a request only while fewer than limit.Count timestamps fall
// inside the trailing limit.Window. Unlike fixed windows there is no
// boundary burst: no trailing interval ever sees more than Count
// admissions. Storage cost is O(Count) per key.
type SlidingWindowAlgorithm struct{}

// NewSlidingWindowAlgorithm returns the sliding window strategy.
func NewSlidingWindowAlgorithm() *SlidingWindowAlgorithm { return &SlidingWindowAlgorithm{} }

// Name implements Algorithm.
func (a *SlidingWindowAlgorithm) Name() string { return string(AlgorithmSlidingWindow) }

// Check implements Algorithm.
func (a *SlidingWindowAlgorithm) Check(ctx context.Context, store Store, key string, limit Limit) (*Decision, error) {
	res, err := store.SlideWindow(ctx, key, limit.Count, limit.Window)
	if err != nil {
		return nil, fmt.Errorf("sliding window %q: %w", key, err)
	}

	if res.Allowed {
		return allowedDecision(key, SourceSlidingWindow, limit.Count, limit.Count-res.Count, res.ResetAfter), nil
	}
	return deniedDecision(key, SourceSlidingWindow, limit.Count, res.ResetAfter), nil
}
