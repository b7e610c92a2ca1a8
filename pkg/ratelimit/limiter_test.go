package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptStore is a Store stub whose operations either succeed with canned
// results or fail with a fixed error. It counts calls so tests can assert
// which windows actually reached the backend.
type scriptStore struct {
	mu         sync.Mutex
	tokenCalls int
	slideCalls int
	err        error
	tokenRes   TokenResult
	windowRes  WindowResult
}

func (s *scriptStore) TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64, ttl time.Duration) (TokenResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenCalls++
	if s.err != nil {
		return TokenResult{}, s.err
	}
	return s.tokenRes, nil
}

func (s *scriptStore) SlideWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slideCalls++
	if s.err != nil {
		return WindowResult{}, s.err
	}
	return s.windowRes, nil
}

func (s *scriptStore) Ping(ctx context.Context) error { return nil }
func (s *scriptStore) Close() error                   { return nil }

func (s *scriptStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls + s.slideCalls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(t *testing.T, store Store, mode FailureMode) *Limiter {
	t.Helper()
	l, err := NewLimiter(LimiterConfig{Store: store, FailureMode: mode, Logger: quietLogger()})
	require.NoError(t, err)
	return l
}

func TestNewLimiterValidation(t *testing.T) {
	if _, err := NewLimiter(LimiterConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing store: error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewLimiter(LimiterConfig{Store: &scriptStore{}, FailureMode: "explode"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad failure mode: error = %v, want ErrInvalidConfig", err)
	}
}

func TestAllowMaintenanceSkipsStore(t *testing.T) {
	store := &scriptStore{}
	l := newTestLimiter(t, store, FailOpen)
	key := Key{ClientID: "203.0.113.7", Type: ClientIP, Pattern: "/api/v1/search"}

	d := l.Allow(context.Background(), key, []Limit{{Count: 0, Window: time.Minute}})
	if d.Allowed {
		t.Fatal("maintenance limit must deny")
	}
	if d.Source != SourceMaintenance {
		t.Errorf("source = %q, want %q", d.Source, SourceMaintenance)
	}
	if d.RetryAfterSeconds() < 1 {
		t.Errorf("denial must carry a retry hint, got %d", d.RetryAfterSeconds())
	}
	if store.calls() != 0 {
		t.Errorf("maintenance decision made %d store calls, want 0", store.calls())
	}
}

func TestAllowFailureModes(t *testing.T) {
	tests := []struct {
		name        string
		mode        FailureMode
		wantAllowed bool
		wantSource  string
	}{
		{name: "fail open allows", mode: FailOpen, wantAllowed: true, wantSource: SourceFailOpen},
		{name: "fail closed denies", mode: FailClosed, wantAllowed: false, wantSource: SourceFailClosed},
	}

	key := Key{ClientID: "203.0.113.7", Type: ClientIP, Pattern: "/api/v1/search"}
	limits := []Limit{{Count: 10, Window: time.Minute}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &scriptStore{err: errors.New("connection refused")}
			l := newTestLimiter(t, store, tt.mode)

			d := l.Allow(context.Background(), key, limits)
			if d.Allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", d.Allowed, tt.wantAllowed)
			}
			if d.Source != tt.wantSource {
				t.Errorf("source = %q, want %q", d.Source, tt.wantSource)
			}
		})
	}
}

func TestAllowInternalErrorAlwaysDenies(t *testing.T) {
	// An unknown algorithm is a config defect, so even fail-open must deny.
	store := &scriptStore{tokenRes: TokenResult{Allowed: true, Remaining: 9}}
	l := newTestLimiter(t, store, FailOpen)
	key := Key{ClientID: "42", Type: ClientUser, Pattern: "/api/v1/search"}

	d := l.Allow(context.Background(), key, []Limit{{Count: 10, Window: time.Minute, Algorithm: "leaky_bucket"}})
	if d.Allowed {
		t.Fatal("internal defect must fail closed regardless of failure mode")
	}
	if d.Source != SourceInternal {
		t.Errorf("source = %q, want %q", d.Source, SourceInternal)
	}
}

func TestAllowNoLimitsDenies(t *testing.T) {
	l := newTestLimiter(t, &scriptStore{}, FailOpen)
	d := l.Allow(context.Background(), Key{ClientID: "x", Type: ClientIP}, nil)
	if d.Allowed {
		t.Fatal("empty limit set is a wiring bug and must deny")
	}
	if d.Source != SourceInternal {
		t.Errorf("source = %q, want %q", d.Source, SourceInternal)
	}
}

func TestAllowMultiWindow(t *testing.T) {
	ctx := context.Background()
	key := Key{ClientID: "42", Type: ClientUser, Pattern: "/api/v1/search", Tier: "pro"}

	t.Run("first denial stops evaluation", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		l := newTestLimiter(t, store, FailOpen)
		limits := []Limit{
			{Count: 2, Window: time.Minute, Algorithm: AlgorithmSlidingWindow},
			{Count: 100, Window: time.Hour, Algorithm: AlgorithmSlidingWindow},
		}

		for i := 0; i < 2; i++ {
			if d := l.Allow(ctx, key, limits); !d.Allowed {
				t.Fatalf("request %d should pass both windows", i+1)
			}
		}

		d := l.Allow(ctx, key, limits)
		if d.Allowed {
			t.Fatal("third request should exhaust the minute window")
		}
		if d.Limit != 2 {
			t.Errorf("governing limit = %d, want the minute window's 2", d.Limit)
		}

		// The hour window was charged only for the two allowed requests.
		hourKey := key.windowKey(time.Hour)
		res, err := store.SlideWindow(ctx, hourKey, 100, time.Hour)
		require.NoError(t, err)
		if res.Count != 3 {
			t.Errorf("hour window count = %d, want 3 (two charged plus this probe)", res.Count)
		}
	})

	t.Run("smallest remaining governs among allows", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		l := newTestLimiter(t, store, FailOpen)
		limits := []Limit{
			{Count: 100, Window: time.Minute, Algorithm: AlgorithmSlidingWindow},
			{Count: 5, Window: time.Hour, Algorithm: AlgorithmSlidingWindow},
		}

		d := l.Allow(ctx, key, limits)
		if !d.Allowed {
			t.Fatal("first request should be allowed")
		}
		if d.Limit != 5 || d.Remaining != 4 {
			t.Errorf("governing decision = %d/%d, want 4/5 from the tighter hour window", d.Remaining, d.Limit)
		}
	})
}

func TestAllowTokenBucketDefault(t *testing.T) {
	// An empty algorithm kind routes to the token bucket.
	store := &scriptStore{tokenRes: TokenResult{Allowed: true, Remaining: 7}}
	l := newTestLimiter(t, store, FailOpen)

	d := l.Allow(context.Background(), Key{ClientID: "x", Type: ClientIP}, []Limit{{Count: 10, Window: time.Minute}})
	if !d.Allowed {
		t.Fatal("stubbed allow should pass through")
	}
	if d.Source != SourceTokenBucket {
		t.Errorf("source = %q, want %q", d.Source, SourceTokenBucket)
	}
	if store.tokenCalls != 1 || store.slideCalls != 0 {
		t.Errorf("calls token=%d slide=%d, want the token bucket path only", store.tokenCalls, store.slideCalls)
	}
}

func TestAllowConcurrentExactness(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{})
	l := newTestLimiter(t, store, FailOpen)
	key := Key{ClientID: "203.0.113.7", Type: ClientIP, Pattern: "/api/v1/search"}
	limits := []Limit{{Count: 10, Window: time.Minute, Algorithm: AlgorithmSlidingWindow}}

	const workers = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if d := l.Allow(context.Background(), key, limits); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Errorf("allowed = %d, want exactly 10", got)
	}
}
