package ratelimit

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryStoreConfig configures MemoryStore.
type MemoryStoreConfig struct {
	// MaxKeys caps the number of keys held before least-recently-used
	// entries are evicted. Default 10000.
	MaxKeys int

	// Clock for state arithmetic. Default SystemClock.
	Clock Clock
}

// MemoryStore is a single-process Store backed by maps and a mutex.
//
// It exists for local development and tests: state lives in this process
// only and is NOT consistent across instances. Expiry is manual: run
// Sweep periodically (the service wires it to a scheduler).
//
// Every operation performs its read-modify-write under one lock
// acquisition, which is the in-memory analogue of the single server-side
// operation the shared stores use.
type MemoryStore struct {
	mu      sync.Mutex
	clock   Clock
	maxKeys int
	buckets map[string]*memBucket
	windows map[string]*memWindow
	closed  bool
}

type memBucket struct {
	tokens     float64
	refilledAt time.Time
	expiresAt  time.Time
	lastAccess time.Time
}

type memWindow struct {
	stamps     []time.Time
	expiresAt  time.Time
	lastAccess time.Time
}

var errStoreClosed = errors.New("memory store closed")

// NewMemoryStore builds a MemoryStore, applying defaults for zero values.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	return &MemoryStore{
		clock:   cfg.Clock,
		maxKeys: cfg.MaxKeys,
		buckets: make(map[string]*memBucket),
		windows: make(map[string]*memWindow),
	}
}

// TakeToken implements Store.
func (s *MemoryStore) TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64, ttl time.Duration) (TokenResult, error) {
	if err := ctx.Err(); err != nil {
		return TokenResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return TokenResult{}, errStoreClosed
	}

	now := s.clock.Now()
	b, ok := s.buckets[key]
	if !ok || now.After(b.expiresAt) {
		s.evictIfFull(now)
		b = &memBucket{tokens: float64(capacity), refilledAt: now}
		s.buckets[key] = b
	} else {
		elapsed := now.Sub(b.refilledAt).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(float64(capacity), b.tokens+elapsed*refillPerSec)
		}
	}
	b.refilledAt = now
	b.expiresAt = now.Add(ttl)
	b.lastAccess = now

	res := TokenResult{}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = math.Floor(b.tokens)
	if b.tokens < 1 && refillPerSec > 0 {
		res.RetryAfter = time.Duration((1 - b.tokens) / refillPerSec * float64(time.Second))
	}
	return res, nil
}

// SlideWindow implements Store.
func (s *MemoryStore) SlideWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	if err := ctx.Err(); err != nil {
		return WindowResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return WindowResult{}, errStoreClosed
	}

	now := s.clock.Now()
	w, ok := s.windows[key]
	if !ok || now.After(w.expiresAt) {
		s.evictIfFull(now)
		w = &memWindow{}
		s.windows[key] = w
	}

	cutoff := now.Add(-window)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	res := WindowResult{}
	if len(w.stamps) < limit {
		w.stamps = append(w.stamps, now)
		res.Allowed = true
	}
	res.Count = len(w.stamps)
	if len(w.stamps) > 0 {
		res.ResetAfter = w.stamps[0].Add(window).Sub(now)
	}
	w.expiresAt = now.Add(window)
	w.lastAccess = now
	return res, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.windows = nil
	return nil
}

// Sweep implements Sweeper: it drops expired entries and returns how many
// keys were removed.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errStoreClosed
	}

	now := s.clock.Now()
	removed := 0
	for key, b := range s.buckets {
		if now.After(b.expiresAt) {
			delete(s.buckets, key)
			removed++
		}
	}
	for key, w := range s.windows {
		if now.After(w.expiresAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}

// KeyCount implements KeyCounter.
func (s *MemoryStore) KeyCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errStoreClosed
	}
	return len(s.buckets) + len(s.windows), nil
}

// evictIfFull keeps the key count under the cap before a new key is
// inserted: expired entries go first, then the least recently used tenth.
// Callers must hold the lock.
func (s *MemoryStore) evictIfFull(now time.Time) {
	if len(s.buckets)+len(s.windows) < s.maxKeys {
		return
	}

	for key, b := range s.buckets {
		if now.After(b.expiresAt) {
			delete(s.buckets, key)
		}
	}
	for key, w := range s.windows {
		if now.After(w.expiresAt) {
			delete(s.windows, key)
		}
	}
	if len(s.buckets)+len(s.windows) < s.maxKeys {
		return
	}

	type aged struct {
		key        string
		bucket     bool
		lastAccess time.Time
	}
	entries := make([]aged, 0, len(s.buckets)+len(s.windows))
	for key, b := range s.buckets {
		entries = append(entries, aged{key, true, b.lastAccess})
	}
	for key, w := range s.windows {
		entries = append(entries, aged{key, false, w.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastAccess.Before(entries[j].lastAccess) })

	evict := s.maxKeys / 10
	if evict < 1 {
		evict = 1
	}
	if evict > len(entries) {
		evict = len(entries)
	}
	for _, e := range entries[:evict] {
		if e.bucket {
			delete(s.buckets, e.key)
		} else {
			delete(s.windows, e.key)
		}
	}
}
