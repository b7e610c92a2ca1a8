package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLStoreConfig configures SQLStore.
type SQLStoreConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore is a Store backed by PostgreSQL. Every operation is a single
// INSERT ... ON CONFLICT statement, so the row lock serializes concurrent
// instances and now() supplies the shared clock. Expired rows linger until
// Sweep removes them.
//
// It trades latency for durability compared to RedisStore and suits
// deployments that already run PostgreSQL but not Redis.
type SQLStore struct {
	db *sql.DB
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS rate_buckets (
	key          text PRIMARY KEY,
	tokens       double precision NOT NULL,
	last_allowed boolean NOT NULL,
	refilled_at  timestamptz NOT NULL,
	expires_at   timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS rate_windows (
	key          text PRIMARY KEY,
	stamps       timestamptz[] NOT NULL,
	last_allowed boolean NOT NULL,
	expires_at   timestamptz NOT NULL
);
`

// Refill is computed from the stored state and the statement clock, then
// the same expression is repeated for each SET column because ON CONFLICT
// assignments cannot share intermediates.
const sqlTakeToken = `
INSERT INTO rate_buckets AS b (key, tokens, last_allowed, refilled_at, expires_at)
VALUES ($1, $2::double precision - 1, true, now(), now() + $4 * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE SET
	tokens = CASE
		WHEN (CASE WHEN b.expires_at <= now() THEN $2::double precision
			ELSE LEAST($2::double precision, b.tokens + EXTRACT(EPOCH FROM (now() - b.refilled_at)) * $3) END) >= 1
		THEN (CASE WHEN b.expires_at <= now() THEN $2::double precision
			ELSE LEAST($2::double precision, b.tokens + EXTRACT(EPOCH FROM (now() - b.refilled_at)) * $3) END) - 1
		ELSE (CASE WHEN b.expires_at <= now() THEN $2::double precision
			ELSE LEAST($2::double precision, b.tokens + EXTRACT(EPOCH FROM (now() - b.refilled_at)) * $3) END)
	END,
	last_allowed = (CASE WHEN b.expires_at <= now() THEN $2::double precision
		ELSE LEAST($2::double precision, b.tokens + EXTRACT(EPOCH FROM (now() - b.refilled_at)) * $3) END) >= 1,
	refilled_at = now(),
	expires_at = now() + $4 * interval '1 millisecond'
RETURNING tokens, last_allowed
`

const sqlSlideWindow = `
INSERT INTO rate_windows AS w (key, stamps, last_allowed, expires_at)
VALUES ($1, ARRAY[now()], true, now() + $3 * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE SET
	stamps = CASE
		WHEN cardinality((SELECT COALESCE(array_agg(ts ORDER BY ts), '{}'::timestamptz[])
			FROM unnest(w.stamps) AS ts
			WHERE ts > now() - $3 * interval '1 millisecond')) < $2
		THEN (SELECT COALESCE(array_agg(ts ORDER BY ts), '{}'::timestamptz[])
			FROM unnest(w.stamps) AS ts
			WHERE ts > now() - $3 * interval '1 millisecond') || now()
		ELSE (SELECT COALESCE(array_agg(ts ORDER BY ts), '{}'::timestamptz[])
			FROM unnest(w.stamps) AS ts
			WHERE ts > now() - $3 * interval '1 millisecond')
	END,
	last_allowed = cardinality((SELECT COALESCE(array_agg(ts ORDER BY ts), '{}'::timestamptz[])
		FROM unnest(w.stamps) AS ts
		WHERE ts > now() - $3 * interval '1 millisecond')) < $2,
	expires_at = now() + $3 * interval '1 millisecond'
RETURNING cardinality(stamps), last_allowed,
	GREATEST(EXTRACT(EPOCH FROM (stamps[1] + $3 * interval '1 millisecond' - now()))::double precision, 0)
`

const sqlSweep = `
WITH b AS (DELETE FROM rate_buckets WHERE expires_at <= now() RETURNING 1),
     w AS (DELETE FROM rate_windows WHERE expires_at <= now() RETURNING 1)
SELECT (SELECT count(*) FROM b) + (SELECT count(*) FROM w)
`

const sqlKeyCount = `
SELECT (SELECT count(*) FROM rate_buckets) + (SELECT count(*) FROM rate_windows)
`

// NewSQLStore opens the database, verifies connectivity, and creates the
// tables if they do not exist.
func NewSQLStore(ctx context.Context, cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres requires a dsn", ErrInvalidConfig)
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rate limit tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStoreFromDB wraps an existing handle without pinging or creating
// tables. Used by tests.
func NewSQLStoreFromDB(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// TakeToken implements Store.
func (s *SQLStore) TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64, ttl time.Duration) (TokenResult, error) {
	var (
		tokens  float64
		allowed bool
	)
	err := s.db.QueryRowContext(ctx, sqlTakeToken, key, capacity, refillPerSec, ttl.Milliseconds()).
		Scan(&tokens, &allowed)
	if err != nil {
		return TokenResult{}, fmt.Errorf("token bucket query: %w", err)
	}

	res := TokenResult{Allowed: allowed, Remaining: tokens}
	if tokens < 1 && refillPerSec > 0 {
		res.RetryAfter = time.Duration((1 - tokens) / refillPerSec * float64(time.Second))
	}
	return res, nil
}

// SlideWindow implements Store.
func (s *SQLStore) SlideWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	var (
		count        int
		allowed      bool
		resetSeconds float64
	)
	err := s.db.QueryRowContext(ctx, sqlSlideWindow, key, limit, window.Milliseconds()).
		Scan(&count, &allowed, &resetSeconds)
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window query: %w", err)
	}

	return WindowResult{
		Allowed:    allowed,
		Count:      count,
		ResetAfter: time.Duration(resetSeconds * float64(time.Second)),
	}, nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Sweep implements Sweeper.
func (s *SQLStore) Sweep(ctx context.Context) (int, error) {
	var removed int
	if err := s.db.QueryRowContext(ctx, sqlSweep).Scan(&removed); err != nil {
		return 0, fmt.Errorf("sweep expired rows: %w", err)
	}
	return removed, nil
}

// KeyCount implements KeyCounter.
func (s *SQLStore) KeyCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, sqlKeyCount).Scan(&count); err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return count, nil
}
