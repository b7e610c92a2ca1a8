package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketScript string

//go:embed sliding_window.lua
var slidingWindowScript string

// RedisMode selects the client topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

// RedisStoreConfig configures RedisStore.
type RedisStoreConfig struct {
	Mode       RedisMode
	Addrs      []string
	MasterName string // sentinel only
	Username   string
	Password   string
	DB         int // single and sentinel only

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore is a Store backed by a shared Redis deployment. Each
// operation runs as one server-side Lua script, so concurrent instances
// never interleave partial state, and all time arithmetic uses the Redis
// server clock rather than the caller's.
type RedisStore struct {
	client        redis.UniversalClient
	tokenBucket   *redis.Script
	slidingWindow *redis.Script
}

// NewRedisStore builds a RedisStore and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("%w: redis requires at least one address", ErrInvalidConfig)
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	var client redis.UniversalClient
	switch cfg.Mode {
	case RedisModeSingle, "":
		client = redis.NewClient(opts.Simple())
	case RedisModeSentinel:
		if cfg.MasterName == "" {
			return nil, fmt.Errorf("%w: sentinel mode requires a master name", ErrInvalidConfig)
		}
		opts.MasterName = cfg.MasterName
		client = redis.NewFailoverClient(opts.Failover())
	case RedisModeCluster:
		client = redis.NewClusterClient(opts.Cluster())
	default:
		return nil, fmt.Errorf("%w: unknown redis mode %q", ErrInvalidConfig, cfg.Mode)
	}

	store := &RedisStore{
		client:        client,
		tokenBucket:   redis.NewScript(tokenBucketScript),
		slidingWindow: redis.NewScript(slidingWindowScript),
	}
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return store, nil
}

// TakeToken implements Store.
func (s *RedisStore) TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64, ttl time.Duration) (TokenResult, error) {
	raw, err := s.tokenBucket.Run(ctx, s.client, []string{key},
		capacity,
		strconv.FormatFloat(refillPerSec, 'f', -1, 64),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return TokenResult{}, fmt.Errorf("token bucket script: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return TokenResult{}, fmt.Errorf("token bucket script: unexpected reply %T", raw)
	}
	allowed, err := replyInt(reply[0])
	if err != nil {
		return TokenResult{}, fmt.Errorf("token bucket script: allowed: %w", err)
	}
	tokens, err := replyFloat(reply[1])
	if err != nil {
		return TokenResult{}, fmt.Errorf("token bucket script: tokens: %w", err)
	}
	wait, err := replyFloat(reply[2])
	if err != nil {
		return TokenResult{}, fmt.Errorf("token bucket script: wait: %w", err)
	}

	return TokenResult{
		Allowed:    allowed == 1,
		Remaining:  tokens,
		RetryAfter: time.Duration(wait * float64(time.Second)),
	}, nil
}

// SlideWindow implements Store.
func (s *RedisStore) SlideWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	raw, err := s.slidingWindow.Run(ctx, s.client, []string{key},
		limit,
		window.Milliseconds(),
		uuid.NewString(),
	).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window script: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return WindowResult{}, fmt.Errorf("sliding window script: unexpected reply %T", raw)
	}
	allowed, err := replyInt(reply[0])
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window script: allowed: %w", err)
	}
	count, err := replyInt(reply[1])
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window script: count: %w", err)
	}
	resetMicros, err := replyFloat(reply[2])
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window script: reset: %w", err)
	}

	return WindowResult{
		Allowed:    allowed == 1,
		Count:      int(count),
		ResetAfter: time.Duration(resetMicros) * time.Microsecond,
	}, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func replyInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func replyFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
