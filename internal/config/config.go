// Package config loads and validates the service configuration.
//
// Configuration comes from a YAML file plus environment overrides, and
// the environment always wins: files describe the deployment shape,
// environment variables carry per-instance and secret values. Structural
// problems are fatal at startup; a limiter running with a half-loaded
// rule set would silently enforce the wrong quotas.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"quotagate/internal/match"
	pkgconfig "quotagate/pkg/config"
	"quotagate/pkg/ratelimit"
)

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

// UnmarshalYAML parses either a Go duration string or an integer number
// of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LimitSpec is one quota in the file: requests per window, decided by an
// algorithm ("token_bucket" default, or "sliding_window").
type LimitSpec struct {
	Count     int      `yaml:"count"`
	Window    Duration `yaml:"window"`
	Algorithm string   `yaml:"algorithm"`
}

// EndpointRule binds a path pattern to its limits, optionally overridden
// per tier.
type EndpointRule struct {
	Pattern    string                 `yaml:"pattern"`
	Limits     []LimitSpec            `yaml:"limits"`
	TierLimits map[string][]LimitSpec `yaml:"tier_limits"`
}

// RedisConfig holds Redis backend connection details.
type RedisConfig struct {
	Mode       string   `yaml:"mode"` // single (default), sentinel, cluster
	Addrs      []string `yaml:"addrs"`
	MasterName string   `yaml:"master_name"`
	Username   string   `yaml:"username"`
	DB         int      `yaml:"db"`

	PoolSize     int      `yaml:"pool_size"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL backend connection details. The DSN
// itself comes from the environment, never the file.
type PostgresConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// BackendConfig selects and tunes the shared store.
type BackendConfig struct {
	// Kind is "memory", "redis" or "postgres".
	Kind     string         `yaml:"kind"`
	MaxKeys  int            `yaml:"max_keys"` // memory backend cap
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// BreakerConfig tunes the store circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
	Cooldown         Duration `yaml:"cooldown"`
}

// ExemptionsSpec lists traffic that bypasses limiting.
type ExemptionsSpec struct {
	CIDRs        []string `yaml:"cidrs"`
	Users        []string `yaml:"users"`
	Patterns     []string `yaml:"patterns"`
	SkipDefaults bool     `yaml:"skip_defaults"`
}

// Config is the full service configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	OpsListen string `yaml:"ops_listen"`

	// Upstream is the origin the gateway forwards allowed requests to.
	// Empty runs the built-in echo handler, for local testing.
	Upstream string `yaml:"upstream"`

	TrustedProxyDepth int    `yaml:"trusted_proxy_depth"`
	JWTSecretEnv      string `yaml:"jwt_secret_env"`
	TierClaim         string `yaml:"tier_claim"`

	FailureMode string   `yaml:"failure_mode"`
	OpTimeout   Duration `yaml:"op_timeout"`

	SweepInterval Duration `yaml:"sweep_interval"`
	ProbeInterval Duration `yaml:"probe_interval"`

	Backend    BackendConfig  `yaml:"backend"`
	Breaker    BreakerConfig  `yaml:"breaker"`
	Exemptions ExemptionsSpec `yaml:"exemptions"`

	DefaultLimits []LimitSpec            `yaml:"default_limits"`
	TierLimits    map[string][]LimitSpec `yaml:"tier_limits"`
	Endpoints     []EndpointRule         `yaml:"endpoints"`

	// JWTSecret is resolved from the environment variable named by
	// JWTSecretEnv. Never read from the file.
	JWTSecret []byte `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		Listen:        ":8080",
		OpsListen:     ":9090",
		JWTSecretEnv:  "QUOTAGATE_JWT_SECRET",
		TierClaim:     "tier",
		FailureMode:   string(ratelimit.FailOpen),
		OpTimeout:     Duration(ratelimit.DefaultOpTimeout),
		SweepInterval: Duration(5 * time.Minute),
		ProbeInterval: Duration(15 * time.Second),
		Backend: BackendConfig{
			Kind:    "memory",
			MaxKeys: 10000,
			Redis: RedisConfig{
				Mode:         "single",
				Addrs:        []string{"localhost:6379"},
				PoolSize:     10,
				DialTimeout:  Duration(time.Second),
				ReadTimeout:  Duration(100 * time.Millisecond),
				WriteTimeout: Duration(100 * time.Millisecond),
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration(30 * time.Minute),
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    Duration(time.Minute),
			Cooldown:         Duration(15 * time.Second),
		},
		DefaultLimits: []LimitSpec{{Count: 100, Window: Duration(time.Minute)}},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides, and validates the result. Any validation error
// must abort startup.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		// #nosec G304 -- path comes from the command line, not user input
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded file values.
func (c *Config) applyEnv() {
	c.Listen = pkgconfig.GetEnvString("QUOTAGATE_LISTEN", c.Listen)
	c.OpsListen = pkgconfig.GetEnvString("QUOTAGATE_OPS_LISTEN", c.OpsListen)
	c.Upstream = pkgconfig.GetEnvString("QUOTAGATE_UPSTREAM", c.Upstream)
	c.TrustedProxyDepth = pkgconfig.GetEnvInt("QUOTAGATE_TRUSTED_PROXY_DEPTH", c.TrustedProxyDepth)
	c.TierClaim = pkgconfig.GetEnvString("QUOTAGATE_TIER_CLAIM", c.TierClaim)
	c.FailureMode = pkgconfig.GetEnvString("QUOTAGATE_FAILURE_MODE", c.FailureMode)
	c.OpTimeout = Duration(pkgconfig.GetEnvDuration("QUOTAGATE_OP_TIMEOUT", c.OpTimeout.Std()))
	c.SweepInterval = Duration(pkgconfig.GetEnvDuration("QUOTAGATE_SWEEP_INTERVAL", c.SweepInterval.Std()))
	c.ProbeInterval = Duration(pkgconfig.GetEnvDuration("QUOTAGATE_PROBE_INTERVAL", c.ProbeInterval.Std()))

	c.Backend.Kind = pkgconfig.GetEnvString("QUOTAGATE_BACKEND", c.Backend.Kind)
	c.Backend.MaxKeys = pkgconfig.GetEnvInt("QUOTAGATE_MAX_KEYS", c.Backend.MaxKeys)
	c.Backend.Redis.Mode = pkgconfig.GetEnvString("QUOTAGATE_REDIS_MODE", c.Backend.Redis.Mode)
	c.Backend.Redis.Addrs = pkgconfig.GetEnvStringList("QUOTAGATE_REDIS_ADDRS", c.Backend.Redis.Addrs)
	c.Backend.Redis.MasterName = pkgconfig.GetEnvString("QUOTAGATE_REDIS_MASTER", c.Backend.Redis.MasterName)
	c.Backend.Redis.DB = pkgconfig.GetEnvInt("QUOTAGATE_REDIS_DB", c.Backend.Redis.DB)
	c.Backend.Redis.PoolSize = pkgconfig.GetEnvInt("QUOTAGATE_REDIS_POOL_SIZE", c.Backend.Redis.PoolSize)

	c.Breaker.FailureThreshold = pkgconfig.GetEnvInt("QUOTAGATE_BREAKER_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.Cooldown = Duration(pkgconfig.GetEnvDuration("QUOTAGATE_BREAKER_COOLDOWN", c.Breaker.Cooldown.Std()))

	c.Exemptions.CIDRs = pkgconfig.GetEnvStringList("QUOTAGATE_EXEMPT_CIDRS", c.Exemptions.CIDRs)
	c.Exemptions.Users = pkgconfig.GetEnvStringList("QUOTAGATE_EXEMPT_USERS", c.Exemptions.Users)
	c.Exemptions.Patterns = pkgconfig.GetEnvStringList("QUOTAGATE_EXEMPT_PATHS", c.Exemptions.Patterns)

	if secret := os.Getenv(c.JWTSecretEnv); secret != "" {
		c.JWTSecret = []byte(secret)
	}
}

// Validate checks everything that must abort startup when wrong.
func (c *Config) Validate() error {
	if c.TrustedProxyDepth < 0 {
		return fmt.Errorf("%w: trusted_proxy_depth must be non-negative, got %d", ratelimit.ErrInvalidConfig, c.TrustedProxyDepth)
	}
	if !ratelimit.FailureMode(c.FailureMode).IsValid() {
		return fmt.Errorf("%w: unknown failure_mode %q", ratelimit.ErrInvalidConfig, c.FailureMode)
	}
	if c.OpTimeout.Std() <= 0 {
		return fmt.Errorf("%w: op_timeout must be positive", ratelimit.ErrInvalidConfig)
	}
	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: upstream must be an absolute URL, got %q", ratelimit.ErrInvalidConfig, c.Upstream)
		}
	}

	switch c.Backend.Kind {
	case "memory":
	case "redis":
		if len(c.Backend.Redis.Addrs) == 0 {
			return fmt.Errorf("%w: redis backend requires addrs", ratelimit.ErrInvalidConfig)
		}
		if c.Backend.Redis.Mode == "sentinel" && c.Backend.Redis.MasterName == "" {
			return fmt.Errorf("%w: sentinel mode requires master_name", ratelimit.ErrInvalidConfig)
		}
	case "postgres":
		if os.Getenv("QUOTAGATE_POSTGRES_DSN") == "" {
			return fmt.Errorf("%w: postgres backend requires QUOTAGATE_POSTGRES_DSN", ratelimit.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend kind %q", ratelimit.ErrInvalidConfig, c.Backend.Kind)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("%w: breaker failure_threshold must be positive", ratelimit.ErrInvalidConfig)
	}

	if err := ratelimit.ValidateLimits(convertLimits(c.DefaultLimits)); err != nil {
		return fmt.Errorf("default_limits: %w", err)
	}
	for tier, specs := range c.TierLimits {
		if err := ratelimit.ValidateLimits(convertLimits(specs)); err != nil {
			return fmt.Errorf("tier_limits %q: %w", tier, err)
		}
	}
	for _, ep := range c.Endpoints {
		if err := ratelimit.ValidateLimits(convertLimits(ep.Limits)); err != nil {
			return fmt.Errorf("endpoint %q: %w", ep.Pattern, err)
		}
	}

	// The matcher compiles patterns; building it here surfaces pattern
	// errors at startup rather than on first request.
	if _, err := match.NewMatcher(c.MatcherConfig()); err != nil {
		return err
	}
	if _, err := match.NewExemptions(c.ExemptionsConfig()); err != nil {
		return err
	}
	return nil
}

func convertLimits(specs []LimitSpec) []ratelimit.Limit {
	out := make([]ratelimit.Limit, len(specs))
	for i, s := range specs {
		out[i] = ratelimit.Limit{
			Count:     s.Count,
			Window:    s.Window.Std(),
			Algorithm: ratelimit.AlgorithmKind(s.Algorithm),
		}
	}
	return out
}

func convertTierLimits(m map[string][]LimitSpec) map[string][]ratelimit.Limit {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]ratelimit.Limit, len(m))
	for tier, specs := range m {
		out[tier] = convertLimits(specs)
	}
	return out
}

// MatcherConfig converts the rule sections for match.NewMatcher.
func (c *Config) MatcherConfig() match.MatcherConfig {
	rules := make([]match.Rule, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		rules[i] = match.Rule{
			Pattern:    ep.Pattern,
			Limits:     convertLimits(ep.Limits),
			TierLimits: convertTierLimits(ep.TierLimits),
		}
	}
	return match.MatcherConfig{
		Rules:         rules,
		TierDefaults:  convertTierLimits(c.TierLimits),
		GlobalDefault: convertLimits(c.DefaultLimits),
	}
}

// ExemptionsConfig converts the exemption section for match.NewExemptions.
func (c *Config) ExemptionsConfig() match.ExemptionsConfig {
	return match.ExemptionsConfig{
		CIDRs:        c.Exemptions.CIDRs,
		Users:        c.Exemptions.Users,
		Patterns:     c.Exemptions.Patterns,
		SkipDefaults: c.Exemptions.SkipDefaults,
	}
}

// RedisStoreConfig converts the Redis section for ratelimit.NewRedisStore.
// The password comes from QUOTAGATE_REDIS_PASSWORD, never the file.
func (c *Config) RedisStoreConfig() ratelimit.RedisStoreConfig {
	r := c.Backend.Redis
	return ratelimit.RedisStoreConfig{
		Mode:         ratelimit.RedisMode(r.Mode),
		Addrs:        r.Addrs,
		MasterName:   r.MasterName,
		Username:     r.Username,
		Password:     os.Getenv("QUOTAGATE_REDIS_PASSWORD"),
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		DialTimeout:  r.DialTimeout.Std(),
		ReadTimeout:  r.ReadTimeout.Std(),
		WriteTimeout: r.WriteTimeout.Std(),
	}
}

// SQLStoreConfig converts the Postgres section for ratelimit.NewSQLStore.
func (c *Config) SQLStoreConfig() ratelimit.SQLStoreConfig {
	p := c.Backend.Postgres
	return ratelimit.SQLStoreConfig{
		DSN:             os.Getenv("QUOTAGATE_POSTGRES_DSN"),
		MaxOpenConns:    p.MaxOpenConns,
		MaxIdleConns:    p.MaxIdleConns,
		ConnMaxLifetime: p.ConnMaxLifetime.Std(),
	}
}

// BreakerSettings converts the breaker section for ratelimit.NewBreaker.
func (c *Config) BreakerSettings() ratelimit.BreakerConfig {
	return ratelimit.BreakerConfig{
		FailureThreshold: uint32(c.Breaker.FailureThreshold),
		FailureWindow:    c.Breaker.FailureWindow.Std(),
		Cooldown:         c.Breaker.Cooldown.Std(),
	}
}
