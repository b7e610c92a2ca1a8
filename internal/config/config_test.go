package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotagate/pkg/ratelimit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quotagate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q, want :8080", cfg.Listen)
	}
	if cfg.Backend.Kind != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Backend.Kind)
	}
	if cfg.FailureMode != string(ratelimit.FailOpen) {
		t.Errorf("failure mode = %q, want fail_open", cfg.FailureMode)
	}
	if len(cfg.DefaultLimits) != 1 || cfg.DefaultLimits[0].Count != 100 {
		t.Errorf("default limits = %+v, want a single 100/minute limit", cfg.DefaultLimits)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
trusted_proxy_depth: 2
failure_mode: fail_closed
op_timeout: 30ms
backend:
  kind: redis
  redis:
    mode: single
    addrs: ["redis-1:6379"]
default_limits:
  - count: 50
    window: 1m
tier_limits:
  pro:
    - count: 500
      window: 1m
    - count: 5000
      window: 1h
endpoints:
  - pattern: /api/v1/search
    limits:
      - count: 10
        window: 1m
        algorithm: sliding_window
    tier_limits:
      pro:
        - count: 100
          window: 1m
exemptions:
  cidrs: ["10.0.0.0/8"]
  users: ["svc-backup"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	if cfg.Listen != ":9000" {
		t.Errorf("listen = %q, want :9000", cfg.Listen)
	}
	if cfg.TrustedProxyDepth != 2 {
		t.Errorf("proxy depth = %d, want 2", cfg.TrustedProxyDepth)
	}
	if cfg.OpTimeout.Std() != 30*time.Millisecond {
		t.Errorf("op timeout = %s, want 30ms", cfg.OpTimeout.Std())
	}
	if cfg.Backend.Kind != "redis" || cfg.Backend.Redis.Addrs[0] != "redis-1:6379" {
		t.Errorf("backend = %+v, want redis at redis-1:6379", cfg.Backend)
	}

	mc := cfg.MatcherConfig()
	if len(mc.Rules) != 1 || mc.Rules[0].Pattern != "/api/v1/search" {
		t.Fatalf("rules = %+v, want the search endpoint", mc.Rules)
	}
	if mc.Rules[0].Limits[0].Algorithm != ratelimit.AlgorithmSlidingWindow {
		t.Errorf("algorithm = %q, want sliding_window", mc.Rules[0].Limits[0].Algorithm)
	}
	if got := mc.TierDefaults["pro"]; len(got) != 2 {
		t.Errorf("pro tier defaults = %+v, want two windows", got)
	}
}

func TestLoadEnvWins(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
failure_mode: fail_open
backend:
  kind: memory
`)

	t.Setenv("QUOTAGATE_LISTEN", ":7777")
	t.Setenv("QUOTAGATE_FAILURE_MODE", "fail_closed")
	t.Setenv("QUOTAGATE_TRUSTED_PROXY_DEPTH", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	if cfg.Listen != ":7777" {
		t.Errorf("listen = %q, want the env value :7777", cfg.Listen)
	}
	if cfg.FailureMode != "fail_closed" {
		t.Errorf("failure mode = %q, want the env value fail_closed", cfg.FailureMode)
	}
	if cfg.TrustedProxyDepth != 3 {
		t.Errorf("proxy depth = %d, want the env value 3", cfg.TrustedProxyDepth)
	}
}

func TestLoadJWTSecretFromEnv(t *testing.T) {
	t.Setenv("QUOTAGATE_JWT_SECRET", "super-secret")
	cfg, err := Load("")
	require.NoError(t, err)
	if string(cfg.JWTSecret) != "super-secret" {
		t.Errorf("jwt secret not resolved from the default env var")
	}

	t.Setenv("CUSTOM_SECRET_VAR", "other-secret")
	path := writeConfig(t, "jwt_secret_env: CUSTOM_SECRET_VAR\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	if string(cfg.JWTSecret) != "other-secret" {
		t.Errorf("jwt secret not resolved from the configured env var")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown backend", body: "backend:\n  kind: etcd\n"},
		{name: "unknown failure mode", body: "failure_mode: fail_sideways\n"},
		{name: "redis without addrs", body: "backend:\n  kind: redis\n  redis:\n    addrs: []\n"},
		{name: "sentinel without master", body: "backend:\n  kind: redis\n  redis:\n    mode: sentinel\n    addrs: [\"s1:26379\"]\n"},
		{name: "negative limit count", body: "default_limits:\n  - count: -1\n    window: 1m\n"},
		{name: "zero op timeout", body: "op_timeout: 0s\n"},
		{name: "bad endpoint pattern", body: "endpoints:\n  - pattern: \"api/*\"\n    limits:\n      - count: 5\n        window: 1m\n"},
		{name: "bad exempt cidr", body: "exemptions:\n  cidrs: [\"10.0.0.0\"]\n"},
		{name: "duplicate windows in rule", body: "default_limits:\n  - count: 5\n    window: 1m\n  - count: 10\n    window: 1m\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			if !errors.Is(err, ratelimit.ErrInvalidConfig) {
				t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("missing file should be a fatal error")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listen: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml should be a fatal error")
	}
}
