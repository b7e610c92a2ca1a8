package identify

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"quotagate/pkg/ratelimit"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, claims jwt.MapClaims, secret []byte) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return raw
}

func newTestResolver(cfg ResolverConfig) *Resolver {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(cfg)
}

func TestClientIPProxyDepth(t *testing.T) {
	tests := []struct {
		name       string
		depth      int
		xff        string
		remoteAddr string
		want       string
	}{
		{
			name:       "depth zero ignores forwarded header",
			depth:      0,
			xff:        "198.51.100.9",
			remoteAddr: "203.0.113.7:4411",
			want:       "203.0.113.7",
		},
		{
			name:       "depth one takes last forwarded entry",
			depth:      1,
			xff:        "198.51.100.9, 192.0.2.44",
			remoteAddr: "10.0.0.5:4411",
			want:       "192.0.2.44",
		},
		{
			name:       "depth two walks past one proxy hop",
			depth:      2,
			xff:        "198.51.100.9, 192.0.2.44",
			remoteAddr: "10.0.0.5:4411",
			want:       "198.51.100.9",
		},
		{
			name:       "depth beyond chain clamps to leftmost",
			depth:      9,
			xff:        "198.51.100.9, 192.0.2.44",
			remoteAddr: "10.0.0.5:4411",
			want:       "198.51.100.9",
		},
		{
			name:       "no forwarded header uses peer",
			depth:      2,
			remoteAddr: "203.0.113.7:4411",
			want:       "203.0.113.7",
		},
		{
			name:       "ipv6 peer normalizes",
			depth:      0,
			remoteAddr: "[2001:db8:0:0:0:0:0:1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "ipv4-mapped collapses to ipv4",
			depth:      1,
			xff:        "::ffff:203.0.113.7",
			remoteAddr: "10.0.0.5:4411",
			want:       "203.0.113.7",
		},
		{
			name:       "garbage entry stays opaque",
			depth:      1,
			xff:        "not-an-ip",
			remoteAddr: "10.0.0.5:4411",
			want:       "not-an-ip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(ResolverConfig{TrustedProxyDepth: tt.depth})
			req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := r.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveUserToken(t *testing.T) {
	r := newTestResolver(ResolverConfig{JWTSecret: testSecret})

	token := signToken(t, jwt.MapClaims{
		"sub":  "user-8812",
		"tier": "pro",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
	req.RemoteAddr = "203.0.113.7:4411"
	req.Header.Set("Authorization", "Bearer "+token)

	id := r.Resolve(req)
	if id.Type != ratelimit.ClientUser {
		t.Fatalf("type = %q, want user attribution", id.Type)
	}
	if id.ClientID != "user-8812" {
		t.Errorf("client id = %q, want user-8812", id.ClientID)
	}
	if id.Tier != "pro" {
		t.Errorf("tier = %q, want pro", id.Tier)
	}
}

func TestResolveFallsBackToIP(t *testing.T) {
	expired := func(t *testing.T) string {
		return signToken(t, jwt.MapClaims{
			"sub": "user-8812",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}, testSecret)
	}
	badSignature := func(t *testing.T) string {
		return signToken(t, jwt.MapClaims{"sub": "user-8812"}, []byte("other-secret"))
	}
	noSubject := func(t *testing.T) string {
		return signToken(t, jwt.MapClaims{"tier": "pro"}, testSecret)
	}

	tests := []struct {
		name   string
		header func(t *testing.T) string
	}{
		{name: "expired token", header: func(t *testing.T) string { return "Bearer " + expired(t) }},
		{name: "wrong signature", header: func(t *testing.T) string { return "Bearer " + badSignature(t) }},
		{name: "missing subject", header: func(t *testing.T) string { return "Bearer " + noSubject(t) }},
		{name: "malformed token", header: func(t *testing.T) string { return "Bearer not.a.token" }},
		{name: "wrong scheme", header: func(t *testing.T) string { return "Basic dXNlcjpwdw==" }},
		{name: "no header", header: func(t *testing.T) string { return "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(ResolverConfig{JWTSecret: testSecret})
			req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
			req.RemoteAddr = "203.0.113.7:4411"
			if h := tt.header(t); h != "" {
				req.Header.Set("Authorization", h)
			}

			id := r.Resolve(req)
			if id.Type != ratelimit.ClientIP {
				t.Errorf("type = %q, want ip fallback", id.Type)
			}
			if id.ClientID != "203.0.113.7" {
				t.Errorf("client id = %q, want the peer address", id.ClientID)
			}
			if id.Tier != "" {
				t.Errorf("tier = %q, want empty on fallback", id.Tier)
			}
		})
	}
}

func TestResolveWithoutSecret(t *testing.T) {
	// No secret configured means tokens are never even parsed.
	r := newTestResolver(ResolverConfig{})
	token := signToken(t, jwt.MapClaims{"sub": "user-8812"}, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
	req.RemoteAddr = "203.0.113.7:4411"
	req.Header.Set("Authorization", "Bearer "+token)

	if id := r.Resolve(req); id.Type != ratelimit.ClientIP {
		t.Errorf("type = %q, want ip attribution with no secret", id.Type)
	}
}
