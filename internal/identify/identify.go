// Package identify resolves the rate limit identity of an HTTP request.
//
// A request is attributed to an authenticated user when it carries a
// verifiable bearer token, and to a normalized client IP otherwise.
// Token problems never fail the request: an invalid or expired token
// silently degrades to IP attribution so the limiter can always produce
// a key.
package identify

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"quotagate/pkg/ratelimit"
)

// Identity is the resolved client identity for one request.
type Identity struct {
	// ClientID is the user id or the normalized IP address.
	ClientID string

	// Type records which attribution produced ClientID.
	Type ratelimit.ClientType

	// Tier is the plan tier claimed by the token. Empty for IP clients
	// and for tokens without a tier claim.
	Tier string
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// TrustedProxyDepth is the number of proxies in front of this service
	// that append to X-Forwarded-For. Zero means the direct peer address
	// is the client and forwarded headers are ignored, which is the safe
	// default: any client can write X-Forwarded-For, only the operator
	// knows how many hops actually overwrite or append to it.
	TrustedProxyDepth int

	// JWTSecret verifies bearer tokens (HMAC). Empty disables user
	// attribution entirely.
	JWTSecret []byte

	// TierClaim is the token claim holding the plan tier. Default "tier".
	TierClaim string

	// Logger for attribution fallbacks. Default slog.Default().
	Logger *slog.Logger
}

// Resolver resolves request identities. Safe for concurrent use.
type Resolver struct {
	proxyDepth int
	jwtSecret  []byte
	tierClaim  string
	logger     *slog.Logger
}

// NewResolver builds a Resolver, applying defaults for zero values.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.TierClaim == "" {
		cfg.TierClaim = "tier"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TrustedProxyDepth < 0 {
		cfg.TrustedProxyDepth = 0
	}
	return &Resolver{
		proxyDepth: cfg.TrustedProxyDepth,
		jwtSecret:  cfg.JWTSecret,
		tierClaim:  cfg.TierClaim,
		logger:     cfg.Logger,
	}
}

// Resolve attributes the request to a user or an IP. It never fails.
func (r *Resolver) Resolve(req *http.Request) Identity {
	if id, ok := r.resolveUser(req); ok {
		return id
	}
	return Identity{ClientID: r.ClientIP(req), Type: ratelimit.ClientIP}
}

// resolveUser attempts bearer token attribution. The token is decoded
// locally; no verification service is consulted.
func (r *Resolver) resolveUser(req *http.Request) (Identity, bool) {
	if len(r.jwtSecret) == 0 {
		return Identity{}, false
	}

	raw := bearerToken(req)
	if raw == "" {
		return Identity{}, false
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return r.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		// Invalid or expired tokens degrade to IP attribution. Debug
		// level: this is routine client behavior, not an operator signal.
		r.logger.Debug("bearer token rejected, falling back to ip attribution",
			slog.String("error", err.Error()))
		return Identity{}, false
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		r.logger.Debug("bearer token lacks a subject, falling back to ip attribution")
		return Identity{}, false
	}

	id := Identity{ClientID: sub, Type: ratelimit.ClientUser}
	if tier, ok := claims[r.tierClaim].(string); ok {
		id.Tier = tier
	}
	return id, true
}

// bearerToken extracts the token from the Authorization header, or ""
// when the header is absent or uses another scheme.
func bearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// ClientIP returns the normalized client address for the request.
//
// The forwarding chain is the X-Forwarded-For entries followed by the
// direct peer. Counting from the right, the first TrustedProxyDepth
// entries are proxies under the operator's control; the entry just past
// them is the client. A depth larger than the chain clamps to the
// leftmost entry rather than trusting nothing.
func (r *Resolver) ClientIP(req *http.Request) string {
	chain := forwardChain(req)
	idx := len(chain) - 1 - r.proxyDepth
	if idx < 0 {
		idx = 0
	}
	return canonicalIP(chain[idx])
}

// forwardChain returns forwarded hops plus the peer, left to right.
// Always non-empty.
func forwardChain(req *http.Request) []string {
	var chain []string
	for _, header := range req.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(header, ",") {
			hop = strings.TrimSpace(hop)
			if hop != "" {
				chain = append(chain, hop)
			}
		}
	}

	peer := req.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	return append(chain, peer)
}

// canonicalIP normalizes textual addresses so one client cannot occupy
// several buckets: ports and brackets are stripped, IPv4-mapped IPv6
// collapses to plain IPv4, and IPv6 renders in canonical compressed form.
// Unparseable input is returned trimmed, still usable as an opaque key.
func canonicalIP(s string) string {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.Unmap().String()
}
