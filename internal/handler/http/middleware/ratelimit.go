// Package middleware provides HTTP middleware for the service: rate limit
// enforcement and supporting plumbing.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"quotagate/internal/handler/http/respond"
	"quotagate/internal/identify"
	"quotagate/internal/match"
	"quotagate/internal/observability/logging"
	"quotagate/pkg/ratelimit"
)

// Rate limit response headers, set on every limited response.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// denialBody is the JSON payload sent with 429 responses.
type denialBody struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
}

// RateLimitConfig assembles the enforcement middleware.
type RateLimitConfig struct {
	Limiter    *ratelimit.Limiter
	Resolver   *identify.Resolver
	Matcher    *match.Matcher
	Exemptions *match.Exemptions
	Metrics    ratelimit.Metrics
	Logger     *slog.Logger
}

// RateLimit enforces the configured quotas on every request that passes
// through it.
//
// The pipeline per request: resolve identity, check exemptions, match the
// endpoint rule, ask the limiter, then shape the response. Allowed
// requests proceed with quota headers attached; denied requests get 429,
// Retry-After and a JSON body. The limiter itself never fails, so the
// middleware has no error path of its own.
type RateLimit struct {
	limiter    *ratelimit.Limiter
	resolver   *identify.Resolver
	matcher    *match.Matcher
	exemptions *match.Exemptions
	metrics    ratelimit.Metrics
	logger     *slog.Logger
}

// NewRateLimit validates cfg and builds the middleware.
func NewRateLimit(cfg RateLimitConfig) (*RateLimit, error) {
	if cfg.Limiter == nil || cfg.Resolver == nil || cfg.Matcher == nil || cfg.Exemptions == nil {
		return nil, fmt.Errorf("%w: middleware requires limiter, resolver, matcher and exemptions", ratelimit.ErrInvalidConfig)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ratelimit.NewNoOpMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RateLimit{
		limiter:    cfg.Limiter,
		resolver:   cfg.Resolver,
		matcher:    cfg.Matcher,
		exemptions: cfg.Exemptions,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}, nil
}

// Middleware returns the enforcement handler wrapping next.
func (m *RateLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		id := m.resolver.Resolve(r)

		if m.exempt(r, id, path) {
			m.metrics.RecordDecision(string(id.Type), path, "exempt")
			next.ServeHTTP(w, r)
			return
		}

		rule := m.matcher.Resolve(path, id.Tier)
		key := ratelimit.Key{
			ClientID: id.ClientID,
			Type:     id.Type,
			Pattern:  rule.Pattern,
			Tier:     id.Tier,
		}

		d := m.limiter.Allow(r.Context(), key, rule.Limits)

		w.Header().Set(HeaderLimit, strconv.Itoa(d.Limit))
		w.Header().Set(HeaderRemaining, strconv.Itoa(d.Remaining))
		w.Header().Set(HeaderReset, strconv.FormatInt(d.ResetAfterSeconds(), 10))

		if !d.Allowed {
			m.metrics.RecordDecision(string(id.Type), rule.Pattern, "denied")
			retryAfter := d.RetryAfterSeconds()
			logging.WithRequestID(r.Context(), m.logger).Info("request rate limited",
				slog.String("client", id.ClientID),
				slog.String("client_type", string(id.Type)),
				slog.String("pattern", rule.Pattern),
				slog.String("source", d.Source),
				slog.Int64("retry_after", retryAfter))

			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			respond.JSON(w, http.StatusTooManyRequests, denialBody{
				Error:      "rate_limited",
				Reason:     d.Source,
				Message:    "request rate limit exceeded, slow down",
				RetryAfter: retryAfter,
			})
			return
		}

		m.metrics.RecordDecision(string(id.Type), rule.Pattern, "allowed")
		next.ServeHTTP(w, r)
	})
}

// exempt reports whether the request bypasses limiting: by path, by
// authenticated user, or by source network. The source address check
// always uses the transport-level client address, even for requests
// attributed to a user.
func (m *RateLimit) exempt(r *http.Request, id identify.Identity, path string) bool {
	if m.exemptions.ExemptPath(path) {
		return true
	}
	if id.Type == ratelimit.ClientUser && m.exemptions.ExemptUser(id.ClientID) {
		return true
	}
	return m.exemptions.ExemptIP(m.resolver.ClientIP(r))
}
