package match

import (
	"fmt"
	"net/netip"

	"quotagate/pkg/ratelimit"
)

// DefaultExemptPatterns are the operational paths excluded from limiting
// out of the box. Probes and scrapers hit these constantly; throttling
// them turns an overload into an outage report.
var DefaultExemptPatterns = []string{
	"/health",
	"/healthz",
	"/ready",
	"/readyz",
	"/metrics",
	"/docs/**",
	"/swagger/**",
}

// ExemptionsConfig configures an Exemptions set.
type ExemptionsConfig struct {
	// CIDRs lists source networks that bypass limiting, e.g. internal
	// load balancer ranges.
	CIDRs []string

	// Users lists user ids that bypass limiting.
	Users []string

	// Patterns lists endpoint patterns that bypass limiting, with the
	// same glob syntax as rules.
	Patterns []string

	// SkipDefaults drops DefaultExemptPatterns, for operators who want
	// probe paths limited too.
	SkipDefaults bool
}

// Exemptions decides whether a request bypasses rate limiting entirely.
// Build once at startup; safe for concurrent use afterwards.
type Exemptions struct {
	prefixes []netip.Prefix
	users    map[string]struct{}
	patterns []compiledRule
}

// NewExemptions validates and compiles cfg.
func NewExemptions(cfg ExemptionsConfig) (*Exemptions, error) {
	e := &Exemptions{users: make(map[string]struct{}, len(cfg.Users))}

	for _, raw := range cfg.CIDRs {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: exempt cidr %q: %v", ratelimit.ErrInvalidConfig, raw, err)
		}
		e.prefixes = append(e.prefixes, prefix)
	}
	for _, u := range cfg.Users {
		e.users[u] = struct{}{}
	}

	patterns := cfg.Patterns
	if !cfg.SkipDefaults {
		patterns = append(append([]string{}, DefaultExemptPatterns...), patterns...)
	}
	for _, p := range patterns {
		cr, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		e.patterns = append(e.patterns, cr)
	}
	return e, nil
}

// ExemptPath reports whether the path bypasses limiting.
func (e *Exemptions) ExemptPath(path string) bool {
	for i := range e.patterns {
		if e.patterns[i].matches(path) {
			return true
		}
	}
	return false
}

// ExemptUser reports whether the user id bypasses limiting.
func (e *Exemptions) ExemptUser(userID string) bool {
	_, ok := e.users[userID]
	return ok
}

// ExemptIP reports whether the address falls inside an exempt network.
// Unparseable addresses are never exempt.
func (e *Exemptions) ExemptIP(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, prefix := range e.prefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}
