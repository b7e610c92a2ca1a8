// Package match maps request paths to rate limit rules.
//
// Rules carry glob patterns over path segments: `*` matches exactly one
// segment, a trailing `**` matches any remaining suffix. When several
// patterns match a path the most specific one wins, counted in literal
// segments, and declaration order breaks remaining ties. Exemptions are
// resolved here too, before any rule lookup happens.
package match

import (
	"fmt"
	"strings"

	"quotagate/pkg/ratelimit"
)

// Rule binds an endpoint pattern to its limits. TierLimits override
// Limits for clients on a named tier.
type Rule struct {
	Pattern    string
	Limits     []ratelimit.Limit
	TierLimits map[string][]ratelimit.Limit
}

// Match is the outcome of a rule lookup: the pattern that matched (used
// in keys and metrics) and the limits to enforce.
type Match struct {
	Pattern string
	Limits  []ratelimit.Limit
}

type compiledRule struct {
	raw      string
	segments []string
	suffix   bool // trailing ** swallows the rest of the path
	literals int
	rule     Rule
}

// Matcher resolves rules for request paths. Build once at startup; safe
// for concurrent use afterwards.
type Matcher struct {
	rules        []compiledRule
	tierDefaults map[string][]ratelimit.Limit
	global       []ratelimit.Limit
}

// MatcherConfig configures a Matcher.
type MatcherConfig struct {
	// Rules in declaration order. Order matters only for specificity ties.
	Rules []Rule

	// TierDefaults apply when no endpoint rule matches and the client is
	// on a known tier.
	TierDefaults map[string][]ratelimit.Limit

	// GlobalDefault applies when nothing else does. Required: every
	// request must resolve to some limit set.
	GlobalDefault []ratelimit.Limit
}

// NewMatcher validates and compiles cfg.
func NewMatcher(cfg MatcherConfig) (*Matcher, error) {
	if err := ratelimit.ValidateLimits(cfg.GlobalDefault); err != nil {
		return nil, fmt.Errorf("global default: %w", err)
	}
	for tier, limits := range cfg.TierDefaults {
		if err := ratelimit.ValidateLimits(limits); err != nil {
			return nil, fmt.Errorf("tier %q default: %w", tier, err)
		}
	}

	m := &Matcher{
		tierDefaults: cfg.TierDefaults,
		global:       cfg.GlobalDefault,
	}
	for _, r := range cfg.Rules {
		cr, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, err
		}
		if err := ratelimit.ValidateLimits(r.Limits); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
		for tier, limits := range r.TierLimits {
			if err := ratelimit.ValidateLimits(limits); err != nil {
				return nil, fmt.Errorf("rule %q tier %q: %w", r.Pattern, tier, err)
			}
		}
		cr.rule = r
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

func compilePattern(pattern string) (compiledRule, error) {
	if !strings.HasPrefix(pattern, "/") {
		return compiledRule{}, fmt.Errorf("%w: pattern %q must start with /", ratelimit.ErrInvalidConfig, pattern)
	}

	segments := splitPath(pattern)
	cr := compiledRule{raw: pattern, segments: segments}
	for i, seg := range segments {
		switch seg {
		case "**":
			if i != len(segments)-1 {
				return compiledRule{}, fmt.Errorf("%w: pattern %q: ** is only valid as the final segment", ratelimit.ErrInvalidConfig, pattern)
			}
			cr.suffix = true
			cr.segments = segments[:i]
		case "*":
		default:
			cr.literals++
		}
	}
	return cr, nil
}

// Resolve returns the rule for path and tier: the most specific matching
// endpoint rule, falling back to the tier default and then the global
// default. It always returns a valid limit set.
func (m *Matcher) Resolve(path, tier string) Match {
	best := -1
	for i := range m.rules {
		if !m.rules[i].matches(path) {
			continue
		}
		if best == -1 || m.rules[i].literals > m.rules[best].literals {
			best = i
		}
	}
	if best >= 0 {
		r := m.rules[best].rule
		if limits, ok := r.TierLimits[tier]; ok {
			return Match{Pattern: r.Pattern, Limits: limits}
		}
		return Match{Pattern: r.Pattern, Limits: r.Limits}
	}

	if limits, ok := m.tierDefaults[tier]; ok {
		return Match{Pattern: "tier:" + tier, Limits: limits}
	}
	return Match{Pattern: "default", Limits: m.global}
}

func (c *compiledRule) matches(path string) bool {
	segs := splitPath(path)
	if c.suffix {
		if len(segs) < len(c.segments) {
			return false
		}
		segs = segs[:len(c.segments)]
	} else if len(segs) != len(c.segments) {
		return false
	}
	for i, pat := range c.segments {
		if pat == "*" {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if pat != segs[i] {
			return false
		}
	}
	return true
}

// splitPath splits on "/" dropping the leading empty element and any
// trailing slash, so "/a/b/" and "/a/b" compare equal.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
