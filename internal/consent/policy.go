package consent

import (
	"fmt"
	"time"

	"github.com/wardenlabs/warden/internal/safezone"
)

// Verdict is the outcome of a policy check.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictAsk   Verdict = "ask"
)

// Policy is the operator-controlled rule set. Patterns use the typed matcher
// syntax (exact:/prefix:/glob:/re:, untagged = glob) and are tried against
// both the bare target and "operation:target".
type Policy struct {
	AlwaysAllow    []string      `json:"alwaysAllow" yaml:"alwaysAllow"`
	AlwaysDeny     []string      `json:"alwaysDeny" yaml:"alwaysDeny"`
	RequireConsent []string      `json:"requireConsent" yaml:"requireConsent"`
	DefaultTimeout time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
}

// PolicyUpdate is a partial policy mutation; nil fields are left unchanged.
type PolicyUpdate struct {
	AlwaysAllow    *[]string
	AlwaysDeny     *[]string
	RequireConsent *[]string
	DefaultTimeout *time.Duration
}

// compiledPolicy holds the parsed pattern lists.
type compiledPolicy struct {
	raw            Policy
	alwaysAllow    []safezone.Pattern
	alwaysDeny     []safezone.Pattern
	requireConsent []safezone.Pattern
}

func compilePolicy(p Policy) (compiledPolicy, error) {
	if p.DefaultTimeout <= 0 {
		p.DefaultTimeout = 30 * time.Second
	}
	allow, err := safezone.ParsePatterns(p.AlwaysAllow)
	if err != nil {
		return compiledPolicy{}, fmt.Errorf("consent: alwaysAllow: %w", err)
	}
	deny, err := safezone.ParsePatterns(p.AlwaysDeny)
	if err != nil {
		return compiledPolicy{}, fmt.Errorf("consent: alwaysDeny: %w", err)
	}
	ask, err := safezone.ParsePatterns(p.RequireConsent)
	if err != nil {
		return compiledPolicy{}, fmt.Errorf("consent: requireConsent: %w", err)
	}
	return compiledPolicy{raw: p, alwaysAllow: allow, alwaysDeny: deny, requireConsent: ask}, nil
}

// check evaluates precedence: alwaysDeny beats alwaysAllow beats
// requireConsent; no match falls through to ask with an empty rule.
func (c compiledPolicy) check(op Operation, target string) (Verdict, string) {
	qualified := string(op) + ":" + target
	if rule, ok := matchAny(c.alwaysDeny, target, qualified); ok {
		return VerdictDeny, rule
	}
	if rule, ok := matchAny(c.alwaysAllow, target, qualified); ok {
		return VerdictAllow, rule
	}
	if rule, ok := matchAny(c.requireConsent, target, qualified); ok {
		return VerdictAsk, rule
	}
	return VerdictAsk, ""
}

func matchAny(patterns []safezone.Pattern, target, qualified string) (string, bool) {
	for _, p := range patterns {
		if p.Match(target) || p.Match(qualified) {
			return p.String(), true
		}
	}
	return "", false
}

// apply merges a partial update into the policy.
func (p Policy) apply(u PolicyUpdate) Policy {
	if u.AlwaysAllow != nil {
		p.AlwaysAllow = *u.AlwaysAllow
	}
	if u.AlwaysDeny != nil {
		p.AlwaysDeny = *u.AlwaysDeny
	}
	if u.RequireConsent != nil {
		p.RequireConsent = *u.RequireConsent
	}
	if u.DefaultTimeout != nil {
		p.DefaultTimeout = *u.DefaultTimeout
	}
	return p
}
