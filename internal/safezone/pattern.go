package safezone

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// PatternKind selects the matching semantics of a configured pattern.
type PatternKind string

const (
	KindExact  PatternKind = "exact"
	KindPrefix PatternKind = "prefix"
	KindGlob   PatternKind = "glob"
	KindRegex  PatternKind = "regex"
)

// Pattern is a typed matcher over paths and freeform strings. Config entries
// select the kind with an "exact:", "prefix:", "glob:" or "re:" prefix;
// untagged entries are globs.
type Pattern struct {
	Kind PatternKind
	Raw  string

	re *regexp.Regexp
}

// ParsePattern parses a config pattern string into a Pattern.
func ParsePattern(s string) (Pattern, error) {
	kind := KindGlob
	raw := s
	switch {
	case strings.HasPrefix(s, "exact:"):
		kind, raw = KindExact, strings.TrimPrefix(s, "exact:")
	case strings.HasPrefix(s, "prefix:"):
		kind, raw = KindPrefix, strings.TrimPrefix(s, "prefix:")
	case strings.HasPrefix(s, "glob:"):
		kind, raw = KindGlob, strings.TrimPrefix(s, "glob:")
	case strings.HasPrefix(s, "re:"):
		kind, raw = KindRegex, strings.TrimPrefix(s, "re:")
	}

	if raw == "" {
		return Pattern{}, fmt.Errorf("safezone: empty pattern %q", s)
	}

	p := Pattern{Kind: kind, Raw: raw}
	if kind == KindRegex {
		re, err := regexp.Compile(raw)
		if err != nil {
			return Pattern{}, fmt.Errorf("safezone: bad regex pattern %q: %w", raw, err)
		}
		p.re = re
	}
	if kind == KindGlob {
		// Fail fast on malformed globs instead of at match time.
		if _, err := path.Match(raw, ""); err != nil {
			return Pattern{}, fmt.Errorf("safezone: bad glob pattern %q: %w", raw, err)
		}
	}
	return p, nil
}

// MustParsePatterns parses a list of pattern strings, returning the first error.
func ParsePatterns(specs []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(specs))
	for _, s := range specs {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether the pattern matches s.
func (p Pattern) Match(s string) bool {
	switch p.Kind {
	case KindExact:
		return s == p.Raw
	case KindPrefix:
		return strings.HasPrefix(s, p.Raw)
	case KindRegex:
		return p.re.MatchString(s)
	default: // glob
		if ok, _ := path.Match(p.Raw, s); ok {
			return true
		}
		// A glob like "*.pem" should match the basename of a full path too.
		if ok, _ := path.Match(p.Raw, path.Base(s)); ok {
			return true
		}
		return false
	}
}

// MatchPath is Match with path-aware semantics: prefix patterns only match on
// path component boundaries, so "prefix:/etc" matches /etc/passwd but not
// /etcetera.
func (p Pattern) MatchPath(s string) bool {
	if p.Kind == KindPrefix {
		return s == p.Raw || strings.HasPrefix(s, strings.TrimSuffix(p.Raw, "/")+"/")
	}
	return p.Match(s)
}

func (p Pattern) String() string {
	return string(p.Kind) + ":" + p.Raw
}
