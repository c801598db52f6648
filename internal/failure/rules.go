package failure

import (
	"fmt"
	"regexp"
	"strings"
)

// Rules decides whether an upstream error body describes a client-side
// problem that no retry will fix (prompt too long, invalid tool schema, …).
// It supports two matching modes:
//
//   - Contains: the body must contain the rule text (case-insensitive).
//   - Regex: the body is tested against a compiled regexp.
//
// A nil *Rules is safe to call: Matches always returns false.
type Rules struct {
	contains []string
	patterns []*regexp.Regexp
}

// NewRules compiles the given substrings and regex patterns. Returns an
// error if any pattern fails to compile so that misconfiguration is caught
// when the catalog loads.
func NewRules(contains, patterns []string) (*Rules, error) {
	r := &Rules{}

	for _, c := range contains {
		if c = strings.TrimSpace(c); c != "" {
			r.contains = append(r.contains, strings.ToLower(c))
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("error rule: invalid pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}

	return r, nil
}

// Matches reports whether body matches any rule. Substring rules are checked
// first, then regex patterns in order.
func (r *Rules) Matches(body string) bool {
	if r == nil || body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, c := range r.contains {
		if strings.Contains(lower, c) {
			return true
		}
	}
	for _, re := range r.patterns {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules configured.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.contains) + len(r.patterns)
}
