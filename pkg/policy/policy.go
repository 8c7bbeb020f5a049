// Package policy maps request paths to cache time-to-live values.
package policy

import (
	"strings"
	"time"
)

// Rule caches requests whose path contains Match for TTL.
type Rule struct {
	Match string        `json:"match" yaml:"match" validate:"required"`
	TTL   time.Duration `json:"ttl" yaml:"ttl" validate:"gt=0"`
}

// Table is an ordered list of rules. The first matching rule wins.
type Table struct {
	rules []Rule
}

// New creates a Table from rules in declaration order.
func New(rules []Rule) *Table {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Table{rules: cp}
}

// Default returns the built-in endpoint bands.
func Default() *Table {
	return New(DefaultRules())
}

// DefaultRules returns the built-in rules in match order.
func DefaultRules() []Rule {
	return []Rule{
		{Match: "/api/trending", TTL: 5 * time.Minute},
		{Match: "/api/genres", TTL: 24 * time.Hour},
		{Match: "/api/popular", TTL: 10 * time.Minute},
		{Match: "/api/now-playing", TTL: 10 * time.Minute},
		{Match: "/api/upcoming", TTL: time.Hour},
		{Match: "/api/watch-providers", TTL: 24 * time.Hour},
		{Match: "/api/search", TTL: 5 * time.Minute},
	}
}

// Match returns the first rule whose substring is contained in path.
// ok is false when the path must not be cached.
func (t *Table) Match(path string) (rule Rule, ok bool) {
	if t == nil {
		return Rule{}, false
	}
	for _, r := range t.rules {
		if strings.Contains(path, r.Match) {
			return r, true
		}
	}
	return Rule{}, false
}

// Rules returns a copy of the table's rules.
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	cp := make([]Rule, len(t.rules))
	copy(cp, t.rules)
	return cp
}
