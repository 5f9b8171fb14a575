// Package router maps a target host to a profile name via an ordered list
// of pattern rules, falling back to a default profile.
package router

import "github.com/dispatchproxy/dispatchproxy/internal/pattern"

// Rule pairs a compiled pattern with the profile name it selects.
type Rule struct {
	Pattern pattern.Pattern
	Profile string
}

// Router is an immutable, ordered rule list plus a default profile name.
// It is part of a config snapshot and is never mutated after construction;
// hot reload replaces the whole snapshot rather than any field here.
type Router struct {
	Default string
	Rules   []Rule
}

// New builds a Router from an ordered rule list and default profile name.
func New(defaultProfile string, rules []Rule) *Router {
	return &Router{Default: defaultProfile, Rules: rules}
}

// Resolve returns the profile name for host: the first rule whose pattern
// matches, in declared order, or Default if none match. This is a linear
// scan, O(n) in the rule count, which the spec expects to stay small
// (tens of rules).
func (r *Router) Resolve(host string) string {
	if r == nil {
		return ""
	}
	for _, rule := range r.Rules {
		if rule.Pattern.Matches(host) {
			return rule.Profile
		}
	}
	return r.Default
}
