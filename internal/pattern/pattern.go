// Package pattern compiles host-matching rules used by the router to pick
// an upstream profile for a target host.
package pattern

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidPattern is returned by Compile for source strings that cannot be
// represented as any recognized shape. In practice this is only the empty
// string; every other source compiles.
var ErrInvalidPattern = errors.New("pattern: invalid pattern")

// Kind identifies which of the three recognized shapes a Pattern compiled to.
type Kind int

const (
	// KindExact matches a host byte-for-byte (after normalization).
	KindExact Kind = iota
	// KindSuffix matches a host equal to, or ending in ".", the suffix.
	KindSuffix
	// KindPrefix matches a host whose normalized form starts with the prefix.
	KindPrefix
)

// Pattern is a compiled host matcher. The zero value is not usable; obtain
// one via Compile.
type Pattern struct {
	kind   Kind
	source string
	value  string
}

// Compile parses source into a Pattern. Three shapes are recognized:
//
//   - "*.SUFFIX"  — suffix wildcard, matches SUFFIX itself and "x.SUFFIX"
//   - "PREFIX*" or "PREFIX.*" — prefix wildcard, byte-prefix match
//   - anything else — exact match
func Compile(source string) (Pattern, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	switch {
	case strings.HasPrefix(trimmed, "*."):
		suffix := normalizeHost(trimmed[2:])
		return Pattern{kind: KindSuffix, source: trimmed, value: suffix}, nil

	case strings.HasSuffix(trimmed, ".*"):
		prefix := normalizeHost(trimmed[:len(trimmed)-2])
		return Pattern{kind: KindPrefix, source: trimmed, value: prefix}, nil

	case strings.HasSuffix(trimmed, "*"):
		prefix := normalizeHost(trimmed[:len(trimmed)-1])
		return Pattern{kind: KindPrefix, source: trimmed, value: prefix}, nil

	default:
		return Pattern{kind: KindExact, source: trimmed, value: normalizeHost(trimmed)}, nil
	}
}

// Matches reports whether host satisfies the pattern. Host is normalized
// the same way the pattern's own value was at compile time, so comparison
// is always apples-to-apples.
func (p Pattern) Matches(host string) bool {
	h := normalizeHost(host)
	switch p.kind {
	case KindSuffix:
		return h == p.value || strings.HasSuffix(h, "."+p.value)
	case KindPrefix:
		return strings.HasPrefix(h, p.value)
	default:
		return h == p.value
	}
}

// Kind reports which shape the pattern compiled to.
func (p Pattern) Kind() Kind { return p.kind }

// String returns the original source text the pattern was compiled from.
func (p Pattern) String() string { return p.source }

// normalizeHost returns IP literals unchanged, so they compare byte-exact.
// Any other host that is a syntactically valid DNS name goes through IDNA
// ToASCII (which also lowercases it) so internationalized hostnames compare
// the way DNS resolution sees them; anything idna rejects falls back to a
// plain lowercase.
func normalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return h
	}
	if net.ParseIP(h) != nil {
		return h
	}
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		return ascii
	}
	return strings.ToLower(h)
}
