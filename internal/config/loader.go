package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dispatchproxy/dispatchproxy/internal/pattern"
	"github.com/dispatchproxy/dispatchproxy/internal/profile"
	"github.com/dispatchproxy/dispatchproxy/internal/router"
)

// Loader reads a config file from disk, tolerantly parses it as JSON with
// comments and trailing commas, validates it, and produces a fresh
// Snapshot. It is stateless and safe to call repeatedly — once at startup
// and once per reload trigger.
type Loader struct {
	Path string
}

// NewLoader returns a Loader bound to path.
func NewLoader(path string) *Loader {
	return &Loader{Path: path}
}

// Load reads, parses and validates the config file, returning a fresh
// Snapshot on success. Failures are one of *IOError, *ParseError or
// *ValidationError.
func (l *Loader) Load() (*Snapshot, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, &IOError{Path: l.Path, Err: err}
	}

	var raw rawConfig
	dec := json.NewDecoder(bytes.NewReader(stripJSONC(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, &ParseError{Path: l.Path, Err: err}
	}

	return validate(raw)
}

func validate(raw rawConfig) (*Snapshot, error) {
	var reasons []string

	profiles := make(map[string]profile.Profile, len(raw.Profiles))
	for name, rp := range raw.Profiles {
		p, errs := validateProfile(name, rp)
		reasons = append(reasons, errs...)
		profiles[name] = p
	}

	if raw.Switch.Default == "" {
		reasons = append(reasons, "switch.default is required")
	} else if _, ok := profiles[raw.Switch.Default]; !ok {
		reasons = append(reasons, fmt.Sprintf("switch.default names unknown profile %q", raw.Switch.Default))
	}

	rules := make([]router.Rule, 0, len(raw.Switch.Rules))
	for i, rr := range raw.Switch.Rules {
		if rr.Profile == "" {
			reasons = append(reasons, fmt.Sprintf("switch.rules[%d].profile is required", i))
		} else if _, ok := profiles[rr.Profile]; !ok {
			reasons = append(reasons, fmt.Sprintf("switch.rules[%d] names unknown profile %q", i, rr.Profile))
		}

		p, err := pattern.Compile(rr.Pattern)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("switch.rules[%d].pattern: %v", i, err))
			continue
		}
		rules = append(rules, router.Rule{Pattern: p, Profile: rr.Profile})
	}

	if len(reasons) > 0 {
		return nil, &ValidationError{Reasons: reasons}
	}

	return &Snapshot{
		Router:       router.New(raw.Switch.Default, rules),
		Registry:     profile.NewRegistry(profiles),
		RuleCount:    len(rules),
		ProfileCount: len(profiles),
	}, nil
}

func validateProfile(name string, rp rawProfile) (profile.Profile, []string) {
	var reasons []string

	switch rp.Scheme {
	case "direct":
		if rp.Host != "" || rp.Port != 0 {
			reasons = append(reasons, fmt.Sprintf("profiles.%s: direct profiles do not take host/port", name))
		}
		return profile.Direct, reasons

	case "http", "socks5":
		if rp.Host == "" {
			reasons = append(reasons, fmt.Sprintf("profiles.%s: host is required for scheme %q", name, rp.Scheme))
		}
		if rp.Port < 1 || rp.Port > 65535 {
			reasons = append(reasons, fmt.Sprintf("profiles.%s: port must be 1..65535, got %d", name, rp.Port))
		}
		if len(reasons) > 0 {
			return profile.Profile{}, reasons
		}
		if rp.Scheme == "http" {
			return profile.HTTP(rp.Host, rp.Port), nil
		}
		return profile.SOCKS5(rp.Host, rp.Port), nil

	default:
		reasons = append(reasons, fmt.Sprintf("profiles.%s: unknown scheme %q", name, rp.Scheme))
		return profile.Profile{}, reasons
	}
}
