package config

import (
	"github.com/dispatchproxy/dispatchproxy/internal/profile"
	"github.com/dispatchproxy/dispatchproxy/internal/router"
)

// Snapshot is the immutable, validated view of routing rules and upstream
// profiles that handlers capture at accept time and hold for the life of a
// connection. It is produced only by the Loader and installed only via the
// Cell; nothing mutates a Snapshot's fields after construction.
type Snapshot struct {
	Router   *router.Router
	Registry *profile.Registry

	// Summary fields retained for logging ("config loaded" events) without
	// forcing callers to walk Router/Registry themselves.
	RuleCount    int
	ProfileCount int
}

// rawConfig mirrors the on-disk JSON shape from spec §6 exactly; unknown
// fields are rejected by the decoder, not here.
type rawConfig struct {
	Switch   rawSwitch             `json:"switch"`
	Profiles map[string]rawProfile `json:"profiles"`
}

type rawSwitch struct {
	Default string    `json:"default"`
	Rules   []rawRule `json:"rules"`
}

type rawRule struct {
	Pattern string `json:"pattern"`
	Profile string `json:"profile"`
}

type rawProfile struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}
