// Package handler implements the per-connection state machine: read the
// request head, classify it, resolve a profile, dial upstream, and hand
// off to the tunnel.
package handler

import (
	"log/slog"
	"time"

	"github.com/dispatchproxy/dispatchproxy/internal/config"
	"github.com/dispatchproxy/dispatchproxy/internal/dial"
	"github.com/dispatchproxy/dispatchproxy/internal/session"
	"github.com/dispatchproxy/dispatchproxy/internal/tunnel"
)

// Metrics receives the events a handler produces over its lifetime.
// Byte counters are labeled by profile name so the admin surface can show
// where traffic is actually going.
type Metrics interface {
	IncActive()
	DecActive()
	AddAccepted(profileName string)
	AddDialFailure(profileName string)
	ObserveDialLatency(profileName string, d time.Duration)
	AddIngress(profileName string, n int64)
	AddEgress(profileName string, n int64)
}

// Options configures a Handler. Cell, Dialer, Sessions and Metrics are
// required; Logger defaults to slog.Default(), and the timeouts and size
// limit default to the values spec'd in §5 / §4.9 when left zero.
type Options struct {
	Cell     *config.Cell
	Dialer   dial.Dialer
	Sessions *session.Registry
	Metrics  Metrics
	Logger   *slog.Logger

	BufferPool tunnel.BufferPool

	// DialTimeout bounds opening the upstream transport: a direct TCP
	// dial, or a SOCKS5/HTTP-proxy handshake including the dial itself.
	DialTimeout time.Duration
	// ReadHeadTimeout bounds reading the inbound request head.
	ReadHeadTimeout time.Duration
	// MaxHeadBytes rejects a request whose head does not terminate
	// within this many bytes.
	MaxHeadBytes int
}

const (
	defaultDialTimeout     = 10 * time.Second
	defaultReadHeadTimeout = 30 * time.Second
	defaultMaxHeadBytes    = 64 * 1024
)

func withDefaults(o Options) Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.ReadHeadTimeout <= 0 {
		o.ReadHeadTimeout = defaultReadHeadTimeout
	}
	if o.MaxHeadBytes <= 0 {
		o.MaxHeadBytes = defaultMaxHeadBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.BufferPool == nil {
		o.BufferPool = tunnel.NewBufferPool(32 * 1024)
	}
	return o
}
