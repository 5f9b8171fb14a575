package handler

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dispatchproxy/dispatchproxy/internal/httpproxy"
	"github.com/dispatchproxy/dispatchproxy/internal/profile"
	"github.com/dispatchproxy/dispatchproxy/internal/session"
	"github.com/dispatchproxy/dispatchproxy/internal/socks5"
	"github.com/dispatchproxy/dispatchproxy/internal/tunnel"
)

// Handler runs the per-connection state machine described in the design:
// ReadHead, Classify, Resolve, Dial, Respond-or-Tunnel, Close.
type Handler struct {
	opts Options
}

// New builds a Handler. Cell, Dialer, Sessions, Metrics must be set on
// opts; everything else has a sensible default.
func New(opts Options) *Handler {
	return &Handler{opts: withDefaults(opts)}
}

// Handle owns conn for its entire lifetime: it always closes it before
// returning.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	h.opts.Metrics.IncActive()
	defer h.opts.Metrics.DecActive()

	snap := h.opts.Cell.Load()

	br := bufio.NewReaderSize(conn, 4096)
	if h.opts.ReadHeadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadHeadTimeout))
	}
	req, err := readHead(br, h.opts.MaxHeadBytes)
	if err != nil {
		writeStatus(conn, 400, "Bad Request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	profileName := snap.Router.Resolve(req.host)
	prof, err := snap.Registry.Lookup(profileName)
	if err != nil {
		h.opts.Logger.Error("handler: resolved profile missing from registry",
			"host", req.host, "profile", profileName, "err", err)
		writeStatus(conn, 502, "Bad Gateway")
		return
	}

	h.opts.Logger.Info("handler: connection accepted",
		"peer", conn.RemoteAddr().String(), "profile", profileName, "host", req.host, "connect", req.isConnect)
	h.opts.Metrics.AddAccepted(profileName)

	dialCtx, cancel := context.WithTimeout(ctx, h.opts.DialTimeout)
	start := time.Now()
	upstream, err := h.dial(dialCtx, prof, req)
	cancel()
	h.opts.Metrics.ObserveDialLatency(profileName, time.Since(start))
	if err != nil {
		h.opts.Metrics.AddDialFailure(profileName)
		h.opts.Logger.Warn("handler: upstream dial failed",
			"profile", profileName, "host", req.host, "err", err)
		writeStatus(conn, 502, "Bad Gateway")
		return
	}
	defer upstream.Close()

	id := newSessionID()
	h.opts.Sessions.Add(session.Info{
		ID: id, Client: conn.RemoteAddr().String(), Host: req.host,
		Profile: profileName, StartedAt: time.Now(),
	})
	defer h.opts.Sessions.Remove(id)

	leftover := drainBuffered(br)

	if req.isConnect {
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return
		}
	} else {
		absolute := prof.Scheme == profile.SchemeHTTP
		if _, err := upstream.Write(req.forwardBytes(absolute)); err != nil {
			return
		}
	}

	initial := io.MultiReader(bytes.NewReader(leftover), conn)
	bridge := tunnel.New(tunnel.Options{
		BufferPool: h.opts.BufferPool,
		Metrics:    profileMetrics{profile: profileName, m: h.opts.Metrics},
	})
	_ = bridge.Copy(ctx, conn, upstream, initial)
}

// dial opens the upstream transport according to the resolved profile.
func (h *Handler) dial(ctx context.Context, prof profile.Profile, req *head) (net.Conn, error) {
	switch prof.Scheme {
	case profile.SchemeDirect:
		return h.opts.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(req.host, portString(req.port)))

	case profile.SchemeSOCKS5:
		return socks5.Dial(ctx, h.opts.Dialer, prof.Addr(), req.host, req.port, socks5.Options{Timeout: h.opts.DialTimeout})

	case profile.SchemeHTTP:
		if req.isConnect {
			return httpproxy.DialConnect(ctx, h.opts.Dialer, prof.Addr(), net.JoinHostPort(req.host, portString(req.port)), h.opts.DialTimeout)
		}
		return httpproxy.DialForward(ctx, h.opts.Dialer, prof.Addr(), h.opts.DialTimeout)

	default:
		return nil, fmt.Errorf("handler: unknown profile scheme %v", prof.Scheme)
	}
}

// drainBuffered pulls out whatever the head-reading bufio.Reader already
// buffered past the blank line — a pipelined second request, or the start
// of a request body — so it isn't lost once the raw conn takes over.
func drainBuffered(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	buf, _ := br.Peek(n)
	out := make([]byte, len(buf))
	copy(out, buf)
	br.Discard(n)
	return out
}

func writeStatus(conn net.Conn, code int, text string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, text)
	_, _ = conn.Write([]byte(resp))
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// profileMetrics adapts handler.Metrics (which labels byte counters by
// profile name) to the plain tunnel.Metrics interface a Bridge expects.
type profileMetrics struct {
	profile string
	m       Metrics
}

func (p profileMetrics) AddIngress(n int64) { p.m.AddIngress(p.profile, n) }
func (p profileMetrics) AddEgress(n int64)  { p.m.AddEgress(p.profile, n) }
