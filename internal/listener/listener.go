// Package listener binds one or more TCP listen addresses, accepts
// connections in parallel, spawns a handler task per connection, and
// coordinates graceful shutdown across all of them.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ConnHandler is the per-connection entry point a Set dispatches accepted
// sockets to.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// BindError reports which listen address failed to bind at startup.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listener: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Options configures a Set.
type Options struct {
	Addrs   []string
	Handler ConnHandler
	Logger  *slog.Logger

	// AcceptRate and AcceptBurst configure an optional per-listener
	// accept-rate limiter. Zero AcceptRate disables limiting.
	AcceptRate  float64
	AcceptBurst int

	// DrainDeadline bounds how long Shutdown waits for in-flight handler
	// tasks to finish on their own before returning.
	DrainDeadline time.Duration
}

// Set owns every bound listener and the handler goroutines spawned from
// them.
type Set struct {
	opts Options

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New builds a Set. Call ListenAndServe to bind and start accepting.
func New(opts Options) *Set {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Set{opts: opts}
}

// ListenAndServe binds every configured address — aborting with a
// *BindError and closing anything already bound if any one fails — then
// accepts on all of them until ctx is canceled or a listener fails.
func (s *Set) ListenAndServe(ctx context.Context) error {
	if len(s.opts.Addrs) == 0 {
		return errors.New("listener: no addresses configured")
	}

	lns := make([]net.Listener, 0, len(s.opts.Addrs))
	for _, addr := range s.opts.Addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, opened := range lns {
				opened.Close()
			}
			return &BindError{Addr: addr, Err: err}
		}
		lns = append(lns, ln)
		s.opts.Logger.Info("listener: bound", "addr", ln.Addr().String())
	}

	s.mu.Lock()
	s.listeners = lns
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range lns {
		ln := ln
		var limiter *rate.Limiter
		if s.opts.AcceptRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.opts.AcceptRate), s.opts.AcceptBurst)
		}
		g.Go(func() error { return s.acceptLoop(gctx, ln, limiter) })
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			s.closeListeners()
		case <-stopped:
		}
	}()

	err := g.Wait()
	close(stopped)

	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Set) acceptLoop(ctx context.Context, ln net.Listener, limiter *rate.Limiter) error {
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.opts.Logger.Error("listener: accept failed", "addr", ln.Addr().String(), "err", err)
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.opts.Handler.Handle(ctx, conn)
		}()
	}
}

func (s *Set) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// Shutdown closes every listener (stopping new accepts) and waits for
// in-flight handler tasks to finish, up to DrainDeadline. It does not
// force-kill stragglers; callers rely on ctx cancellation (passed to
// ListenAndServe) to unstick handlers that are blocked in I/O.
func (s *Set) Shutdown(ctx context.Context) error {
	s.closeListeners()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	deadline := s.opts.DrainDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("listener: drain deadline exceeded")
	case <-ctx.Done():
		return ctx.Err()
	}
}
