package listener

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type countingHandler struct {
	n atomic.Int64
}

func (h *countingHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	h.n.Add(1)
	buf := make([]byte, 1)
	conn.Read(buf)
}

func TestSet_BindsAllAddrsAndAccepts(t *testing.T) {
	h := &countingHandler{}
	set := New(Options{Addrs: []string{"127.0.0.1:0", "127.0.0.1:0"}, Handler: h})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- set.ListenAndServe(ctx) }()

	// Let the listeners bind.
	time.Sleep(50 * time.Millisecond)

	set.mu.Lock()
	addrs := make([]string, len(set.listeners))
	for i, ln := range set.listeners {
		addrs[i] = ln.Addr().String()
	}
	set.mu.Unlock()
	if len(addrs) != 2 {
		t.Fatalf("expected 2 bound listeners, got %d", len(addrs))
	}

	for _, addr := range addrs {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %s: %v", addr, err)
		}
		conn.Write([]byte("x"))
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.n.Load(); got != 2 {
		t.Fatalf("handled %d connections, want 2", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServe returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ListenAndServe did not return after cancellation")
	}
}

func TestSet_AcceptRateLimitsThroughput(t *testing.T) {
	h := &countingHandler{}
	set := New(Options{
		Addrs:       []string{"127.0.0.1:0"},
		Handler:     h,
		AcceptRate:  5, // one token every 200ms
		AcceptBurst: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- set.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)

	set.mu.Lock()
	addr := set.listeners[0].Addr().String()
	set.mu.Unlock()

	start := time.Now()
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Write([]byte("x"))
		conn.Close()
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.n.Load(); got != 3 {
		t.Fatalf("handled %d connections, want 3", got)
	}

	// AcceptBurst=1 admits the first accept immediately; at
	// AcceptRate=5/s the limiter then paces the other two roughly 200ms
	// apart, so handling all three takes meaningfully longer than an
	// unthrottled accept loop would.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("rate limiter did not pace accepts: elapsed=%v", elapsed)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServe returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ListenAndServe did not return after cancellation")
	}
}

func TestSet_BindFailureAbortsStartup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	set := New(Options{Addrs: []string{"127.0.0.1:0", ln.Addr().String()}, Handler: &countingHandler{}})
	err = set.ListenAndServe(context.Background())
	if err == nil {
		t.Fatalf("expected bind failure")
	}
	var be *BindError
	if !errorsAsBindError(err, &be) {
		t.Fatalf("err = %v, want *BindError", err)
	}
}

func errorsAsBindError(err error, target **BindError) bool {
	be, ok := err.(*BindError)
	if ok {
		*target = be
	}
	return ok
}
