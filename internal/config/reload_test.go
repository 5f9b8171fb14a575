package config

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

const validConfigA = `{
	"switch": { "default": "direct", "rules": [] },
	"profiles": { "direct": { "scheme": "direct" } }
}`

const validConfigB = `{
	"switch": { "default": "lab", "rules": [] },
	"profiles": { "lab": { "scheme": "socks5", "host": "127.0.0.1", "port": 1081 } }
}`

func TestReloadTask_PicksUpFileChange(t *testing.T) {
	path := writeTemp(t, validConfigA)

	loader := NewLoader(path)
	initial, err := loader.Load()
	if err != nil {
		t.Fatalf("initial Load: %v", err)
	}
	cell := NewCell(initial)

	task := NewReloadTask(loader, cell, slog.Default())
	task.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	// Give the watcher time to register before the edit.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte(validConfigB), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cell.Load().RuleCount == 0 {
			if got := cell.Load().Router.Resolve("anything"); got == "lab" {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := cell.Load().Router.Resolve("anything"); got != "lab" {
		t.Fatalf("after reload, default resolves to %q, want lab", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}

func TestReloadTask_InvalidEditKeepsPreviousSnapshot(t *testing.T) {
	path := writeTemp(t, validConfigA)

	loader := NewLoader(path)
	initial, err := loader.Load()
	if err != nil {
		t.Fatalf("initial Load: %v", err)
	}
	cell := NewCell(initial)

	task := NewReloadTask(loader, cell, slog.Default())
	task.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = task.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("{ not valid json"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if got := cell.Load().Router.Resolve("anything"); got != "direct" {
		t.Fatalf("snapshot changed despite invalid reload: resolve=%q", got)
	}
}
