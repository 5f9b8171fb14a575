package config

import (
	"testing"

	"github.com/dispatchproxy/dispatchproxy/internal/profile"
	"github.com/dispatchproxy/dispatchproxy/internal/router"
)

func TestCell_StoreIsVisibleWithoutAffectingHeldSnapshot(t *testing.T) {
	first := &Snapshot{
		Router:   router.New("direct", nil),
		Registry: profile.NewRegistry(map[string]profile.Profile{"direct": profile.Direct}),
	}
	c := NewCell(first)

	held := c.Load()
	if held != first {
		t.Fatalf("Load returned a different pointer than the initial snapshot")
	}

	second := &Snapshot{
		Router:   router.New("lab", nil),
		Registry: profile.NewRegistry(map[string]profile.Profile{"lab": profile.Direct}),
	}
	c.Store(second)

	if c.Load() != second {
		t.Fatalf("Load did not observe the stored snapshot")
	}
	if held != first {
		t.Fatalf("a previously held snapshot pointer must not be mutated by Store")
	}
}
