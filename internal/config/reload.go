package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of filesystem events — editors that save
// by writing a temp file and renaming it over the original otherwise fire
// two or three events for a single logical edit.
const DefaultDebounce = 250 * time.Millisecond

// ReloadTask watches a config file's parent directory (not the file
// itself, so atomic rename-replace saves are still seen) and re-runs the
// Loader whenever the file changes, installing the result into the Cell on
// success. Failures are logged and leave the Cell untouched.
type ReloadTask struct {
	loader   *Loader
	cell     *Cell
	logger   *slog.Logger
	debounce time.Duration
}

// NewReloadTask builds a ReloadTask bound to loader and cell. logger must
// not be nil; pass slog.Default() if the caller has nothing more specific.
func NewReloadTask(loader *Loader, cell *Cell, logger *slog.Logger) *ReloadTask {
	return &ReloadTask{loader: loader, cell: cell, logger: logger, debounce: DefaultDebounce}
}

// Run watches the config directory and reloads on change until ctx is
// canceled. It returns nil on a clean cancellation and a non-nil error
// only if the watcher itself could not be set up.
func (t *ReloadTask) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(t.loader.Path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Base(t.loader.Path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	scheduleFire := func() {
		if timer == nil {
			timer = time.AfterFunc(t.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
			return
		}
		timer.Reset(t.debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			scheduleFire()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Error("config: watcher error", "err", err)

		case <-fire:
			t.reload()
		}
	}
}

func (t *ReloadTask) reload() {
	snap, err := t.loader.Load()
	if err != nil {
		t.logger.Error("config: reload failed, keeping previous snapshot", "path", t.loader.Path, "err", err)
		return
	}
	t.cell.Store(snap)
	t.logger.Info("config: reload ok",
		"path", t.loader.Path,
		"rules", snap.RuleCount,
		"profiles", snap.ProfileCount,
	)
}
