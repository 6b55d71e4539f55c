package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultWatchDebounce coalesces the burst of events editors produce when
// saving (truncate, write, chmod, or rename-over).
const defaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads the config file into a Holder when it changes on disk.
// Only reloadable sections are swapped; see Reload.
type Watcher struct {
	holder   *Holder
	env      EnvOverrides
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*Config)

	mu sync.Mutex // serializes reloads
}

// NewWatcher creates a Watcher for holder.Path(). onReload (may be nil) is
// called with every successfully applied config.
func NewWatcher(holder *Holder, env EnvOverrides, onReload func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		holder:   holder,
		env:      env,
		logger:   logger,
		debounce: defaultWatchDebounce,
		onReload: onReload,
	}
}

// Run watches until ctx is canceled. The parent directory is watched
// rather than the file so that atomic rename-over saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	path := filepath.Clean(w.holder.Path())

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	w.logger.Info("watching config file", slog.String("path", path))

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path {
				continue
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			w.reload()
		}
	}
}

// ReloadNow re-reads the config file immediately, as a SIGHUP does.
func (w *Watcher) ReloadNow() {
	w.reload()
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, ignored, err := Reload(w.holder.Path(), w.env, w.holder.Config())
	if err != nil {
		w.logger.Error("config reload failed, keeping current config",
			slog.String("path", w.holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, section := range ignored {
		w.logger.Warn("config change requires restart, ignored", slog.String("section", section))
	}

	w.holder.Update(next)

	w.logger.Info("config reloaded", slog.String("path", w.holder.Path()))

	if w.onReload != nil {
		w.onReload(next)
	}
}
