package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads configuration when parley.yaml changes on disk.
// Editors produce bursts of write events, so reloads are debounced.
type Watcher struct {
	dir      string
	onReload func(*Config)
	debounce time.Duration
}

// NewWatcher creates a config watcher. onReload is called with each
// successfully loaded new configuration.
func NewWatcher(configDir string, onReload func(*Config)) *Watcher {
	return &Watcher{
		dir:      configDir,
		onReload: onReload,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until the context is cancelled. Reload failures are logged
// and the previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != "parley.yaml" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		case <-fire:
			cfg, err := Load(w.dir)
			if err != nil {
				slog.Error("Config reload failed, keeping previous configuration", "error", err)
				continue
			}
			slog.Info("Configuration reloaded", "dir", w.dir)
			w.onReload(cfg)
		}
	}
}
