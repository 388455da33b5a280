package config

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration when any watched directory changes and
// calls onChange with the fresh config. Invalid intermediate states are
// logged and skipped; the previous config stays active.
func Watch(ctx context.Context, dirs []string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Warn("config: cannot watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer watcher.Close()
		// Editors fire bursts of events per save; debounce them.
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".toml") {
					continue
				}
				pending = time.After(500 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watch error", "error", err)
			case <-pending:
				pending = nil
				cfg, err := Load(dirs...)
				if err != nil {
					slog.Warn("config: reload failed, keeping previous", "error", err)
					continue
				}
				if err := cfg.Validate(); err != nil {
					slog.Warn("config: reloaded config invalid, keeping previous", "error", err)
					continue
				}
				slog.Info("config: reloaded")
				onChange(cfg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
