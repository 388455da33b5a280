package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/duskpine/vombat/internal/app"
	"github.com/duskpine/vombat/internal/config"
)

// Exit codes: 0 clean, 1 configuration, 2 platform auth, 3 storage.
const (
	exitOK      = 0
	exitConfig  = 1
	exitAuth    = 2
	exitStorage = 3
)

func runBot() int {
	dirs := configDirs()
	cfg, err := config.Load(dirs...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return exitCode(err)
	}

	// Config edits are picked up for visibility; applying them needs a
	// restart and the log says so.
	if err := config.Watch(ctx, dirs, func(*config.Config) {
		slog.Info("configuration changed on disk; restart to apply")
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	if err := a.Run(ctx); err != nil {
		slog.Error("run failed", "error", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, app.ErrAdapterAuth):
		return exitAuth
	case errors.Is(err, app.ErrStorage):
		return exitStorage
	default:
		return exitConfig
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
