package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"

	"github.com/kalambet/runq/internal/config"
	"github.com/kalambet/runq/internal/coordinator"
	"github.com/kalambet/runq/internal/storage"
)

// loadConfig loads the config named by --config and installs the configured
// logger as the slog default.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(ctx context.Context, cfg config.Config) (*storage.Store, error) {
	store, err := storage.OpenDriver(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	return store, nil
}

func closeStore(store *storage.Store) {
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

// runConfig is the identity-bearing part of cfg in canonical form.
func runConfig(cfg config.Config) coordinator.RunConfig {
	return coordinator.RunConfig{
		Name:       cfg.Run.Name,
		Sources:    cfg.Run.Sources,
		Extensions: cfg.Run.Extensions,
	}.Normalize()
}

// actorName is who operator actions are attributed to in the audit trail.
func actorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}
