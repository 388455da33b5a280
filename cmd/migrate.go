package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskpine/vombat/internal/config"
	"github.com/duskpine/vombat/internal/storage"
	"github.com/duskpine/vombat/internal/storage/memory"
	"github.com/duskpine/vombat/internal/storage/postgres"
	"github.com/duskpine/vombat/internal/storage/sqlite"
)

func migrateCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.PersistentFlags().StringVar(&source, "source", "",
		"named database source (default: the configured default source)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSource(source, func(ctx context.Context, store storage.Store) error {
				return storage.Migrate(ctx, store)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSource(source, func(ctx context.Context, store storage.Store) error {
				return storage.RollbackLast(ctx, store)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSource(source, func(ctx context.Context, store storage.Store) error {
				v, err := store.GetGlobalSetting(ctx, storage.MigrationVersionKey)
				if errors.Is(err, storage.ErrNotFound) {
					v = "0"
				} else if err != nil {
					return err
				}
				fmt.Printf("%s: schema version %s (latest %d)\n",
					store.Name(), v, storage.Migrations[len(storage.Migrations)-1].Version)
				return nil
			})
		},
	})
	return cmd
}

// withSource opens one configured source, runs fn and closes it.
func withSource(name string, fn func(context.Context, storage.Store) error) error {
	cfg, err := config.Load(configDirs()...)
	if err != nil {
		return err
	}
	if name == "" {
		name = cfg.Database.Default
	}
	src, ok := cfg.Database.Sources[name]
	if !ok {
		return fmt.Errorf("source %q not configured", name)
	}

	timeout := time.Duration(src.Timeout) * time.Second
	var store storage.Store
	switch src.Type {
	case "", "sqlite":
		store, err = sqlite.Open(name, src.Path, src.ReadOnly, timeout)
	case "postgres":
		store, err = postgres.Open(name, src.DSN, src.ReadOnly, src.PoolSize, timeout)
	case "memory":
		store = memory.New(name, src.ReadOnly)
	default:
		err = fmt.Errorf("unknown source type %q", src.Type)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := fn(ctx, store); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(3)
	}
	return nil
}
