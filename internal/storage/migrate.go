package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// MigrationVersionKey is the global setting holding a source's schema version.
const MigrationVersionKey = "db-migration-version"

// Migration is one linear schema step with a rollback.
type Migration struct {
	Version  int
	Name     string
	Apply    func(tx Tx) error
	Rollback func(tx Tx) error
}

func execAll(tx Tx, stmts ...string) error {
	for _, s := range stmts {
		if err := tx.ExecSQL(s); err != nil {
			return fmt.Errorf("%s: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if len(s) > 60 {
		return s[:60]
	}
	return s
}

// Migrations is the linear migration list. Append only.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "initial schema",
		Apply: func(tx Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS chat (
					id BIGINT PRIMARY KEY,
					platform TEXT NOT NULL DEFAULT '',
					kind TEXT NOT NULL DEFAULT 'private',
					title TEXT NOT NULL DEFAULT '',
					created_ts BIGINT NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS chat_user (
					chat_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					display_name TEXT NOT NULL DEFAULT '',
					username TEXT NOT NULL DEFAULT '',
					message_count BIGINT NOT NULL DEFAULT 0,
					metadata TEXT NOT NULL DEFAULT '{}',
					is_spammer BOOLEAN NOT NULL DEFAULT FALSE,
					updated_ts BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (chat_id, user_id)
				)`,
				`CREATE TABLE IF NOT EXISTS message (
					chat_id BIGINT NOT NULL,
					message_id TEXT NOT NULL,
					date_ts BIGINT NOT NULL DEFAULT 0,
					user_id BIGINT NOT NULL DEFAULT 0,
					reply_id TEXT NOT NULL DEFAULT '',
					thread_id BIGINT NOT NULL DEFAULT 0,
					root_message_id TEXT NOT NULL DEFAULT '',
					text TEXT NOT NULL DEFAULT '',
					type TEXT NOT NULL DEFAULT 'text',
					category TEXT NOT NULL DEFAULT 'unspecified',
					quote TEXT NOT NULL DEFAULT '',
					media_id TEXT NOT NULL DEFAULT '',
					media_group_id TEXT NOT NULL DEFAULT '',
					markup TEXT NOT NULL DEFAULT '{}',
					metadata TEXT NOT NULL DEFAULT '{}',
					PRIMARY KEY (chat_id, message_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_message_chat_date ON message (chat_id, date_ts)`,
				`CREATE TABLE IF NOT EXISTS media_attachment (
					file_unique_id TEXT PRIMARY KEY,
					status TEXT NOT NULL DEFAULT 'new',
					mime TEXT NOT NULL DEFAULT '',
					size BIGINT NOT NULL DEFAULT 0,
					local_url TEXT NOT NULL DEFAULT '',
					platform_file_id TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					user_prompt TEXT NOT NULL DEFAULT '',
					created_ts BIGINT NOT NULL DEFAULT 0,
					updated_ts BIGINT NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS media_group (
					group_id TEXT NOT NULL,
					chat_id BIGINT NOT NULL,
					message_id TEXT NOT NULL,
					media_id TEXT NOT NULL DEFAULT '',
					updated_ts BIGINT NOT NULL DEFAULT 0,
					processed BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (group_id, message_id)
				)`,
				`CREATE TABLE IF NOT EXISTS chat_setting (
					chat_id BIGINT NOT NULL,
					key TEXT NOT NULL,
					value TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (chat_id, key)
				)`,
				`CREATE TABLE IF NOT EXISTS user_data (
					user_id BIGINT NOT NULL,
					chat_id BIGINT NOT NULL,
					key TEXT NOT NULL,
					value TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (user_id, chat_id, key)
				)`,
				`CREATE TABLE IF NOT EXISTS spam_message (
					chat_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					message_id TEXT NOT NULL,
					text TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT 'auto',
					score DOUBLE PRECISION NOT NULL DEFAULT 0,
					created_ts BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (chat_id, message_id)
				)`,
				`CREATE TABLE IF NOT EXISTS ham_message (
					chat_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					message_id TEXT NOT NULL,
					text TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT 'user',
					score DOUBLE PRECISION NOT NULL DEFAULT 0,
					created_ts BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (chat_id, message_id)
				)`,
				`CREATE TABLE IF NOT EXISTS bayes_token (
					token TEXT NOT NULL,
					chat_id BIGINT NOT NULL DEFAULT 0,
					spam_count BIGINT NOT NULL DEFAULT 0,
					ham_count BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (token, chat_id)
				)`,
				`CREATE TABLE IF NOT EXISTS bayes_class (
					chat_id BIGINT NOT NULL DEFAULT 0,
					is_spam BOOLEAN NOT NULL,
					message_count BIGINT NOT NULL DEFAULT 0,
					token_count BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (chat_id, is_spam)
				)`,
				`CREATE TABLE IF NOT EXISTS cache_entry (
					namespace TEXT NOT NULL,
					key TEXT NOT NULL,
					value TEXT NOT NULL DEFAULT '',
					created_ts BIGINT NOT NULL DEFAULT 0,
					ttl_secs BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (namespace, key)
				)`,
				`CREATE TABLE IF NOT EXISTS typed_cache (
					domain TEXT NOT NULL,
					key TEXT NOT NULL,
					json TEXT NOT NULL DEFAULT '',
					stored_ts BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (domain, key)
				)`,
				`CREATE TABLE IF NOT EXISTS summary_cache (
					csid TEXT PRIMARY KEY,
					chat_id BIGINT NOT NULL DEFAULT 0,
					summary TEXT NOT NULL DEFAULT '',
					created_ts BIGINT NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS delayed_task (
					id TEXT PRIMARY KEY,
					fire_ts BIGINT NOT NULL DEFAULT 0,
					function TEXT NOT NULL DEFAULT '',
					kwargs TEXT NOT NULL DEFAULT '{}',
					cron TEXT NOT NULL DEFAULT '',
					is_done BOOLEAN NOT NULL DEFAULT FALSE,
					created_ts BIGINT NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX IF NOT EXISTS idx_delayed_task_due ON delayed_task (is_done, fire_ts)`,
				`CREATE TABLE IF NOT EXISTS daily_stats (
					chat_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL DEFAULT 0,
					date TEXT NOT NULL,
					count BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (chat_id, user_id, date)
				)`,
			)
		},
		Rollback: func(tx Tx) error {
			return execAll(tx,
				`DROP TABLE IF EXISTS daily_stats`,
				`DROP TABLE IF EXISTS delayed_task`,
				`DROP TABLE IF EXISTS summary_cache`,
				`DROP TABLE IF EXISTS typed_cache`,
				`DROP TABLE IF EXISTS cache_entry`,
				`DROP TABLE IF EXISTS bayes_class`,
				`DROP TABLE IF EXISTS bayes_token`,
				`DROP TABLE IF EXISTS ham_message`,
				`DROP TABLE IF EXISTS spam_message`,
				`DROP TABLE IF EXISTS user_data`,
				`DROP TABLE IF EXISTS chat_setting`,
				`DROP TABLE IF EXISTS media_group`,
				`DROP TABLE IF EXISTS media_attachment`,
				`DROP TABLE IF EXISTS message`,
				`DROP TABLE IF EXISTS chat_user`,
				`DROP TABLE IF EXISTS chat`,
			)
		},
	},
}

// Migrate brings a source up to the latest schema version. Each migration
// runs in its own transaction together with the version bump; a failed
// migration leaves the recorded version untouched.
func Migrate(ctx context.Context, store Store) error {
	if store.ReadOnly() {
		slog.Info("skipping migrations for read-only source", "source", store.Name())
		return nil
	}

	// Bootstrap: the version lives in global_setting, which migration 1
	// creates. Ensure the table exists before reading.
	if err := store.Exec(ctx, func(tx Tx) error {
		return tx.ExecSQL(`CREATE TABLE IF NOT EXISTS global_setting (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`)
	}); err != nil {
		return fmt.Errorf("ensure global_setting: %w", err)
	}

	current, err := currentVersion(ctx, store)
	if err != nil {
		return err
	}

	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		slog.Info("applying migration", "source", store.Name(), "version", m.Version, "name", m.Name)
		err := store.Exec(ctx, func(tx Tx) error {
			if err := m.Apply(tx); err != nil {
				return err
			}
			return setVersion(tx, m.Version)
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		current = m.Version
	}
	return nil
}

// RollbackLast reverts the most recently applied migration.
func RollbackLast(ctx context.Context, store Store) error {
	current, err := currentVersion(ctx, store)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("nothing to roll back")
	}
	for i := len(Migrations) - 1; i >= 0; i-- {
		m := Migrations[i]
		if m.Version != current {
			continue
		}
		slog.Info("rolling back migration", "source", store.Name(), "version", m.Version, "name", m.Name)
		return store.Exec(ctx, func(tx Tx) error {
			if err := m.Rollback(tx); err != nil {
				return err
			}
			return setVersion(tx, m.Version-1)
		})
	}
	return fmt.Errorf("no migration with version %d", current)
}

func currentVersion(ctx context.Context, store Store) (int, error) {
	v, err := store.GetGlobalSetting(ctx, MigrationVersionKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse migration version %q: %w", v, err)
	}
	return n, nil
}

func setVersion(tx Tx, version int) error {
	return tx.ExecSQL(`
		INSERT INTO global_setting (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		MigrationVersionKey, strconv.Itoa(version))
}
