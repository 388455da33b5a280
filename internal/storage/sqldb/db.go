// Package sqldb implements storage.Store over database/sql for both the
// sqlite and postgres backends. SQL is written with `?` placeholders and
// rebound to `$n` for postgres; upserts use ON CONFLICT, which both engines
// support. Timestamps are stored as unix seconds.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

// Dialect selects placeholder style.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DB implements storage.Store.
type DB struct {
	db       *sql.DB
	name     string
	readonly bool
	dialect  Dialect
}

// New wraps an opened database handle.
func New(db *sql.DB, name string, readonly bool, dialect Dialect) *DB {
	return &DB{db: db, name: name, readonly: readonly, dialect: dialect}
}

func (d *DB) Name() string   { return d.name }
func (d *DB) ReadOnly() bool { return d.readonly }
func (d *DB) Close() error   { return d.db.Close() }

// writable gates every write method.
func (d *DB) writable() error {
	if d.readonly {
		return fmt.Errorf("source %q: %w", d.name, storage.ErrReadOnlySource)
	}
	return nil
}

// greatestFn returns the scalar max function name: sqlite spells it MAX,
// postgres GREATEST.
func (d *DB) greatestFn() string {
	if d.dialect == DialectPostgres {
		return "GREATEST"
	}
	return "MAX"
}

// rebind converts `?` placeholders to `$n` for postgres.
func (d *DB) rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.rebind(query), args...)
}

// sqlTx adapts *sql.Tx to storage.Tx for the migration runner.
type sqlTx struct {
	tx      *sql.Tx
	ctx     context.Context
	rebind  func(string) string
}

func (t *sqlTx) ExecSQL(query string, args ...any) error {
	_, err := t.tx.ExecContext(t.ctx, t.rebind(query), args...)
	return err
}

// Exec runs fn inside one transaction, rolling back on error.
func (d *DB) Exec(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := d.writable(); err != nil {
		return err
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqlTx{tx: tx, ctx: ctx, rebind: d.rebind}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// --- Chats and users ---

func (d *DB) UpsertChat(ctx context.Context, chat *storage.Chat) error {
	if err := d.writable(); err != nil {
		return err
	}
	created := chat.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := d.exec(ctx, `
		INSERT INTO chat (id, platform, kind, title, created_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			platform = excluded.platform,
			kind = excluded.kind,
			title = excluded.title`,
		chat.ID, chat.Platform, string(chat.Kind), chat.Title, unix(created))
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (d *DB) GetChat(ctx context.Context, chatID int64) (*storage.Chat, error) {
	var c storage.Chat
	var kind string
	var created int64
	err := d.queryRow(ctx,
		`SELECT id, platform, kind, title, created_ts FROM chat WHERE id = ?`, chatID).
		Scan(&c.ID, &c.Platform, &kind, &c.Title, &created)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	c.Kind = storage.ChatKind(kind)
	c.CreatedAt = fromUnix(created)
	return &c, nil
}

func (d *DB) ListChats(ctx context.Context) ([]*storage.Chat, error) {
	rows, err := d.query(ctx, `SELECT id, platform, kind, title, created_ts FROM chat ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []*storage.Chat
	for rows.Next() {
		var c storage.Chat
		var kind string
		var created int64
		if err := rows.Scan(&c.ID, &c.Platform, &kind, &c.Title, &created); err != nil {
			return nil, err
		}
		c.Kind = storage.ChatKind(kind)
		c.CreatedAt = fromUnix(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (d *DB) UpsertChatUser(ctx context.Context, cu *storage.ChatUser) error {
	if err := d.writable(); err != nil {
		return err
	}
	meta := cu.Metadata
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	_, err := d.exec(ctx, `
		INSERT INTO chat_user (chat_id, user_id, display_name, username, message_count, metadata, is_spammer, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			metadata = excluded.metadata,
			updated_ts = excluded.updated_ts`,
		cu.ChatID, cu.UserID, cu.DisplayName, cu.Username, cu.MessageCount,
		string(meta), cu.IsSpammer, unix(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert chat user: %w", err)
	}
	return nil
}

func (d *DB) GetChatUser(ctx context.Context, chatID, userID int64) (*storage.ChatUser, error) {
	var cu storage.ChatUser
	var meta string
	var updated int64
	err := d.queryRow(ctx, `
		SELECT chat_id, user_id, display_name, username, message_count, metadata, is_spammer, updated_ts
		FROM chat_user WHERE chat_id = ? AND user_id = ?`, chatID, userID).
		Scan(&cu.ChatID, &cu.UserID, &cu.DisplayName, &cu.Username, &cu.MessageCount, &meta, &cu.IsSpammer, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat user: %w", err)
	}
	cu.Metadata = []byte(meta)
	cu.UpdatedAt = fromUnix(updated)
	return &cu, nil
}

func (d *DB) ListUserChats(ctx context.Context, userID int64) ([]*storage.ChatUser, error) {
	rows, err := d.query(ctx, `
		SELECT chat_id, user_id, display_name, username, message_count, metadata, is_spammer, updated_ts
		FROM chat_user WHERE user_id = ? ORDER BY chat_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user chats: %w", err)
	}
	defer rows.Close()

	var out []*storage.ChatUser
	for rows.Next() {
		var cu storage.ChatUser
		var meta string
		var updated int64
		if err := rows.Scan(&cu.ChatID, &cu.UserID, &cu.DisplayName, &cu.Username,
			&cu.MessageCount, &meta, &cu.IsSpammer, &updated); err != nil {
			return nil, err
		}
		cu.Metadata = []byte(meta)
		cu.UpdatedAt = fromUnix(updated)
		out = append(out, &cu)
	}
	return out, rows.Err()
}

func (d *DB) SetSpammer(ctx context.Context, chatID, userID int64, spammer bool) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx,
		`UPDATE chat_user SET is_spammer = ? WHERE chat_id = ? AND user_id = ?`,
		spammer, chatID, userID)
	if err != nil {
		return fmt.Errorf("set spammer: %w", err)
	}
	return nil
}

// --- Daily statistics ---

func (d *DB) BumpDailyStats(ctx context.Context, chatID, userID int64, date string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `
		INSERT INTO daily_stats (chat_id, user_id, date, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (chat_id, user_id, date) DO UPDATE SET count = daily_stats.count + 1`,
		chatID, userID, date)
	if err != nil {
		return fmt.Errorf("bump daily stats: %w", err)
	}
	return nil
}
