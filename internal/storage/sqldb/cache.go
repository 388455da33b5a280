package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

func (d *DB) UpsertCacheEntry(ctx context.Context, e *storage.CacheEntry) error {
	if err := d.writable(); err != nil {
		return err
	}
	created := unix(e.CreatedAt)
	if created == 0 {
		created = unix(time.Now())
	}
	_, err := d.exec(ctx, `
		INSERT INTO cache_entry (namespace, key, value, created_ts, ttl_secs)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			created_ts = excluded.created_ts,
			ttl_secs = excluded.ttl_secs`,
		e.Namespace, e.Key, string(e.Value), created, e.TTLSeconds)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (d *DB) DeleteCacheEntry(ctx context.Context, namespace, key string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `DELETE FROM cache_entry WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (d *DB) ListCacheEntries(ctx context.Context, namespace string) ([]*storage.CacheEntry, error) {
	query := `SELECT namespace, key, value, created_ts, ttl_secs FROM cache_entry`
	var args []any
	if namespace != "" {
		query += ` WHERE namespace = ?`
		args = append(args, namespace)
	}
	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []*storage.CacheEntry
	for rows.Next() {
		var e storage.CacheEntry
		var value string
		var created int64
		if err := rows.Scan(&e.Namespace, &e.Key, &value, &created, &e.TTLSeconds); err != nil {
			return nil, err
		}
		e.Value = []byte(value)
		e.CreatedAt = fromUnix(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (d *DB) ClearCacheNamespace(ctx context.Context, namespace string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `DELETE FROM cache_entry WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("clear cache namespace: %w", err)
	}
	return nil
}

func (d *DB) PutTypedCache(ctx context.Context, e *storage.TypedCacheEntry) error {
	if err := d.writable(); err != nil {
		return err
	}
	stored := unix(e.StoredAt)
	if stored == 0 {
		stored = unix(time.Now())
	}
	_, err := d.exec(ctx, `
		INSERT INTO typed_cache (domain, key, json, stored_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (domain, key) DO UPDATE SET
			json = excluded.json,
			stored_ts = excluded.stored_ts`,
		e.Domain, e.Key, string(e.JSON), stored)
	if err != nil {
		return fmt.Errorf("put typed cache: %w", err)
	}
	return nil
}

func (d *DB) GetTypedCache(ctx context.Context, domain, key string) (*storage.TypedCacheEntry, error) {
	var e storage.TypedCacheEntry
	var body string
	var stored int64
	err := d.queryRow(ctx,
		`SELECT domain, key, json, stored_ts FROM typed_cache WHERE domain = ? AND key = ?`,
		domain, key).Scan(&e.Domain, &e.Key, &body, &stored)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get typed cache: %w", err)
	}
	e.JSON = []byte(body)
	e.StoredAt = fromUnix(stored)
	return &e, nil
}

func (d *DB) PutSummary(ctx context.Context, e *storage.SummaryEntry) error {
	if err := d.writable(); err != nil {
		return err
	}
	created := unix(e.CreatedAt)
	if created == 0 {
		created = unix(time.Now())
	}
	// First write wins: the csid is content-addressed, so a later write for
	// the same id carries the same logical content.
	_, err := d.exec(ctx, `
		INSERT INTO summary_cache (csid, chat_id, summary, created_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (csid) DO NOTHING`,
		e.CSID, e.ChatID, e.Summary, created)
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

func (d *DB) GetSummary(ctx context.Context, csid string) (*storage.SummaryEntry, error) {
	var e storage.SummaryEntry
	var created int64
	err := d.queryRow(ctx,
		`SELECT csid, chat_id, summary, created_ts FROM summary_cache WHERE csid = ?`,
		csid).Scan(&e.CSID, &e.ChatID, &e.Summary, &created)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	e.CreatedAt = fromUnix(created)
	return &e, nil
}
