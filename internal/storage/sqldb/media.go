package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

func (d *DB) UpsertMediaAttachment(ctx context.Context, m *storage.MediaAttachment) error {
	if err := d.writable(); err != nil {
		return err
	}
	now := unix(time.Now())
	created := unix(m.CreatedAt)
	if created == 0 {
		created = now
	}
	_, err := d.exec(ctx, `
		INSERT INTO media_attachment (file_unique_id, status, mime, size, local_url, platform_file_id, description, user_prompt, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_unique_id) DO UPDATE SET
			status = excluded.status,
			mime = excluded.mime,
			size = excluded.size,
			local_url = excluded.local_url,
			platform_file_id = excluded.platform_file_id,
			description = excluded.description,
			user_prompt = excluded.user_prompt,
			updated_ts = excluded.updated_ts`,
		m.FileUniqueID, string(m.Status), m.Mime, m.Size, m.LocalURL,
		m.PlatformFileID, m.Description, m.UserPrompt, created, now)
	if err != nil {
		return fmt.Errorf("upsert media attachment: %w", err)
	}
	return nil
}

func (d *DB) GetMediaAttachment(ctx context.Context, fileUniqueID string) (*storage.MediaAttachment, error) {
	var m storage.MediaAttachment
	var status string
	var created, updated int64
	err := d.queryRow(ctx, `
		SELECT file_unique_id, status, mime, size, local_url, platform_file_id, description, user_prompt, created_ts, updated_ts
		FROM media_attachment WHERE file_unique_id = ?`, fileUniqueID).
		Scan(&m.FileUniqueID, &status, &m.Mime, &m.Size, &m.LocalURL,
			&m.PlatformFileID, &m.Description, &m.UserPrompt, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media attachment: %w", err)
	}
	m.Status = storage.MediaStatus(status)
	m.CreatedAt = fromUnix(created)
	m.UpdatedAt = fromUnix(updated)
	return &m, nil
}

// SetMediaStatus advances the attachment state machine. Transitions out of a
// terminal state (done, failed) are rejected with ErrConflict.
func (d *DB) SetMediaStatus(ctx context.Context, fileUniqueID string, status storage.MediaStatus, description string) error {
	if err := d.writable(); err != nil {
		return err
	}
	res, err := d.exec(ctx, `
		UPDATE media_attachment
		SET status = ?, description = CASE WHEN ? != '' THEN ? ELSE description END, updated_ts = ?
		WHERE file_unique_id = ? AND status NOT IN ('done', 'failed')`,
		string(status), description, description, unix(time.Now()), fileUniqueID)
	if err != nil {
		return fmt.Errorf("set media status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := d.GetMediaAttachment(ctx, fileUniqueID); getErr != nil {
			return getErr
		}
		return storage.ErrConflict
	}
	return nil
}

func (d *DB) UpsertMediaGroupItem(ctx context.Context, item *storage.MediaGroupItem) error {
	if err := d.writable(); err != nil {
		return err
	}
	updated := unix(item.UpdatedAt)
	if updated == 0 {
		updated = unix(time.Now())
	}
	_, err := d.exec(ctx, `
		INSERT INTO media_group (group_id, chat_id, message_id, media_id, updated_ts, processed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, message_id) DO UPDATE SET
			media_id = excluded.media_id,
			updated_ts = excluded.updated_ts`,
		item.GroupID, item.ChatID, item.MessageID, item.MediaID, updated, item.Processed)
	if err != nil {
		return fmt.Errorf("upsert media group item: %w", err)
	}
	return nil
}

func (d *DB) ListUnprocessedGroupItems(ctx context.Context) ([]*storage.MediaGroupItem, error) {
	rows, err := d.query(ctx, `
		SELECT group_id, chat_id, message_id, media_id, updated_ts, processed
		FROM media_group WHERE processed = ? ORDER BY group_id, updated_ts`, false)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed group items: %w", err)
	}
	defer rows.Close()

	var out []*storage.MediaGroupItem
	for rows.Next() {
		var it storage.MediaGroupItem
		var updated int64
		if err := rows.Scan(&it.GroupID, &it.ChatID, &it.MessageID, &it.MediaID, &updated, &it.Processed); err != nil {
			return nil, err
		}
		it.UpdatedAt = fromUnix(updated)
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (d *DB) MarkMediaGroupProcessed(ctx context.Context, groupID string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `UPDATE media_group SET processed = ? WHERE group_id = ?`, true, groupID)
	if err != nil {
		return fmt.Errorf("mark media group processed: %w", err)
	}
	return nil
}
