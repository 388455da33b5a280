package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/duskpine/vombat/internal/storage"
)

const messageColumns = `chat_id, message_id, date_ts, user_id, reply_id, thread_id,
	root_message_id, text, type, category, quote, media_id, media_group_id, markup, metadata`

func scanMessage(scan func(dest ...any) error) (*storage.Message, error) {
	var m storage.Message
	var date int64
	var typ, cat, markup, meta string
	err := scan(&m.ChatID, &m.MessageID, &date, &m.UserID, &m.ReplyID, &m.ThreadID,
		&m.RootMessageID, &m.Text, &typ, &cat, &m.Quote, &m.MediaID, &m.MediaGroupID, &markup, &meta)
	if err != nil {
		return nil, err
	}
	m.Date = fromUnix(date)
	m.Type = storage.MessageType(typ)
	m.Category = storage.MessageCategory(cat)
	m.Markup = []byte(markup)
	m.Metadata = []byte(meta)
	return &m, nil
}

func (d *DB) SaveMessage(ctx context.Context, msg *storage.Message) error {
	if err := d.writable(); err != nil {
		return err
	}
	markup := msg.Markup
	if len(markup) == 0 {
		markup = []byte("{}")
	}
	meta := msg.Metadata
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	_, err := d.exec(ctx, `
		INSERT INTO message (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET
			category = excluded.category,
			text = excluded.text,
			metadata = excluded.metadata`,
		msg.ChatID, msg.MessageID, unix(msg.Date), msg.UserID, msg.ReplyID, msg.ThreadID,
		msg.RootMessageID, msg.Text, string(msg.Type), string(msg.Category),
		msg.Quote, msg.MediaID, msg.MediaGroupID, string(markup), string(meta))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (d *DB) GetMessage(ctx context.Context, chatID int64, messageID string) (*storage.Message, error) {
	row := d.queryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListRecentMessages returns up to limit messages for a chat (and thread when
// threadID != 0), newest last.
func (d *DB) ListRecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]*storage.Message, error) {
	where := `chat_id = ?`
	args := []any{chatID}
	if threadID != 0 {
		where += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	args = append(args, limit)

	rows, err := d.query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE `+where+`
		ORDER BY date_ts DESC, message_id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var out []*storage.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (d *DB) SetMessageCategory(ctx context.Context, chatID int64, messageID string, category storage.MessageCategory) error {
	if err := d.writable(); err != nil {
		return err
	}
	res, err := d.exec(ctx,
		`UPDATE message SET category = ? WHERE chat_id = ? AND message_id = ?`,
		string(category), chatID, messageID)
	if err != nil {
		return fmt.Errorf("set message category: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
