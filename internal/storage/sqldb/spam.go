package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

// The global Bayes model is stored with chat_id = 0, which is never a real
// platform chat id. This keeps the (token, chat_id) unique index usable
// without NULL comparison quirks.
func bayesChatID(chatID *int64) int64 {
	if chatID == nil {
		return 0
	}
	return *chatID
}

func (d *DB) SaveSpamMessage(ctx context.Context, sm *storage.SpamMessage) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `
		INSERT INTO spam_message (chat_id, user_id, message_id, text, reason, score, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET
			reason = excluded.reason,
			score = excluded.score`,
		sm.ChatID, sm.UserID, sm.MessageID, sm.Text, string(sm.Reason), sm.Score, unix(time.Now()))
	if err != nil {
		return fmt.Errorf("save spam message: %w", err)
	}
	return nil
}

func (d *DB) SaveHamMessage(ctx context.Context, hm *storage.HamMessage) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `
		INSERT INTO ham_message (chat_id, user_id, message_id, text, reason, score, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET
			reason = excluded.reason,
			score = excluded.score`,
		hm.ChatID, hm.UserID, hm.MessageID, hm.Text, string(hm.Reason), hm.Score, unix(time.Now()))
	if err != nil {
		return fmt.Errorf("save ham message: %w", err)
	}
	return nil
}

func (d *DB) ListSpamMessages(ctx context.Context, chatID *int64) ([]*storage.SpamMessage, error) {
	query := `SELECT chat_id, user_id, message_id, text, reason, score, created_ts FROM spam_message`
	var args []any
	if chatID != nil {
		query += ` WHERE chat_id = ?`
		args = append(args, *chatID)
	}
	query += ` ORDER BY created_ts DESC`

	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spam messages: %w", err)
	}
	defer rows.Close()

	var out []*storage.SpamMessage
	for rows.Next() {
		var sm storage.SpamMessage
		var reason string
		var created int64
		if err := rows.Scan(&sm.ChatID, &sm.UserID, &sm.MessageID, &sm.Text, &reason, &sm.Score, &created); err != nil {
			return nil, err
		}
		sm.Reason = storage.SpamReason(reason)
		sm.CreatedAt = fromUnix(created)
		out = append(out, &sm)
	}
	return out, rows.Err()
}

// ApplyBayesDelta applies one message's training update atomically: per-token
// counters plus the class counters, all floored at zero. Invariant after any
// sequence of learn/unlearn calls: sum of a chat's token counts on one side
// equals that side's class token_count.
func (d *DB) ApplyBayesDelta(ctx context.Context, delta *storage.BayesDelta) error {
	if err := d.writable(); err != nil {
		return err
	}
	cid := bayesChatID(delta.ChatID)
	floor := d.greatestFn()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bayes delta: begin: %w", err)
	}
	defer tx.Rollback()

	tokenStmt := d.rebind(`
		INSERT INTO bayes_token (token, chat_id, spam_count, ham_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (token, chat_id) DO UPDATE SET
			spam_count = ` + floor + `(0, bayes_token.spam_count + ?),
			ham_count = ` + floor + `(0, bayes_token.ham_count + ?)`)

	for token, n := range delta.Tokens {
		var spamDelta, hamDelta int64
		if delta.IsSpam {
			spamDelta = n
		} else {
			hamDelta = n
		}
		insSpam, insHam := spamDelta, hamDelta
		if insSpam < 0 {
			insSpam = 0
		}
		if insHam < 0 {
			insHam = 0
		}
		if _, err := tx.ExecContext(ctx, tokenStmt, token, cid, insSpam, insHam, spamDelta, hamDelta); err != nil {
			return fmt.Errorf("bayes delta: token %q: %w", token, err)
		}
	}

	insMsg, insTok := delta.MessageDelta, delta.TokenDelta
	if insMsg < 0 {
		insMsg = 0
	}
	if insTok < 0 {
		insTok = 0
	}
	classStmt := d.rebind(`
		INSERT INTO bayes_class (chat_id, is_spam, message_count, token_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id, is_spam) DO UPDATE SET
			message_count = ` + floor + `(0, bayes_class.message_count + ?),
			token_count = ` + floor + `(0, bayes_class.token_count + ?)`)
	if _, err := tx.ExecContext(ctx, classStmt, cid, delta.IsSpam, insMsg, insTok,
		delta.MessageDelta, delta.TokenDelta); err != nil {
		return fmt.Errorf("bayes delta: class: %w", err)
	}

	return tx.Commit()
}

func (d *DB) GetBayesTokens(ctx context.Context, chatID *int64, tokens []string) (map[string]storage.BayesCounts, error) {
	out := make(map[string]storage.BayesCounts, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	cid := bayesChatID(chatID)

	// Chunk the IN clause to stay under placeholder limits.
	const chunk = 500
	for start := 0; start < len(tokens); start += chunk {
		end := start + chunk
		if end > len(tokens) {
			end = len(tokens)
		}
		part := tokens[start:end]

		placeholders := make([]byte, 0, len(part)*2)
		args := make([]any, 0, len(part)+1)
		args = append(args, cid)
		for i, t := range part {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args = append(args, t)
		}

		rows, err := d.query(ctx,
			`SELECT token, spam_count, ham_count FROM bayes_token WHERE chat_id = ? AND token IN (`+string(placeholders)+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("get bayes tokens: %w", err)
		}
		for rows.Next() {
			var token string
			var c storage.BayesCounts
			if err := rows.Scan(&token, &c.Spam, &c.Ham); err != nil {
				rows.Close()
				return nil, err
			}
			out[token] = c
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (d *DB) GetBayesClass(ctx context.Context, chatID *int64, isSpam bool) (*storage.BayesClass, error) {
	cid := bayesChatID(chatID)
	bc := &storage.BayesClass{ChatID: chatID, IsSpam: isSpam}
	err := d.queryRow(ctx,
		`SELECT message_count, token_count FROM bayes_class WHERE chat_id = ? AND is_spam = ?`,
		cid, isSpam).Scan(&bc.MessageCount, &bc.TokenCount)
	if err == sql.ErrNoRows {
		return bc, nil // empty model
	}
	if err != nil {
		return nil, fmt.Errorf("get bayes class: %w", err)
	}
	return bc, nil
}
