package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/duskpine/vombat/internal/storage"
)

func (d *DB) SetChatSetting(ctx context.Context, chatID int64, key, value string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `
		INSERT INTO chat_setting (chat_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (chat_id, key) DO UPDATE SET value = excluded.value`,
		chatID, key, value)
	if err != nil {
		return fmt.Errorf("set chat setting: %w", err)
	}
	return nil
}

func (d *DB) GetChatSetting(ctx context.Context, chatID int64, key string) (string, error) {
	var v string
	err := d.queryRow(ctx,
		`SELECT value FROM chat_setting WHERE chat_id = ? AND key = ?`, chatID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get chat setting: %w", err)
	}
	return v, nil
}

func (d *DB) ListChatSettings(ctx context.Context, chatID int64) (map[string]string, error) {
	rows, err := d.query(ctx, `SELECT key, value FROM chat_setting WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (d *DB) DeleteChatSetting(ctx context.Context, chatID int64, key string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `DELETE FROM chat_setting WHERE chat_id = ? AND key = ?`, chatID, key)
	if err != nil {
		return fmt.Errorf("delete chat setting: %w", err)
	}
	return nil
}

func (d *DB) SetGlobalSetting(ctx context.Context, key, value string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `
		INSERT INTO global_setting (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set global setting: %w", err)
	}
	return nil
}

func (d *DB) GetGlobalSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := d.queryRow(ctx, `SELECT value FROM global_setting WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get global setting: %w", err)
	}
	return v, nil
}

func (d *DB) SetUserData(ctx context.Context, ud *storage.UserData) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `
		INSERT INTO user_data (user_id, chat_id, key, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, chat_id, key) DO UPDATE SET value = excluded.value`,
		ud.UserID, ud.ChatID, ud.Key, ud.Value)
	if err != nil {
		return fmt.Errorf("set user data: %w", err)
	}
	return nil
}

func (d *DB) GetUserData(ctx context.Context, userID, chatID int64, key string) (string, error) {
	var v string
	err := d.queryRow(ctx,
		`SELECT value FROM user_data WHERE user_id = ? AND chat_id = ? AND key = ?`,
		userID, chatID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user data: %w", err)
	}
	return v, nil
}

func (d *DB) DeleteUserData(ctx context.Context, userID, chatID int64, key string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx,
		`DELETE FROM user_data WHERE user_id = ? AND chat_id = ? AND key = ?`,
		userID, chatID, key)
	if err != nil {
		return fmt.Errorf("delete user data: %w", err)
	}
	return nil
}
