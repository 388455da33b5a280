package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

// InsertDelayedTask persists a task. Inserting an id that already exists is
// an idempotent no-op, even when the stored row is already done.
func (d *DB) InsertDelayedTask(ctx context.Context, t *storage.DelayedTask) error {
	if err := d.writable(); err != nil {
		return err
	}
	kwargs := t.Kwargs
	if len(kwargs) == 0 {
		kwargs = []byte("{}")
	}
	_, err := d.exec(ctx, `
		INSERT INTO delayed_task (id, fire_ts, function, kwargs, cron, is_done, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, unix(t.FireAt), t.Function, string(kwargs), t.Cron, t.IsDone, unix(time.Now()))
	if err != nil {
		return fmt.Errorf("insert delayed task: %w", err)
	}
	return nil
}

func (d *DB) ListDueTasks(ctx context.Context, now time.Time) ([]*storage.DelayedTask, error) {
	rows, err := d.query(ctx, `
		SELECT id, fire_ts, function, kwargs, cron, is_done, created_ts
		FROM delayed_task
		WHERE is_done = ? AND fire_ts <= ?
		ORDER BY fire_ts`, false, unix(now))
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()

	var out []*storage.DelayedTask
	for rows.Next() {
		var t storage.DelayedTask
		var fire, created int64
		var kwargs string
		if err := rows.Scan(&t.ID, &fire, &t.Function, &kwargs, &t.Cron, &t.IsDone, &created); err != nil {
			return nil, err
		}
		t.FireAt = fromUnix(fire)
		t.CreatedAt = fromUnix(created)
		t.Kwargs = []byte(kwargs)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (d *DB) MarkTaskDone(ctx context.Context, id string) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx, `UPDATE delayed_task SET is_done = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}
	return nil
}

func (d *DB) RescheduleTask(ctx context.Context, id string, fireAt time.Time) error {
	if err := d.writable(); err != nil {
		return err
	}
	_, err := d.exec(ctx,
		`UPDATE delayed_task SET fire_ts = ?, is_done = ? WHERE id = ?`,
		unix(fireAt), false, id)
	if err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	return nil
}
