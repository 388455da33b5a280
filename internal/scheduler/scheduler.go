// Package scheduler runs persisted delayed tasks at-least-once. Tasks are
// claimed after the handler succeeds by default, so a crash mid-handler
// re-runs the task; handlers must be idempotent.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/duskpine/vombat/internal/storage"
)

// Handler executes one named task with its deserialized kwargs.
type Handler func(ctx context.Context, kwargs json.RawMessage) error

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is the poll resolution. Zero means one second.
	TickInterval time.Duration
	// ClaimFirst flips a task done before running its handler, relying on
	// handler idempotency instead of re-running on crash.
	ClaimFirst bool
}

// Scheduler polls the delayed-task table and dispatches due tasks to
// registered handlers.
type Scheduler struct {
	store storage.Store
	cfg   Config

	mu       sync.RWMutex
	handlers map[string]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// New creates a scheduler over store.
func New(store storage.Store, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		store:    store,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Register binds a handler to a task function name. Must be called before
// Start.
func (s *Scheduler) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Schedule inserts a one-shot task. Inserting an existing id is a no-op,
// which makes scheduling safe to retry.
func (s *Scheduler) Schedule(ctx context.Context, id string, fireAt time.Time, function string, kwargs any) error {
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}
	return s.store.InsertDelayedTask(ctx, &storage.DelayedTask{
		ID:       id,
		FireAt:   fireAt,
		Function: function,
		Kwargs:   raw,
	})
}

// ScheduleCron inserts a recurring task firing on the cron expression.
func (s *Scheduler) ScheduleCron(ctx context.Context, id, expr, function string, kwargs any) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("schedule %q: invalid cron expression %q", id, expr)
	}
	next, err := gronx.NextTick(expr, false)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}
	return s.store.InsertDelayedTask(ctx, &storage.DelayedTask{
		ID:       id,
		FireAt:   next,
		Function: function,
		Kwargs:   raw,
		Cron:     expr,
	})
}

// Cancel marks a task done without running it.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.store.MarkTaskDone(ctx, id)
}

// Start launches the tick loop. Stop waits for the in-flight tick.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop after the current tick completes.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick runs one poll cycle: every due task is dispatched sequentially in
// fire order.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.ListDueTasks(ctx, s.now())
	if err != nil {
		slog.Warn("scheduler: list due tasks", "error", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *storage.DelayedTask) {
	s.mu.RLock()
	h, ok := s.handlers[task.Function]
	s.mu.RUnlock()
	if !ok {
		// Leave the task undone so a later registration can pick it up.
		slog.Warn("scheduler: no handler for task", "task", task.ID, "function", task.Function)
		return
	}

	if s.cfg.ClaimFirst {
		if err := s.store.MarkTaskDone(ctx, task.ID); err != nil {
			slog.Warn("scheduler: claim task", "task", task.ID, "error", err)
			return
		}
	}

	if err := h(ctx, task.Kwargs); err != nil {
		slog.Error("scheduler: task failed", "task", task.ID, "function", task.Function, "error", err)
		if !s.cfg.ClaimFirst {
			// Undone task retries on the next tick.
			return
		}
	} else {
		slog.Debug("scheduler: task done", "task", task.ID, "function", task.Function)
		if !s.cfg.ClaimFirst {
			if err := s.store.MarkTaskDone(ctx, task.ID); err != nil {
				slog.Warn("scheduler: mark task done", "task", task.ID, "error", err)
			}
		}
	}

	if task.Cron != "" {
		s.rearm(ctx, task)
	}
}

// rearm schedules the next occurrence of a recurring task.
func (s *Scheduler) rearm(ctx context.Context, task *storage.DelayedTask) {
	next, err := gronx.NextTickAfter(task.Cron, s.now(), false)
	if err != nil {
		slog.Warn("scheduler: rearm cron task", "task", task.ID, "cron", task.Cron, "error", err)
		return
	}
	if err := s.store.RescheduleTask(ctx, task.ID, next); err != nil {
		slog.Warn("scheduler: reschedule task", "task", task.ID, "error", err)
	}
}
