package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duskpine/vombat/internal/storage/memory"
)

func TestDueTaskRunsOnce(t *testing.T) {
	store := memory.New("main", false)
	s := New(store, Config{})
	ctx := context.Background()

	var ran int32
	s.Register("ping", func(ctx context.Context, kwargs json.RawMessage) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err := s.Schedule(ctx, "t1", time.Now().Add(-time.Second), "ping", map[string]any{"n": 1}); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx)
	s.Tick(ctx)
	if got := atomic.LoadInt32(&ran); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestFutureTaskWaits(t *testing.T) {
	store := memory.New("main", false)
	s := New(store, Config{})
	ctx := context.Background()

	var ran int32
	s.Register("ping", func(ctx context.Context, kwargs json.RawMessage) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err := s.Schedule(ctx, "t1", time.Now().Add(time.Hour), "ping", nil); err != nil {
		t.Fatal(err)
	}
	s.Tick(ctx)
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("future task ran early")
	}

	// Move the clock forward; the task becomes due.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.Tick(ctx)
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("task did not run after its fire time")
	}
}

func TestDuplicateScheduleIsNoop(t *testing.T) {
	store := memory.New("main", false)
	s := New(store, Config{})
	ctx := context.Background()

	var got []int
	s.Register("ping", func(ctx context.Context, kwargs json.RawMessage) error {
		var m map[string]int
		_ = json.Unmarshal(kwargs, &m)
		got = append(got, m["n"])
		return nil
	})
	if err := s.Schedule(ctx, "same-id", time.Now().Add(-time.Second), "ping", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule(ctx, "same-id", time.Now().Add(-time.Second), "ping", map[string]int{"n": 2}); err != nil {
		t.Fatal(err)
	}
	s.Tick(ctx)
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("got %v, want the first insertion only", got)
	}
}

func TestFailedTaskRetriesNextTick(t *testing.T) {
	store := memory.New("main", false)
	s := New(store, Config{})
	ctx := context.Background()

	var calls int32
	s.Register("flaky", func(ctx context.Context, kwargs json.RawMessage) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if err := s.Schedule(ctx, "t1", time.Now().Add(-time.Second), "flaky", nil); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx) // fails, stays undone
	s.Tick(ctx) // succeeds, claimed
	s.Tick(ctx) // no-op
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("handler called %d times, want 2", got)
	}
}

func TestClaimFirstDoesNotRetry(t *testing.T) {
	store := memory.New("main", false)
	s := New(store, Config{ClaimFirst: true})
	ctx := context.Background()

	var calls int32
	s.Register("flaky", func(ctx context.Context, kwargs json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	})
	if err := s.Schedule(ctx, "t1", time.Now().Add(-time.Second), "flaky", nil); err != nil {
		t.Fatal(err)
	}
	s.Tick(ctx)
	s.Tick(ctx)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("claim-first task ran %d times, want 1", got)
	}
}

func TestUnknownHandlerLeavesTaskUndone(t *testing.T) {
	store := memory.New("main", false)
	s := New(store, Config{})
	ctx := context.Background()

	if err := s.Schedule(ctx, "t1", time.Now().Add(-time.Second), "later", nil); err != nil {
		t.Fatal(err)
	}
	s.Tick(ctx)

	// Registering afterwards picks the task up: nothing was lost.
	var ran int32
	s.Register("later", func(ctx context.Context, kwargs json.RawMessage) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	s.Tick(ctx)
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("task lost while its handler was unregistered")
	}
}

func TestTasksSurviveRestart(t *testing.T) {
	store := memory.New("main", false)
	ctx := context.Background()

	s1 := New(store, Config{})
	if err := s1.Schedule(ctx, "reminder", time.Now().Add(-time.Second), "remind", map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}

	// A fresh scheduler over the same store sees the pending task.
	s2 := New(store, Config{})
	var ran int32
	s2.Register("remind", func(ctx context.Context, kwargs json.RawMessage) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	s2.Tick(ctx)
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("persisted task did not run after restart")
	}
}

func TestCancelSkipsExecution(t *testing.T) {
	store := memory.New("main", false)
	s := New(store, Config{})
	ctx := context.Background()

	var ran int32
	s.Register("ping", func(ctx context.Context, kwargs json.RawMessage) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err := s.Schedule(ctx, "t1", time.Now().Add(-time.Second), "ping", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	s.Tick(ctx)
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("canceled task ran")
	}
}

func TestCronTaskRearms(t *testing.T) {
	store := memory.New("main", false)
	s := New(store, Config{})
	ctx := context.Background()

	var ran int32
	s.Register("sweep", func(ctx context.Context, kwargs json.RawMessage) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err := s.ScheduleCron(ctx, "sweeper", "* * * * *", "sweep", nil); err != nil {
		t.Fatal(err)
	}

	// First due moment: run and re-arm.
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	s.Tick(ctx)
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("cron task ran %d times after first due tick", ran)
	}

	// Next minute: it fires again instead of staying done.
	s.now = func() time.Time { return time.Now().Add(4 * time.Minute) }
	s.Tick(ctx)
	if atomic.LoadInt32(&ran) != 2 {
		t.Errorf("cron task ran %d times, want 2", ran)
	}
}

func TestScheduleCronRejectsBadExpression(t *testing.T) {
	s := New(memory.New("main", false), Config{})
	if err := s.ScheduleCron(context.Background(), "bad", "not a cron", "sweep", nil); err == nil {
		t.Error("invalid cron expression accepted")
	}
}
