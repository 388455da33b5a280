package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAdmitWithinCapacity(t *testing.T) {
	m := NewManager(map[string]Limit{
		"llm": {Capacity: 3, Window: time.Minute},
	}, Limit{})
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Admit(ctx, "llm"); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if got := m.Pending("llm"); got != 3 {
		t.Errorf("pending = %d, want 3", got)
	}
}

func TestAdmitBlocksAtCapacity(t *testing.T) {
	m := NewManager(map[string]Limit{
		"q": {Capacity: 1, Window: time.Hour},
	}, Limit{})
	defer m.Close()

	if err := m.Admit(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Admit(ctx, "q")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("blocked admit: err = %v, want deadline exceeded", err)
	}
}

func TestAdmitUnblocksWhenWindowSlides(t *testing.T) {
	m := NewManager(map[string]Limit{
		"q": {Capacity: 1, Window: 30 * time.Millisecond},
	}, Limit{})
	defer m.Close()
	ctx := context.Background()

	if err := m.Admit(ctx, "q"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := m.Admit(ctx, "q"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("second admit returned after %v, expected it to wait for the window", elapsed)
	}
}

func TestWindowNeverOveradmits(t *testing.T) {
	// Drive the clock manually to verify the sliding-window invariant.
	clock := time.Unix(1000, 0)
	m := NewManager(map[string]Limit{
		"q": {Capacity: 5, Window: 10 * time.Second},
	}, Limit{})
	defer m.Close()
	m.now = func() time.Time { return clock }

	q := m.queueFor("q")
	admitted := 0
	for i := 0; i < 50; i++ {
		if _, ok := q.tryAdmit(m.now()); ok {
			admitted++
		}
		clock = clock.Add(time.Second)
	}
	// 5 immediate, then one slot frees every 2 seconds on average: never more
	// than capacity within any 10-second span.
	if got := m.Pending("q"); got > 5 {
		t.Errorf("pending = %d, exceeds capacity", got)
	}
	if admitted == 0 || admitted >= 50 {
		t.Errorf("admitted = %d, want partial admission", admitted)
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	m := NewManager(map[string]Limit{
		"q": {Capacity: 1, Window: time.Hour},
	}, Limit{})
	if err := m.Admit(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- m.Admit(context.Background(), "q") }()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrShuttingDown) {
			t.Errorf("waiter got %v, want ErrShuttingDown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released on close")
	}
}

func TestUnknownQueueUsesDefaultLimit(t *testing.T) {
	m := NewManager(nil, Limit{Capacity: 2, Window: time.Minute})
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.Admit(ctx, "adhoc"); err != nil {
			t.Fatal(err)
		}
	}
	ctx2, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Admit(ctx2, "adhoc"); err == nil {
		t.Error("third admit should block under the default limit")
	}
}
