// Package ratelimit provides named sliding-window admission queues.
// Callers block in Admit until a slot opens, the context expires, or the
// manager shuts down.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrShuttingDown is returned to every waiter when the manager closes.
var ErrShuttingDown = errors.New("rate limiter shutting down")

// Limit bounds a queue to Capacity admissions per trailing Window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

type queue struct {
	mu    sync.Mutex
	limit Limit
	// Admission timestamps, oldest first. Never longer than limit.Capacity.
	admitted []time.Time
}

// Manager owns the queue table. Queues not configured up front are created on
// first use with the default limit.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queue
	def    Limit
	done   chan struct{}
	once   sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a manager with per-queue limits and a default for
// queues admitted ad hoc.
func NewManager(limits map[string]Limit, def Limit) *Manager {
	if def.Capacity <= 0 {
		def.Capacity = 20
	}
	if def.Window <= 0 {
		def.Window = time.Minute
	}
	m := &Manager{
		queues: make(map[string]*queue, len(limits)),
		def:    def,
		done:   make(chan struct{}),
		now:    time.Now,
	}
	for name, l := range limits {
		if l.Capacity <= 0 || l.Window <= 0 {
			continue
		}
		m.queues[name] = &queue{limit: l, admitted: make([]time.Time, 0, l.Capacity)}
	}
	return m
}

func (m *Manager) queueFor(name string) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = &queue{limit: m.def, admitted: make([]time.Time, 0, m.def.Capacity)}
		m.queues[name] = q
	}
	return q
}

// Admit blocks until the named queue has a free slot in its window. It
// returns ctx.Err() (wrapped) on cancellation and ErrShuttingDown once the
// manager is closed.
func (m *Manager) Admit(ctx context.Context, name string) error {
	q := m.queueFor(name)
	for {
		wait, ok := q.tryAdmit(m.now())
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit %q: %w", name, ctx.Err())
		case <-m.done:
			timer.Stop()
			return ErrShuttingDown
		}
	}
}

// tryAdmit records an admission if the window has room; otherwise it returns
// how long until the oldest admission leaves the window.
func (q *queue) tryAdmit(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.limit.Window)
	i := 0
	for i < len(q.admitted) && !q.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		q.admitted = append(q.admitted[:0], q.admitted[i:]...)
	}

	if len(q.admitted) < q.limit.Capacity {
		q.admitted = append(q.admitted, now)
		return 0, true
	}
	return q.admitted[0].Sub(cutoff), false
}

// Pending reports how many admissions currently sit in the queue's window.
func (m *Manager) Pending(name string) int {
	q := m.queueFor(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := m.now().Add(-q.limit.Window)
	n := 0
	for _, t := range q.admitted {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Close releases every current and future waiter with ErrShuttingDown.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}
