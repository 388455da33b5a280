// Package cache is a namespaced in-memory cache with optional write-behind
// persistence into the storage layer.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

// Persistence says when an entry is written to the backing store.
type Persistence int

const (
	// MemoryOnly entries never touch the store.
	MemoryOnly Persistence = iota
	// OnChange entries are written through on every Set.
	OnChange
	// Periodic entries are flushed by the background worker.
	Periodic
	// OnShutdown entries are flushed once, when the cache stops.
	OnShutdown
)

type entry struct {
	value       []byte
	createdAt   time.Time
	ttl         time.Duration
	persistence Persistence
	accessCount int64
	dirty       bool
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
}

// Cache holds namespace -> key -> entry. All methods are safe for
// concurrent use.
type Cache struct {
	mu    sync.Mutex
	data  map[string]map[string]*entry
	store storage.Store
	now   func() time.Time

	started  bool
	stopOnce sync.Once
	stopc    chan struct{}
	stopped  chan struct{}
}

// New creates a cache persisting into store. store may be nil for a purely
// in-memory cache (all persistence levels degrade to MemoryOnly).
func New(store storage.Store) *Cache {
	return &Cache{
		data:    make(map[string]map[string]*entry),
		store:   store,
		now:     time.Now,
		stopc:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the periodic flush worker. period <= 0 picks the default of
// five minutes.
func (c *Cache) Start(period time.Duration) {
	if period <= 0 {
		period = 5 * time.Minute
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.flush(context.Background(), Periodic)
			case <-c.stopc:
				return
			}
		}
	}()
}

// Stop halts the worker and flushes periodic and on-shutdown entries.
func (c *Cache) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stopc)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.stopped
		}
		c.flush(ctx, Periodic)
		c.flush(ctx, OnShutdown)
	})
}

// Set stores value under ns/key. ttl <= 0 means no expiry.
func (c *Cache) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration, p Persistence) error {
	if c.store == nil {
		p = MemoryOnly
	}
	e := &entry{
		value:       append([]byte(nil), value...),
		createdAt:   c.now(),
		ttl:         ttl,
		persistence: p,
		dirty:       p != MemoryOnly,
	}

	c.mu.Lock()
	m := c.data[ns]
	if m == nil {
		m = make(map[string]*entry)
		c.data[ns] = m
	}
	m[key] = e
	c.mu.Unlock()

	if p == OnChange {
		if err := c.persist(ctx, ns, key, e); err != nil {
			return err
		}
		c.mu.Lock()
		e.dirty = false
		c.mu.Unlock()
	}
	return nil
}

// Get returns the value, or ok=false on a miss. An expired entry counts as a
// miss and is removed lazily, from the store as well.
func (c *Cache) Get(ctx context.Context, ns, key string) ([]byte, bool) {
	c.mu.Lock()
	m := c.data[ns]
	e, ok := m[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if e.expired(c.now()) {
		delete(m, key)
		persisted := e.persistence != MemoryOnly
		c.mu.Unlock()
		if persisted && c.store != nil {
			if err := c.store.DeleteCacheEntry(ctx, ns, key); err != nil {
				slog.Warn("cache: delete expired entry", "namespace", ns, "key", key, "error", err)
			}
		}
		return nil, false
	}
	e.accessCount++
	v := append([]byte(nil), e.value...)
	c.mu.Unlock()
	return v, true
}

// Delete removes ns/key from memory and, for persisted entries, the store.
func (c *Cache) Delete(ctx context.Context, ns, key string) error {
	c.mu.Lock()
	m := c.data[ns]
	e, ok := m[key]
	if ok {
		delete(m, key)
	}
	c.mu.Unlock()

	if ok && e.persistence != MemoryOnly && c.store != nil {
		return c.store.DeleteCacheEntry(ctx, ns, key)
	}
	return nil
}

// Clear drops a whole namespace.
func (c *Cache) Clear(ctx context.Context, ns string) error {
	c.mu.Lock()
	delete(c.data, ns)
	c.mu.Unlock()
	if c.store != nil {
		return c.store.ClearCacheNamespace(ctx, ns)
	}
	return nil
}

// Load warms a namespace from the store. Loaded entries start clean and keep
// their original created_at, so TTLs keep counting from the first write.
func (c *Cache) Load(ctx context.Context, ns string, p Persistence) error {
	if c.store == nil {
		return nil
	}
	entries, err := c.store.ListCacheEntries(ctx, ns)
	if err != nil {
		return err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.data[ns]
	if m == nil {
		m = make(map[string]*entry)
		c.data[ns] = m
	}
	for _, se := range entries {
		e := &entry{
			value:       se.Value,
			createdAt:   se.CreatedAt,
			ttl:         time.Duration(se.TTLSeconds) * time.Second,
			persistence: p,
		}
		if e.expired(now) {
			continue
		}
		m[se.Key] = e
	}
	return nil
}

func (c *Cache) persist(ctx context.Context, ns, key string, e *entry) error {
	return c.store.UpsertCacheEntry(ctx, &storage.CacheEntry{
		Namespace:  ns,
		Key:        key,
		Value:      e.value,
		CreatedAt:  e.createdAt,
		TTLSeconds: int64(e.ttl / time.Second),
	})
}

// flush writes every dirty entry at the given persistence level.
func (c *Cache) flush(ctx context.Context, p Persistence) {
	if c.store == nil {
		return
	}
	type pending struct {
		ns, key string
		e       *entry
	}
	var todo []pending

	c.mu.Lock()
	for ns, m := range c.data {
		for key, e := range m {
			if e.persistence == p && e.dirty && !e.expired(c.now()) {
				todo = append(todo, pending{ns, key, e})
			}
		}
	}
	c.mu.Unlock()

	for _, t := range todo {
		if err := c.persist(ctx, t.ns, t.key, t.e); err != nil {
			slog.Warn("cache: flush entry", "namespace", t.ns, "key", t.key, "error", err)
			continue
		}
		c.mu.Lock()
		t.e.dirty = false
		c.mu.Unlock()
	}
}
