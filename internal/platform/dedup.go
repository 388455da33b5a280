package platform

import (
	"sync"
	"time"
)

const (
	dedupTTL = 10 * time.Minute
	dedupCap = 4096
)

// Dedup remembers recently seen ids with bounded retention. The zero
// value is ready to use.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time

	// ttl and cap override the defaults when non-zero.
	ttl time.Duration
	cap int
}

// Seen marks id and reports whether it was already present. Entries
// expire after the retention window; when the set is full the oldest
// entry is evicted.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ttl, max := d.ttl, d.cap
	if ttl == 0 {
		ttl = dedupTTL
	}
	if max == 0 {
		max = dedupCap
	}
	if d.seen == nil {
		d.seen = make(map[string]time.Time)
	}

	now := time.Now()
	if at, ok := d.seen[id]; ok && now.Sub(at) < ttl {
		return true
	}

	if len(d.seen) >= max {
		var oldestID string
		var oldestAt time.Time
		for k, at := range d.seen {
			if now.Sub(at) >= ttl {
				delete(d.seen, k)
				continue
			}
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = k, at
			}
		}
		if len(d.seen) >= max && oldestID != "" {
			delete(d.seen, oldestID)
		}
	}

	d.seen[id] = now
	return false
}
