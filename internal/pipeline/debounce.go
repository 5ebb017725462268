package pipeline

import (
	"sync"
	"time"
)

// debouncePruneSize is the number of tracked identities above which stale
// entries are pruned.
const debouncePruneSize = 1024

// Debouncer suppresses repeated events for an identity within a cooldown
// measured on frame capture time.
type Debouncer struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
}

// NewDebouncer creates a debouncer with the given cooldown.
func NewDebouncer(cooldown time.Duration) *Debouncer {
	return &Debouncer{cooldown: cooldown, last: make(map[string]time.Time)}
}

// Allow reports whether an event for identityID captured at ts may be
// emitted and records it if so. Frames older than the last emitted one fall
// inside the window and are suppressed.
func (d *Debouncer) Allow(identityID string, ts time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.last[identityID]; ok && ts.Sub(last) < d.cooldown {
		return false
	}
	d.last[identityID] = ts
	if len(d.last) > debouncePruneSize {
		d.pruneLocked(ts)
	}
	return true
}

// Reset forgets an identity, e.g. after it was removed.
func (d *Debouncer) Reset(identityID string) {
	d.mu.Lock()
	delete(d.last, identityID)
	d.mu.Unlock()
}

func (d *Debouncer) pruneLocked(now time.Time) {
	for id, ts := range d.last {
		if now.Sub(ts) >= d.cooldown {
			delete(d.last, id)
		}
	}
}
