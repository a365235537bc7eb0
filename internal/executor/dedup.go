package executor

import (
	"sync"
	"time"
)

// Dedup remembers recently executed opportunity identities so the same
// mispricing, detected by more than one scan tick, is traded once per TTL
// window. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given duplicate window.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate reports whether key was recorded inside the TTL window, and
// records it when it was not.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup drops expired entries. The executor calls it on a timer so the map
// stays bounded by the opportunity rate within one window.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
