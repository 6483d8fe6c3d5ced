package router

import (
	"sync"
	"time"
)

// dedupRing is a bounded set of recently seen keys with per-key expiry.
// When full, the oldest key is evicted regardless of its remaining TTL.
type dedupRing struct {
	mu    sync.Mutex
	cap   int
	ring  []string // insertion order, oldest first
	until map[string]time.Time
}

func newDedupRing(capacity int) *dedupRing {
	if capacity <= 0 {
		capacity = 512
	}
	return &dedupRing{
		cap:   capacity,
		ring:  make([]string, 0, capacity),
		until: make(map[string]time.Time, capacity),
	}
}

// allow returns false when key is still inside its window, and otherwise
// records (key, until) and returns true.
func (d *dedupRing) allow(key string, now, until time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.until[key]; ok && now.Before(u) {
		return false
	}
	d.insertLocked(key, until)
	return true
}

// record stores a suppress-until without the membership check (used when a
// persisted window is discovered after the in-memory miss).
func (d *dedupRing) record(key string, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertLocked(key, until)
}

func (d *dedupRing) insertLocked(key string, until time.Time) {
	if _, ok := d.until[key]; !ok {
		if len(d.ring) >= d.cap {
			oldest := d.ring[0]
			d.ring = d.ring[1:]
			delete(d.until, oldest)
		}
		d.ring = append(d.ring, key)
	}
	d.until[key] = until
}

func (d *dedupRing) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ring)
}
