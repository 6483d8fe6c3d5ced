// Package alertqueue keeps the bounded, auto-expiring list of floating
// notifications shown to the user.
//
// Entries keep stable insertion order; expiry and manual dismissal race
// safely (the loser is a no-op). When the queue is full the oldest non-pinned
// entry is evicted first.
package alertqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/router"
	"marketpulse/pkg/logx"
)

// Config controls capacity and default lifetime.
type Config struct {
	Capacity   int
	DefaultTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 5
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 8 * time.Second
	}
}

// Options modify a single Push.
type Options struct {
	// TTL overrides the default expiry when > 0.
	TTL time.Duration
	// Pinned entries are evicted only when no unpinned entry remains and
	// never auto-expire.
	Pinned bool
}

// Floating is the UI projection of one queued notification.
type Floating struct {
	Record    router.NotificationRecord
	ExpiresAt time.Time // zero for pinned entries
	Pinned    bool
}

type entry struct {
	rec       router.NotificationRecord
	expiresAt time.Time
	pinned    bool
	timer     *expiryTimer
}

// Queue is safe for concurrent use.
type Queue struct {
	log logx.Logger
	cfg Config

	mu      sync.Mutex
	entries []*entry // insertion order, oldest first
	byID    map[string]*entry

	updates chan struct{}

	now func() time.Time // test hook
}

func New(cfg Config, log logx.Logger) *Queue {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		log:     log,
		cfg:     cfg,
		byID:    map[string]*entry{},
		updates: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Apply updates capacity/TTL at runtime. Existing entries keep their timers;
// a reduced capacity takes effect on the next Push.
func (q *Queue) Apply(cfg Config) {
	cfg.applyDefaults()
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// Updates signals (coalesced) whenever the visible list changes.
func (q *Queue) Updates() <-chan struct{} { return q.updates }

// Push adds rec and returns its id, assigning one if the record has none.
// If the queue is over capacity the oldest non-pinned entry is evicted
// (oldest pinned only as a last resort).
func (q *Queue) Push(rec router.NotificationRecord, opts Options) string {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	ttl := opts.TTL
	q.mu.Lock()
	if ttl <= 0 {
		ttl = q.cfg.DefaultTTL
	}

	e := &entry{rec: rec, pinned: opts.Pinned}
	if !opts.Pinned {
		e.expiresAt = q.now().Add(ttl)
		id := rec.ID
		e.timer = newExpiryTimer(ttl, func() { q.expire(id) })
	}

	q.entries = append(q.entries, e)
	q.byID[rec.ID] = e

	var evicted []*entry
	for len(q.entries) > q.cfg.Capacity {
		victim := q.oldestLocked()
		if victim == nil {
			break
		}
		q.dropLocked(victim)
		evicted = append(evicted, victim)
	}
	q.mu.Unlock()

	for _, v := range evicted {
		v.timer.Stop()
		q.log.Debug("alert evicted",
			logx.String("id", v.rec.ID),
			logx.String("category", string(v.rec.Category)))
	}
	q.notify()
	return rec.ID
}

// Remove dismisses the entry with the given id. A second call, or a call
// racing the entry's natural expiry, is a no-op and returns false.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	e, ok := q.byID[id]
	if ok {
		q.dropLocked(e)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	q.notify()
	return true
}

// Snapshot returns the visible entries, most recent first.
func (q *Queue) Snapshot() []Floating {
	q.mu.Lock()
	out := make([]Floating, 0, len(q.entries))
	for i := len(q.entries) - 1; i >= 0; i-- {
		e := q.entries[i]
		out = append(out, Floating{Record: e.rec, ExpiresAt: e.expiresAt, Pinned: e.pinned})
	}
	q.mu.Unlock()
	return out
}

// Len returns the number of visible entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear removes everything, releasing all timers.
func (q *Queue) Clear() {
	q.mu.Lock()
	es := q.entries
	q.entries = nil
	q.byID = map[string]*entry{}
	q.mu.Unlock()
	for _, e := range es {
		e.timer.Stop()
	}
	q.notify()
}

func (q *Queue) expire(id string) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if ok {
		q.dropLocked(e)
	}
	q.mu.Unlock()
	if !ok {
		// Lost the race against Remove; nothing to do.
		return
	}
	q.log.Debug("alert expired", logx.String("id", id))
	q.notify()
}

// oldestLocked picks the eviction victim: oldest non-pinned, falling back to
// the oldest entry when everything is pinned.
func (q *Queue) oldestLocked() *entry {
	for _, e := range q.entries {
		if !e.pinned {
			return e
		}
	}
	if len(q.entries) > 0 {
		return q.entries[0]
	}
	return nil
}

func (q *Queue) dropLocked(victim *entry) {
	delete(q.byID, victim.rec.ID)
	for i, e := range q.entries {
		if e == victim {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
}

func (q *Queue) notify() {
	select {
	case q.updates <- struct{}{}:
	default:
	}
}
