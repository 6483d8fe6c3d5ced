// Package router classifies raw change events into role-specific alerts.
//
// Route is a pure mapping over a static rules table plus a bounded dedup
// window. It never fails: duplicates and irrelevant events return nil, and
// malformed payloads degrade to a generic notification so the recipient is
// never left unaware that something happened.
package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/feed"
	"marketpulse/internal/storage"
	"marketpulse/pkg/logx"
)

// Config controls dedup behavior.
type Config struct {
	DedupWindow  time.Duration // 0 disables dedup
	DedupEntries int           // ring capacity
	PersistDedup bool          // best-effort cross-restart dedup via store
}

func (c *Config) applyDefaults() {
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupEntries <= 0 {
		c.DedupEntries = 512
	}
}

// Router maps change events to notification records for a given role.
// Safe for concurrent use.
type Router struct {
	log   logx.Logger
	cfg   Config
	dedup *dedupRing
	store storage.Store

	now func() time.Time // test hook
}

func New(cfg Config, log logx.Logger, store storage.Store) *Router {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:   log,
		cfg:   cfg,
		dedup: newDedupRing(cfg.DedupEntries),
		store: store,
		now:   time.Now,
	}
}

// Route classifies ev for role. It returns nil for duplicates within the
// dedup window and for events the role does not care about. It never panics
// and never returns an error: a payload missing expected fields yields a
// best-effort generic record instead of being dropped silently.
func (r *Router) Route(ev feed.ChangeEvent, role Role) *NotificationRecord {
	tables := relevantTables[role]
	if tables == nil || !tables[ev.Table] {
		return nil
	}

	id := ev.RowID()
	if r.cfg.DedupWindow > 0 && id != "" {
		key := dedupKey(ev.Table, id, ev.Kind)
		if !r.allow(key) {
			r.log.Debug("duplicate event suppressed",
				logx.String("table", ev.Table),
				logx.String("row", id),
				logx.String("kind", string(ev.Kind)))
			return nil
		}
	}

	rl, ok := lookupRule(ev.Table, ev.Kind, role)
	if !ok {
		rl = genericRule(ev.Table)
	}

	// Malformed payload: the rule expected an after image but none is
	// present. Degrade to the generic shape rather than dropping.
	if ev.After == nil && ev.Kind != feed.KindDelete {
		r.log.Warn("malformed event payload, degrading to generic alert",
			logx.String("table", ev.Table),
			logx.String("kind", string(ev.Kind)))
		rl = genericRule(ev.Table)
	}

	now := r.now()
	return &NotificationRecord{
		ID:          uuid.NewString(),
		Category:    rl.category,
		Title:       rl.title,
		Body:        rl.body(ev),
		Priority:    rl.priority,
		SourceEvent: ev,
		CreatedAt:   now,
	}
}

// allow reports whether key is outside the dedup window, recording it if so.
func (r *Router) allow(key string) bool {
	now := r.now()
	until := now.Add(r.cfg.DedupWindow)

	if !r.dedup.allow(key, now, until) {
		return false
	}

	// Cross-restart suppression (best-effort, bounded latency).
	if r.cfg.PersistDedup && r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		stored, ok, err := r.store.GetDedup(ctx, key)
		cancel()
		if err == nil && ok && now.Before(stored) {
			r.dedup.record(key, stored)
			return false
		}
		wctx, wcancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = r.store.PutDedup(wctx, key, until)
		wcancel()
	}
	return true
}

func dedupKey(table, id string, kind feed.Kind) string {
	return table + "|" + id + "|" + string(kind)
}
