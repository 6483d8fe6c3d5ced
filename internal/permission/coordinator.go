// Package permission negotiates and persists the notification-channel grant.
//
// The live platform permission is authoritative; the persisted grant only
// remembers that the user accepted once, so an externally revoked grant can
// be detected and surfaced instead of silently assumed.
package permission

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/storage"
	"marketpulse/pkg/logx"
)

// Grant is the platform's notification permission.
type Grant string

const (
	GrantDefault Grant = "default"
	GrantGranted Grant = "granted"
	GrantDenied  Grant = "denied"
)

// State is the reconciled permission view handed to dependents.
type State struct {
	Notification   Grant
	PersistedGrant bool
	GrantedAt      time.Time
	// Revoked is set when a persisted grant no longer matches the live
	// platform permission; dependents must stop assuming a native channel.
	Revoked bool
}

// Usable reports whether the native notification channel may be used.
func (s State) Usable() bool { return s.Notification == GrantGranted }

// Platform is the live notification permission surface.
//
// Current must be cheap and synchronous. Prompt shows the permission dialog;
// platforms resolve it to denied without prompting when already denied.
type Platform interface {
	Current() Grant
	Prompt(ctx context.Context) (Grant, error)
}

// storeKey is the single namespaced key under which the grant is persisted.
const storeKey = "marketpulse/permission/notify"

// persistedGrant is the stored payload.
type persistedGrant struct {
	Grant     Grant     `json:"grant"`
	GrantedAt time.Time `json:"granted_at"`
}

const promptTimeout = 2 * time.Minute

// Config for the coordinator.
type Config struct {
	// GrantStaleAfter discards a persisted grant older than this horizon,
	// forcing re-validation against the live platform. 0 means 30 days.
	GrantStaleAfter time.Duration
}

// Coordinator owns PermissionState. It is the only mutator of the persisted
// grant. Safe for concurrent use.
type Coordinator struct {
	log      logx.Logger
	store    storage.Store
	platform Platform
	bus      eventbus.Bus
	cfg      Config

	mu       sync.Mutex
	prompted bool // a prompt is in flight

	// onFirstGrant runs once after a successful prompt, so the app can send
	// a confirmation notification validating end-to-end delivery.
	onFirstGrant func(State)

	now func() time.Time // test hook
}

func NewCoordinator(cfg Config, platform Platform, store storage.Store, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if cfg.GrantStaleAfter <= 0 {
		cfg.GrantStaleAfter = 30 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		log:      log,
		store:    store,
		platform: platform,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
	}
}

// OnFirstGrant installs the confirmation hook. Must be set before use.
func (c *Coordinator) OnFirstGrant(fn func(State)) {
	c.mu.Lock()
	c.onFirstGrant = fn
	c.mu.Unlock()
}

// CurrentState reconciles persisted vs. live state. It is a read with one
// side effect: detecting that a persisted grant was revoked externally clears
// the persisted state and publishes the transition.
func (c *Coordinator) CurrentState(ctx context.Context) State {
	live := c.platform.Current()
	pg, ok := c.readPersisted(ctx)

	if ok && c.now().Sub(pg.GrantedAt) > c.cfg.GrantStaleAfter {
		c.log.Info("persisted grant past staleness horizon, discarding",
			logx.Time("granted_at", pg.GrantedAt))
		c.clearPersisted(ctx)
		ok = false
	}

	if ok && pg.Grant == GrantGranted && live != GrantGranted {
		// The user's environment revoked the grant behind our back.
		c.log.Warn("notification grant revoked externally",
			logx.String("live", string(live)))
		c.clearPersisted(ctx)
		st := State{Notification: live, Revoked: true}
		c.publish(st)
		return st
	}

	st := State{Notification: live}
	if ok && pg.Grant == GrantGranted {
		st.PersistedGrant = true
		st.GrantedAt = pg.GrantedAt
	}
	return st
}

// RequestPermission resolves the grant, prompting only when the live state is
// still default. Idempotent: in granted state it is a cheap success, and once
// the platform reports denied no prompt is attempted (the platform would not
// show one anyway; only a user-driven retry goes through here again).
func (c *Coordinator) RequestPermission(ctx context.Context) (State, error) {
	switch c.platform.Current() {
	case GrantGranted:
		st := c.CurrentState(ctx)
		if !st.PersistedGrant {
			// Granted out-of-band (e.g. site settings); remember it.
			c.persist(ctx, GrantGranted)
			st = c.CurrentState(ctx)
		}
		return st, nil
	case GrantDenied:
		c.clearPersisted(ctx)
		return State{Notification: GrantDenied}, nil
	}

	c.mu.Lock()
	if c.prompted {
		c.mu.Unlock()
		return c.CurrentState(ctx), nil
	}
	c.prompted = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.prompted = false
		c.mu.Unlock()
	}()

	pctx, cancel := context.WithTimeout(ctx, promptTimeout)
	result, err := c.platform.Prompt(pctx)
	cancel()
	if err != nil {
		return State{Notification: GrantDefault}, err
	}

	switch result {
	case GrantGranted:
		c.persist(ctx, GrantGranted)
		st := State{Notification: GrantGranted, PersistedGrant: true, GrantedAt: c.now()}
		c.publish(st)
		c.mu.Lock()
		hook := c.onFirstGrant
		c.mu.Unlock()
		if hook != nil {
			hook(st)
		}
		c.log.Info("notification permission granted")
		return st, nil
	case GrantDenied:
		c.clearPersisted(ctx)
		st := State{Notification: GrantDenied}
		c.publish(st)
		c.log.Info("notification permission denied")
		return st, nil
	default:
		return State{Notification: GrantDefault}, nil
	}
}

func (c *Coordinator) readPersisted(ctx context.Context) (persistedGrant, bool) {
	if c.store == nil {
		return persistedGrant{}, false
	}
	rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	b, ok, err := c.store.Get(rctx, storeKey)
	if err != nil || !ok {
		return persistedGrant{}, false
	}
	var pg persistedGrant
	if err := json.Unmarshal(b, &pg); err != nil {
		return persistedGrant{}, false
	}
	return pg, pg.Grant == GrantGranted
}

func (c *Coordinator) persist(ctx context.Context, g Grant) {
	if c.store == nil {
		return
	}
	b, err := json.Marshal(persistedGrant{Grant: g, GrantedAt: c.now()})
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := c.store.Set(wctx, storeKey, b); err != nil {
		c.log.Debug("grant persist failed", logx.Err(err))
	}
}

func (c *Coordinator) clearPersisted(ctx context.Context) {
	if c.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := c.store.Delete(wctx, storeKey); err != nil {
		c.log.Debug("grant clear failed", logx.Err(err))
	}
}

func (c *Coordinator) publish(st State) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Topic: eventbus.TopicPermission, Data: st})
}
