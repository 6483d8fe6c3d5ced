package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketpulse/internal/alertqueue"
	"marketpulse/internal/audio"
	"marketpulse/internal/eventbus"
	"marketpulse/internal/feed"
	"marketpulse/internal/notify"
	"marketpulse/internal/permission"
	"marketpulse/internal/router"
	"marketpulse/pkg/logx"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingSender) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) Close() error { return nil }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestApp(t *testing.T, role router.Role, grant string) (*App, *recordingSender) {
	t.Helper()
	grantFile := filepath.Join(t.TempDir(), "notify_grant")
	if grant != "" {
		if err := os.WriteFile(grantFile, []byte(grant), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sender := &recordingSender{}
	bus := eventbus.New()
	a := &App{
		log:    logx.Nop(),
		role:   role,
		bus:    bus,
		router: router.New(router.Config{DedupWindow: 30 * time.Second}, logx.Nop(), nil),
		queue:  alertqueue.New(alertqueue.Config{}, logx.Nop()),
		audio:  audio.NewEngine(audio.Config{}, nil, nil, logx.Nop()),
		perm: permission.NewCoordinator(permission.Config{},
			permission.NewFilePlatform(grantFile, logx.Nop()), nil, logx.Nop(), bus),
		sender: sender,
	}
	return a, sender
}

func orderInsert(id string) feed.ChangeEvent {
	return feed.ChangeEvent{
		Kind:  feed.KindInsert,
		Table: "orders",
		After: map[string]any{
			"id":     id,
			"status": "pending",
		},
		ReceivedAt: time.Now(),
	}
}

func TestDispatchNewOrder(t *testing.T) {
	t.Parallel()
	a, sender := newTestApp(t, router.RoleSeller, "granted")

	a.dispatch(context.Background(), orderInsert("42"))

	snap := a.queue.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("queue has %d entries, want 1", len(snap))
	}
	if snap[0].Record.Category != router.CategoryNewOrder {
		t.Fatalf("category = %s, want NEW_ORDER", snap[0].Record.Category)
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d notifications, want 1", sender.count())
	}
	sender.mu.Lock()
	n := sender.sent[0]
	sender.mu.Unlock()
	if n.Tag != "orders/42" {
		t.Fatalf("tag = %q", n.Tag)
	}
	if !n.RequireInteraction {
		t.Fatal("high-priority alert should require interaction")
	}
}

func TestDispatchSkipsNativeChannelWithoutGrant(t *testing.T) {
	t.Parallel()
	a, sender := newTestApp(t, router.RoleSeller, "")

	a.dispatch(context.Background(), orderInsert("7"))

	if a.queue.Len() != 1 {
		t.Fatalf("queue has %d entries, want 1", a.queue.Len())
	}
	if sender.count() != 0 {
		t.Fatalf("sent %d notifications without a grant, want 0", sender.count())
	}
}

func TestDispatchIrrelevantTable(t *testing.T) {
	t.Parallel()
	a, sender := newTestApp(t, router.RoleDriver, "granted")

	a.dispatch(context.Background(), feed.ChangeEvent{
		Kind:       feed.KindInsert,
		Table:      "products",
		After:      map[string]any{"id": "p1", "name": "Widget"},
		ReceivedAt: time.Now(),
	})

	if a.queue.Len() != 0 || sender.count() != 0 {
		t.Fatalf("driver got a products alert: queue=%d sent=%d", a.queue.Len(), sender.count())
	}
}

func TestDispatchDeduplicates(t *testing.T) {
	t.Parallel()
	a, sender := newTestApp(t, router.RoleSeller, "granted")

	ev := orderInsert("9")
	a.dispatch(context.Background(), ev)
	a.dispatch(context.Background(), ev)

	if a.queue.Len() != 1 {
		t.Fatalf("queue has %d entries after duplicate event, want 1", a.queue.Len())
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d notifications after duplicate event, want 1", sender.count())
	}
}

func TestFeedDegradedPinsAlert(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, router.RoleSeller, "")

	a.onFeedStatus(feed.StatusChange{
		Table:   "orders",
		State:   feed.StateDegraded,
		Retries: 8,
		At:      time.Now(),
	})

	snap := a.queue.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("queue has %d entries, want 1", len(snap))
	}
	if !snap[0].Pinned {
		t.Fatal("degraded alert should be pinned")
	}
}

func TestDispatchLoopConsumesBus(t *testing.T) {
	t.Parallel()
	a, sender := newTestApp(t, router.RoleSeller, "granted")

	events, unsub := a.bus.SubscribeTopics(16, eventbus.TopicChange, eventbus.TopicFeedStatus)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.dispatchLoop(ctx, events)
	}()

	ev := orderInsert("77")
	a.bus.Publish(eventbus.Event{Topic: eventbus.TopicChange, Time: ev.ReceivedAt, Data: ev})

	deadline := time.After(2 * time.Second)
	for sender.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("dispatch loop never processed the event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestStatusReflectsWiring(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, router.RoleSeller, "granted")

	a.dispatch(context.Background(), orderInsert("9"))

	st := a.Status(context.Background())
	if st.Role != router.RoleSeller {
		t.Fatalf("role = %s", st.Role)
	}
	if st.QueueLen != 1 {
		t.Fatalf("queue len = %d, want 1", st.QueueLen)
	}
	if !st.Permission.Usable() {
		t.Fatal("granted platform should report usable permission")
	}
	if st.Capabilities.Audio {
		t.Fatal("no output device wired, audio capability should be false")
	}
	if !st.Capabilities.Notification {
		t.Fatal("recording sender is not a nop, notification capability should be true")
	}
}

// toneCountingContext is a minimal output context that just counts schedules.
type toneCountingContext struct {
	mu    sync.Mutex
	tones int
}

func (c *toneCountingContext) State() audio.ContextState      { return audio.ContextRunning }
func (c *toneCountingContext) Resume(_ context.Context) error { return nil }
func (c *toneCountingContext) Close() error                   { return nil }

func (c *toneCountingContext) ScheduleTone(audio.Tone) error {
	c.mu.Lock()
	c.tones++
	c.mu.Unlock()
	return nil
}

func (c *toneCountingContext) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tones
}

type toneCountingDevice struct{ ctx toneCountingContext }

func (d *toneCountingDevice) NewContext() (audio.OutputContext, error) { return &d.ctx, nil }

func TestDispatchSilencedAfterRevocation(t *testing.T) {
	t.Parallel()
	grantFile := filepath.Join(t.TempDir(), "notify_grant")
	if err := os.WriteFile(grantFile, []byte("granted"), 0o644); err != nil {
		t.Fatal(err)
	}
	sender := &recordingSender{}
	bus := eventbus.New()
	dev := &toneCountingDevice{}
	a := &App{
		log:    logx.Nop(),
		role:   router.RoleSeller,
		bus:    bus,
		router: router.New(router.Config{DedupWindow: 30 * time.Second}, logx.Nop(), nil),
		queue:  alertqueue.New(alertqueue.Config{}, logx.Nop()),
		audio:  audio.NewEngine(audio.Config{Enabled: true, Volume: 0.5}, dev, nil, logx.Nop()),
		perm: permission.NewCoordinator(permission.Config{},
			permission.NewFilePlatform(grantFile, logx.Nop()), nil, logx.Nop(), bus),
		sender: sender,
	}
	if !a.audio.Unlock(audio.Gesture{At: time.Now(), Source: "keypress"}) {
		t.Fatal("unlock failed")
	}

	a.dispatch(context.Background(), orderInsert("r1"))
	if dev.ctx.count() == 0 {
		t.Fatal("no tones scheduled while granted")
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d notifications, want 1", sender.count())
	}

	// The platform revokes the grant out of band; the next event must be
	// screen-only even though the engine stays unlocked.
	if err := os.WriteFile(grantFile, []byte("denied"), 0o644); err != nil {
		t.Fatal(err)
	}
	tones := dev.ctx.count()
	a.dispatch(context.Background(), orderInsert("r2"))
	if got := dev.ctx.count(); got != tones {
		t.Fatalf("scheduled %d tones after revocation", got-tones)
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d notifications after revocation, want 1", sender.count())
	}
	if got := a.queue.Len(); got != 2 {
		t.Fatalf("queue len = %d, want 2", got)
	}
}

func TestSubscriptionFilter(t *testing.T) {
	t.Parallel()
	cases := []struct {
		role  router.Role
		table string
		actor string
		want  string
	}{
		{router.RoleSeller, "orders", "s1", "seller_id=eq.s1"},
		{router.RoleDriver, "orders", "d7", "driver_id=eq.d7"},
		{router.RoleBuyer, "orders", "b2", "buyer_id=eq.b2"},
		{router.RoleAdmin, "orders", "a9", ""},
		{router.RoleBuyer, "products", "b2", ""},
		{router.RoleSeller, "orders", "", ""},
	}
	for _, tc := range cases {
		if got := subscriptionFilter(tc.role, tc.table, tc.actor); got != tc.want {
			t.Fatalf("subscriptionFilter(%s, %s, %q) = %q, want %q",
				tc.role, tc.table, tc.actor, got, tc.want)
		}
	}
}
