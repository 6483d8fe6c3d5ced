package router

import (
	"testing"
	"time"

	"marketpulse/internal/feed"
	"marketpulse/pkg/logx"
)

func newTestRouter(window time.Duration) *Router {
	return New(Config{DedupWindow: window, DedupEntries: 16}, logx.Nop(), nil)
}

func orderInsert(id string) feed.ChangeEvent {
	return feed.ChangeEvent{
		Kind:       feed.KindInsert,
		Table:      "orders",
		After:      map[string]any{"id": id, "status": "pending"},
		ReceivedAt: time.Now(),
	}
}

func TestRouteSellerNewOrder(t *testing.T) {
	t.Parallel()
	r := newTestRouter(0)

	rec := r.Route(orderInsert("o42"), RoleSeller)
	if rec == nil {
		t.Fatal("expected a record for a seller order insert")
	}
	if rec.Category != CategoryNewOrder {
		t.Fatalf("category = %s, want NEW_ORDER", rec.Category)
	}
	if rec.Priority != PriorityHigh {
		t.Fatalf("priority = %s, want high", rec.Priority)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Fatal("record missing id or timestamp")
	}
	if rec.SourceEvent.Table != "orders" {
		t.Fatalf("source event not carried: %+v", rec.SourceEvent)
	}
}

func TestRouteDuplicateSuppressed(t *testing.T) {
	t.Parallel()
	r := newTestRouter(30 * time.Second)

	first := r.Route(orderInsert("o1"), RoleSeller)
	if first == nil {
		t.Fatal("first event must produce a record")
	}
	// Duplicate delivery 50ms apart.
	second := r.Route(orderInsert("o1"), RoleSeller)
	if second != nil {
		t.Fatalf("duplicate produced a record: %+v", second)
	}

	// Same row, different kind: distinct triple, not a duplicate.
	upd := feed.ChangeEvent{Kind: feed.KindUpdate, Table: "orders", After: map[string]any{"id": "o1", "status": "ready"}}
	if r.Route(upd, RoleSeller) == nil {
		t.Fatal("different kind for the same row must not be suppressed")
	}
}

func TestRouteDedupWindowExpires(t *testing.T) {
	t.Parallel()
	r := newTestRouter(30 * time.Second)
	base := time.Now()
	r.now = func() time.Time { return base }

	if r.Route(orderInsert("o2"), RoleSeller) == nil {
		t.Fatal("first event suppressed")
	}
	r.now = func() time.Time { return base.Add(31 * time.Second) }
	if r.Route(orderInsert("o2"), RoleSeller) == nil {
		t.Fatal("event after window expiry must produce a record")
	}
}

func TestRouteIrrelevantRoleReturnsNil(t *testing.T) {
	t.Parallel()
	r := newTestRouter(0)

	ev := feed.ChangeEvent{Kind: feed.KindInsert, Table: "incidents", After: map[string]any{"id": "i1"}}
	if rec := r.Route(ev, RoleDriver); rec != nil {
		t.Fatalf("driver should not receive incident events, got %+v", rec)
	}
	if rec := r.Route(ev, RoleAdmin); rec == nil || rec.Category != CategoryCritical {
		t.Fatalf("admin should receive CRITICAL for incidents, got %+v", rec)
	}
}

func TestRouteUnknownComboFallsBack(t *testing.T) {
	t.Parallel()
	r := newTestRouter(0)

	// products/UPDATE/buyer has no rule but the table is relevant to buyers.
	ev := feed.ChangeEvent{Kind: feed.KindUpdate, Table: "products", After: map[string]any{"id": "p1"}}
	rec := r.Route(ev, RoleBuyer)
	if rec == nil {
		t.Fatal("relevant table without a rule must fall back, not drop")
	}
	if rec.Category != CategoryGeneral || rec.Priority != PriorityLow {
		t.Fatalf("fallback = %s/%s, want GENERAL/low", rec.Category, rec.Priority)
	}
}

func TestRouteMalformedPayloadDegrades(t *testing.T) {
	t.Parallel()
	r := newTestRouter(0)

	ev := feed.ChangeEvent{Kind: feed.KindInsert, Table: "orders"} // no after image
	rec := r.Route(ev, RoleSeller)
	if rec == nil {
		t.Fatal("malformed payload must not be dropped silently")
	}
	if rec.Category != CategoryGeneral || rec.Priority != PriorityLow {
		t.Fatalf("malformed payload = %s/%s, want GENERAL/low", rec.Category, rec.Priority)
	}
}

func TestDedupRingBounded(t *testing.T) {
	t.Parallel()
	d := newDedupRing(4)
	now := time.Now()
	until := now.Add(time.Minute)

	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		if !d.allow(k, now, until) {
			t.Fatalf("fresh key %q rejected", k)
		}
	}
	if d.len() != 4 {
		t.Fatalf("ring size = %d, want 4", d.len())
	}
	// Oldest keys were evicted, so they are admitted again.
	if !d.allow("a", now, until) {
		t.Fatal("evicted key should be admitted again")
	}
	// Recent key still inside its window.
	if d.allow("f", now, until) {
		t.Fatal("recent key must stay suppressed")
	}
}
