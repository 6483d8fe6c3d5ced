package alertqueue

import (
	"fmt"
	"testing"
	"time"

	"marketpulse/internal/router"
	"marketpulse/pkg/logx"
)

func rec(id string) router.NotificationRecord {
	return router.NotificationRecord{
		ID:       id,
		Category: router.CategoryGeneral,
		Title:    "t",
		Priority: router.PriorityLow,
	}
}

func newTestQueue(capacity int, ttl time.Duration) *Queue {
	return New(Config{Capacity: capacity, DefaultTTL: ttl}, logx.Nop())
}

func TestPushBoundedEvictsOldestUnpinned(t *testing.T) {
	t.Parallel()
	q := newTestQueue(3, time.Minute)

	q.Push(rec("a"), Options{})
	q.Push(rec("b"), Options{Pinned: true})
	q.Push(rec("c"), Options{})
	q.Push(rec("d"), Options{})

	if q.Len() != 3 {
		t.Fatalf("len = %d, want capacity 3", q.Len())
	}
	snap := q.Snapshot()
	ids := make([]string, len(snap))
	for i, f := range snap {
		ids[i] = f.Record.ID
	}
	// "a" was the oldest non-pinned; pinned "b" survives.
	want := []string{"d", "c", "b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("snapshot order = %v, want %v", ids, want)
		}
	}
}

func TestPushOverCapacityNeverExceedsN(t *testing.T) {
	t.Parallel()
	q := newTestQueue(5, time.Minute)
	for i := 0; i < 50; i++ {
		q.Push(rec(fmt.Sprintf("n%d", i)), Options{})
		if q.Len() > 5 {
			t.Fatalf("queue grew past capacity: %d", q.Len())
		}
	}
}

func TestAllPinnedStillBounded(t *testing.T) {
	t.Parallel()
	q := newTestQueue(2, time.Minute)
	q.Push(rec("p1"), Options{Pinned: true})
	q.Push(rec("p2"), Options{Pinned: true})
	q.Push(rec("p3"), Options{Pinned: true})
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2 even when all pinned", q.Len())
	}
	if q.Snapshot()[len(q.Snapshot())-1].Record.ID != "p2" {
		t.Fatal("expected oldest pinned entry evicted as last resort")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	t.Parallel()
	q := newTestQueue(5, time.Minute)
	id := q.Push(rec("x"), Options{})

	if !q.Remove(id) {
		t.Fatal("first remove must succeed")
	}
	if q.Remove(id) {
		t.Fatal("second remove must be a no-op")
	}
	if q.Remove("never-existed") {
		t.Fatal("removing an unknown id must be a no-op")
	}
}

func TestExpiryRemovesEntry(t *testing.T) {
	t.Parallel()
	q := newTestQueue(5, 10*time.Millisecond)
	q.Push(rec("e"), Options{})

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Len() != 0 {
		t.Fatal("entry did not expire")
	}
}

func TestExpiryRaceWithRemove(t *testing.T) {
	t.Parallel()
	q := newTestQueue(5, time.Millisecond)
	for i := 0; i < 100; i++ {
		id := q.Push(rec(fmt.Sprintf("r%d", i)), Options{})
		time.Sleep(time.Millisecond)
		q.Remove(id) // may race the expiry timer; both paths must be safe
	}
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained after races: %d left", q.Len())
	}
}

func TestPinnedNeverAutoExpires(t *testing.T) {
	t.Parallel()
	q := newTestQueue(5, 5*time.Millisecond)
	q.Push(rec("pin"), Options{Pinned: true})
	time.Sleep(50 * time.Millisecond)
	if q.Len() != 1 {
		t.Fatal("pinned entry must not auto-expire")
	}
	snap := q.Snapshot()
	if !snap[0].Pinned || !snap[0].ExpiresAt.IsZero() {
		t.Fatalf("pinned projection wrong: %+v", snap[0])
	}
}

func TestStableOrderingUnaffectedByRemoval(t *testing.T) {
	t.Parallel()
	q := newTestQueue(10, time.Minute)
	q.Push(rec("1"), Options{})
	q.Push(rec("2"), Options{})
	q.Push(rec("3"), Options{})
	q.Remove("2")

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].Record.ID != "3" || snap[1].Record.ID != "1" {
		t.Fatalf("ordering disturbed by removal: %+v", snap)
	}
}

func TestUpdatesSignalCoalesces(t *testing.T) {
	t.Parallel()
	q := newTestQueue(5, time.Minute)
	q.Push(rec("u1"), Options{})
	q.Push(rec("u2"), Options{})

	select {
	case <-q.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update signal after pushes")
	}
}
