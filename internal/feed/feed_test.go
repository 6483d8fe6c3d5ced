package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketpulse/pkg/logx"
)

// fakeConn replays a fixed script of events then blocks until closed.
type fakeConn struct {
	events []ChangeEvent
	idx    int
	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(events ...ChangeEvent) *fakeConn {
	return &fakeConn{events: events, closed: make(chan struct{})}
}

func (c *fakeConn) Recv(ctx context.Context) (*ChangeEvent, error) {
	c.mu.Lock()
	if c.idx < len(c.events) {
		ev := c.events[c.idx]
		c.idx++
		c.mu.Unlock()
		return &ev, nil
	}
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failures int // fail this many dials before succeeding
	conns    []*fakeConn
	script   []ChangeEvent
}

func (t *fakeTransport) Dial(ctx context.Context, sub Subscription) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dials <= t.failures {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn(t.script...)
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func fastConfig() Config {
	return Config{
		DialTimeout:   time.Second,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestOpenDeliversEventsInOrder(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{script: []ChangeEvent{
		{Kind: KindInsert, Table: "orders", After: map[string]any{"id": "o1"}},
		{Kind: KindUpdate, Table: "orders", After: map[string]any{"id": "o2"}},
	}}
	c := NewClient(fastConfig(), tr, logx.Nop(), nil)

	var mu sync.Mutex
	var got []string
	h, err := c.Open(context.Background(), "orders", "seller_id=eq.7", nil, func(ev ChangeEvent) {
		mu.Lock()
		got = append(got, ev.RowID())
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close(h)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "events not delivered")

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "o1" || got[1] != "o2" {
		t.Fatalf("events out of order: %v", got)
	}
}

func TestOpenReusesLiveHandle(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	c := NewClient(fastConfig(), tr, logx.Nop(), nil)

	h1, err := c.Open(context.Background(), "orders", "f", nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := c.Open(context.Background(), "orders", "f", nil, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the same handle for a duplicate (table, filter) pair")
	}
	if c.Handles() != 1 {
		t.Fatalf("expected 1 live handle, got %d", c.Handles())
	}

	// A different filter gets its own handle.
	h3, err := c.Open(context.Background(), "orders", "g", nil, nil)
	if err != nil {
		t.Fatalf("third Open: %v", err)
	}
	if h3 == h1 {
		t.Fatal("distinct filters must not share a handle")
	}
	c.Shutdown()
}

func TestCloseIsIdempotentAndFencesDelivery(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{script: []ChangeEvent{
		{Kind: KindInsert, Table: "orders", After: map[string]any{"id": "o1"}},
	}}
	c := NewClient(fastConfig(), tr, logx.Nop(), nil)

	var mu sync.Mutex
	calls := 0
	h, err := c.Open(context.Background(), "orders", "", nil, func(ChangeEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, "first event not delivered")

	c.Close(h)
	c.Close(h) // no-op

	if got := h.State(); got != StateClosed {
		t.Fatalf("state after close = %v, want CLOSED", got)
	}
	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != after {
		t.Fatal("events delivered after Close returned")
	}
	if c.Handles() != 0 {
		t.Fatalf("handle not released, %d live", c.Handles())
	}
}

func TestDegradedAfterRetryBudget(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{failures: 1000}
	c := NewClient(fastConfig(), tr, logx.Nop(), nil)

	h, err := c.Open(context.Background(), "orders", "", nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	waitFor(t, func() bool { return h.State() == StateDegraded }, "handle never degraded")

	if got := tr.dialCount(); got != 3 {
		t.Fatalf("dial attempts = %d, want 3 (retry cap)", got)
	}
	if h.Retries() != 3 {
		t.Fatalf("retries = %d, want 3", h.Retries())
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{script: []ChangeEvent{
		{Kind: KindInsert, Table: "orders", After: map[string]any{"id": "o1"}},
	}}
	c := NewClient(fastConfig(), tr, logx.Nop(), nil)

	h, err := c.Open(context.Background(), "orders", "", nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close(h)

	waitFor(t, func() bool { return h.State() == StateOpen }, "never opened")

	// Kill the live connection; the client should dial again.
	tr.mu.Lock()
	conn := tr.conns[0]
	tr.mu.Unlock()
	_ = conn.Close()

	waitFor(t, func() bool { return tr.dialCount() >= 2 }, "no reconnect after loss")
	waitFor(t, func() bool { return h.State() == StateOpen }, "did not reopen")
	if h.Retries() != 0 {
		t.Fatalf("retries not reset after successful reopen: %d", h.Retries())
	}
}

func TestKindFiltering(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{script: []ChangeEvent{
		{Kind: KindDelete, Table: "orders", After: map[string]any{"id": "d1"}},
		{Kind: KindInsert, Table: "orders", After: map[string]any{"id": "i1"}},
	}}
	c := NewClient(fastConfig(), tr, logx.Nop(), nil)

	var mu sync.Mutex
	var got []string
	h, err := c.Open(context.Background(), "orders", "", []Kind{KindInsert}, func(ev ChangeEvent) {
		mu.Lock()
		got = append(got, ev.RowID())
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close(h)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "insert not delivered")
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "i1" {
		t.Fatalf("unexpected event %v, want the INSERT only", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	maxD := time.Second
	for attempt := 1; attempt <= 12; attempt++ {
		d := retryDelay(base, maxD, attempt)
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, d)
		}
		if d > maxD {
			t.Fatalf("attempt %d: delay %v above cap %v", attempt, d, maxD)
		}
	}
	// Jitter floor: first attempt is at least 0.7*base.
	for i := 0; i < 50; i++ {
		if d := retryDelay(base, maxD, 1); d < 70*time.Millisecond {
			t.Fatalf("first-attempt delay %v below jitter floor", d)
		}
	}
}
