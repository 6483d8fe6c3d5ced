package feed

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/eventbus"
	"marketpulse/pkg/logx"
)

var (
	ErrClosed      = errors.New("feed client closed")
	ErrEmptyTable  = errors.New("feed: table is required")
	ErrNoTransport = errors.New("feed: transport is required")
)

// Config controls per-handle connection behavior.
//
// All zero values fall back to safe defaults.
type Config struct {
	DialTimeout   time.Duration
	RetryMax      int // consecutive failed dials before DEGRADED
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 8
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
}

// Client owns all live subscription handles.
//
// Invariant: at most one live handle per (table, filter). Opening the same
// pair again reuses the existing handle and swaps its callback; it never
// double-subscribes silently.
type Client struct {
	transport Transport
	log       logx.Logger
	bus       eventbus.Bus
	cfg       Config

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

func NewClient(cfg Config, transport Transport, log logx.Logger, bus eventbus.Bus) *Client {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		transport: transport,
		log:       log,
		bus:       bus,
		cfg:       cfg,
		handles:   map[string]*Handle{},
	}
}

// Handle is one logical feed subscription.
//
// The run loop owns the connection; callers interact only via the Client.
type Handle struct {
	ID  string
	Sub Subscription

	client *Client

	// cbMu fences event delivery: Close acquires it, so once Close returns
	// no further onEvent calls can happen for this handle.
	cbMu    sync.Mutex
	onEvent func(ChangeEvent)
	closed  bool

	mu      sync.Mutex
	state   State
	retries int

	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Retries returns the consecutive failed dial count.
func (h *Handle) Retries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries
}

func handleKey(table, filter string) string { return table + "|" + filter }

// Open subscribes to (table, filter) and delivers events to onEvent in
// transport order. If a live handle for the pair already exists, it is reused
// with the new callback installed.
func (c *Client) Open(ctx context.Context, table, filter string, kinds []Kind, onEvent func(ChangeEvent)) (*Handle, error) {
	if table == "" {
		return nil, ErrEmptyTable
	}
	if c.transport == nil {
		return nil, ErrNoTransport
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	key := handleKey(table, filter)
	if existing, ok := c.handles[key]; ok {
		c.mu.Unlock()
		existing.cbMu.Lock()
		existing.onEvent = onEvent
		existing.cbMu.Unlock()
		c.log.Debug("feed handle reused", logx.String("table", table), logx.String("filter", filter))
		return existing, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:      uuid.NewString(),
		Sub:     Subscription{Table: table, Filter: filter, Kinds: kinds},
		client:  c,
		onEvent: onEvent,
		state:   StateConnecting,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.handles[key] = h
	c.mu.Unlock()

	go h.run(runCtx)
	return h, nil
}

// Close tears down the handle: it cancels pending retries, closes the inner
// connection, and guarantees no further onEvent calls once it returns.
// Safe to call more than once.
func (c *Client) Close(h *Handle) {
	if h == nil {
		return
	}

	h.cbMu.Lock()
	already := h.closed
	h.closed = true
	h.onEvent = nil
	h.cbMu.Unlock()
	if already {
		return
	}

	h.cancel()
	<-h.done

	h.setState(StateClosed)

	c.mu.Lock()
	key := handleKey(h.Sub.Table, h.Sub.Filter)
	if c.handles[key] == h {
		delete(c.handles, key)
	}
	c.mu.Unlock()
}

// Shutdown closes every live handle.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.closed = true
	hs := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		c.Close(h)
	}
}

// Handles returns the number of live handles (for status output).
func (c *Client) Handles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	c := h.client
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		h.setState(StateConnecting)

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := c.transport.Dial(dialCtx, h.Sub)
		cancel()
		if err != nil {
			attempt++
			h.bumpRetries(attempt)
			c.log.Warn("feed dial failed",
				logx.String("table", h.Sub.Table),
				logx.String("filter", h.Sub.Filter),
				logx.Int("attempt", attempt),
				logx.Err(err))
			if attempt >= c.cfg.RetryMax {
				h.setState(StateDegraded)
				c.log.Error("feed subscription degraded, retry budget exhausted",
					logx.String("table", h.Sub.Table),
					logx.Int("retries", attempt))
				return
			}
			delay := retryDelay(c.cfg.RetryBase, c.cfg.RetryMaxDelay, attempt)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				if !t.Stop() {
					<-t.C
				}
				return
			}
			continue
		}

		h.resetRetries()
		attempt = 0
		h.setState(StateOpen)

		err = h.recvLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		h.setState(StateError)
		c.log.Warn("feed connection lost",
			logx.String("table", h.Sub.Table),
			logx.Err(err))
		attempt = 1
		h.bumpRetries(attempt)
		delay := retryDelay(c.cfg.RetryBase, c.cfg.RetryMaxDelay, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
}

func (h *Handle) recvLoop(ctx context.Context, conn Conn) error {
	for {
		ev, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		if !h.Sub.Wants(ev.Kind) {
			continue
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = time.Now()
		}
		if ev.FilterKey == "" {
			ev.FilterKey = h.Sub.Filter
		}
		h.deliver(*ev)
	}
}

func (h *Handle) deliver(ev ChangeEvent) {
	// The callback runs under cbMu so that Close, which also takes cbMu,
	// cannot return while a delivery is in flight. Callbacks must not call
	// back into Close for their own handle.
	h.cbMu.Lock()
	if h.closed {
		h.cbMu.Unlock()
		return
	}
	if h.onEvent != nil {
		h.onEvent(ev)
	}
	h.cbMu.Unlock()

	if h.client.bus != nil {
		h.client.bus.Publish(eventbus.Event{Topic: eventbus.TopicChange, Time: ev.ReceivedAt, Data: ev})
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	// CLOSED and DEGRADED are terminal.
	if h.state == StateClosed || (h.state == StateDegraded && s != StateClosed) {
		h.mu.Unlock()
		return
	}
	h.state = s
	retries := h.retries
	h.mu.Unlock()

	c := h.client
	c.log.Info("feed state",
		logx.String("table", h.Sub.Table),
		logx.String("filter", h.Sub.Filter),
		logx.String("state", s.String()),
		logx.Int("retries", retries))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicFeedStatus,
			Data: StatusChange{
				HandleID: h.ID,
				Table:    h.Sub.Table,
				Filter:   h.Sub.Filter,
				State:    s,
				Retries:  retries,
				At:       time.Now(),
			},
		})
	}
}

func (h *Handle) bumpRetries(n int) {
	h.mu.Lock()
	h.retries = n
	h.mu.Unlock()
}

func (h *Handle) resetRetries() {
	h.mu.Lock()
	h.retries = 0
	h.mu.Unlock()
}

func formatID(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
