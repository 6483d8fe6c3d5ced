// Package presence maintains an eventually-consistent count of online actors.
//
// Counts are always full recomputes over a tiered query ladder; nothing is
// incrementally patched, so missed events cannot cause drift. When every
// strategy fails the last known count is surfaced as stale rather than a
// misleading zero.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/feed"
	"marketpulse/pkg/logx"
)

// Strategy names which rung of the ladder produced a count.
type Strategy string

const (
	StrategyRPC          Strategy = "rpc"
	StrategyDirectCount  Strategy = "directCount"
	StrategyFallbackScan Strategy = "fallbackScan"
)

// Count is one recomputed presence result.
type Count struct {
	Count    int
	Strategy Strategy
	AsOf     time.Time
	// Stale marks a value served from cache because every strategy failed.
	Stale bool
	// Expired additionally marks a stale value older than the configured
	// staleness horizon; display it with heavy skepticism.
	Expired bool
}

// Candidate is one row from the fallback scan; Online is the local predicate.
type Candidate struct {
	ID     string
	Online bool
}

// Querier is the remote count surface, one method per ladder rung.
type Querier interface {
	// AggregateCount is a named remote procedure returning the count directly.
	AggregateCount(ctx context.Context, kind string) (int, error)
	// DirectCount counts rows matching the online predicate remotely.
	DirectCount(ctx context.Context, kind string) (int, error)
	// FetchCandidates returns at most limit candidate rows for local filtering.
	FetchCandidates(ctx context.Context, kind string, limit int) ([]Candidate, error)
}

// Config for the aggregator.
type Config struct {
	QueryTimeout time.Duration
	ScanLimit    int
	// StalenessHorizon bounds how long a last-known count is served without
	// the Expired flag. Default 5m.
	StalenessHorizon time.Duration
	// RefreshSpec is a cron spec (robfig/cron, "@every 2m" style accepted)
	// for the periodic backstop recompute.
	RefreshSpec string
	// EventTables are the feed tables whose changes trigger a recompute,
	// mapped to the presence kind they affect.
	EventTables map[string]string
	// Kinds are recomputed by the periodic backstop.
	Kinds []string
}

func (c *Config) applyDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 200
	}
	if c.StalenessHorizon <= 0 {
		c.StalenessHorizon = 5 * time.Minute
	}
	if c.RefreshSpec == "" {
		c.RefreshSpec = "@every 2m"
	}
}

// Aggregator answers "how many actors of kind X are online". Safe for
// concurrent use.
type Aggregator struct {
	log     logx.Logger
	cfg     Config
	querier Querier
	bus     eventbus.Bus

	mu   sync.Mutex
	last map[string]Count

	c     *cron.Cron
	unsub func()

	now func() time.Time // test hook
}

func New(cfg Config, querier Querier, log logx.Logger, bus eventbus.Bus) *Aggregator {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{
		log:     log,
		cfg:     cfg,
		querier: querier,
		bus:     bus,
		last:    map[string]Count{},
		now:     time.Now,
	}
}

// Start wires the event-driven trigger and the periodic backstop.
func (a *Aggregator) Start(ctx context.Context) error {
	if a.bus != nil && len(a.cfg.EventTables) > 0 {
		ch, unsub := a.bus.SubscribeTopics(32, eventbus.TopicChange)
		a.unsub = unsub
		go a.eventLoop(ctx, ch)
	}

	a.c = cron.New()
	_, err := a.c.AddFunc(a.cfg.RefreshSpec, func() {
		for _, kind := range a.cfg.Kinds {
			rctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout*3)
			a.GetCount(rctx, kind)
			cancel()
		}
	})
	if err != nil {
		return err
	}
	a.c.Start()
	return nil
}

func (a *Aggregator) Stop() {
	if a.c != nil {
		<-a.c.Stop().Done()
	}
	if a.unsub != nil {
		a.unsub()
	}
}

func (a *Aggregator) eventLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := e.Data.(feed.ChangeEvent)
			if !ok {
				continue
			}
			kind, relevant := a.cfg.EventTables[ev.Table]
			if !relevant {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout*3)
			a.GetCount(rctx, kind)
			cancel()
		}
	}
}

// GetCount runs the strategy ladder for kind: rpc, then directCount, then a
// bounded fallbackScan. Each failure is logged and the next rung tried within
// the same call. When all fail the last known count is returned with Stale
// set (and Expired past the horizon); the strategy is left as last recorded,
// never reset, and zero is never fabricated.
func (a *Aggregator) GetCount(ctx context.Context, kind string) Count {
	if n, ok := a.try(ctx, kind, StrategyRPC, a.querier.AggregateCount); ok {
		return a.record(kind, n, StrategyRPC)
	}
	if n, ok := a.try(ctx, kind, StrategyDirectCount, a.querier.DirectCount); ok {
		return a.record(kind, n, StrategyDirectCount)
	}
	if n, ok := a.tryScan(ctx, kind); ok {
		return a.record(kind, n, StrategyFallbackScan)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.last[kind]
	if !ok {
		// Nothing ever succeeded for this kind; report unknown-but-stale.
		return Count{Stale: true, Expired: true, AsOf: a.now()}
	}
	last.Stale = true
	if a.now().Sub(last.AsOf) > a.cfg.StalenessHorizon {
		last.Expired = true
	}
	a.last[kind] = last
	return last
}

// Refresh is the explicit manual trigger.
func (a *Aggregator) Refresh(ctx context.Context, kind string) Count {
	return a.GetCount(ctx, kind)
}

// Last returns the cached count without recomputing.
func (a *Aggregator) Last(kind string) (Count, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.last[kind]
	return c, ok
}

func (a *Aggregator) try(ctx context.Context, kind string, s Strategy, fn func(context.Context, string) (int, error)) (int, bool) {
	qctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()
	n, err := fn(qctx, kind)
	if err != nil {
		a.log.Warn("presence strategy failed",
			logx.String("kind", kind),
			logx.String("strategy", string(s)),
			logx.Err(err))
		return 0, false
	}
	if n < 0 {
		n = 0
	}
	return n, true
}

func (a *Aggregator) tryScan(ctx context.Context, kind string) (int, bool) {
	qctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()
	rows, err := a.querier.FetchCandidates(qctx, kind, a.cfg.ScanLimit)
	if err != nil {
		a.log.Warn("presence strategy failed",
			logx.String("kind", kind),
			logx.String("strategy", string(StrategyFallbackScan)),
			logx.Err(err))
		return 0, false
	}
	n := 0
	for _, r := range rows {
		if r.Online {
			n++
		}
	}
	return n, true
}

func (a *Aggregator) record(kind string, n int, s Strategy) Count {
	c := Count{Count: n, Strategy: s, AsOf: a.now()}
	a.mu.Lock()
	a.last[kind] = c
	a.mu.Unlock()
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Topic: eventbus.TopicPresence, Data: c})
	}
	return c
}
