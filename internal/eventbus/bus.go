package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic names events flowing through the bus.
type Topic string

const (
	// TopicChange carries feed.ChangeEvent values from the change feed.
	TopicChange Topic = "feed.change"
	// TopicFeedStatus carries feed.Status transitions (OPEN, DEGRADED, ...).
	TopicFeedStatus Topic = "feed.status"
	// TopicAlert carries router.NotificationRecord values after classification.
	TopicAlert Topic = "alert"
	// TopicPermission carries permission.State after a transition.
	TopicPermission Topic = "permission"
	// TopicPresence carries presence.Count after a recompute.
	TopicPresence Topic = "presence"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Topic Topic
	Time  time.Time
	Data  any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers every published event.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribeTopics delivers only events whose topic is in topics.
	SubscribeTopics(buffer int, topics ...Topic) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	topics map[Topic]bool // nil means all topics
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topics != nil && !s.topics[e.Topic] {
			continue
		}
		targets = append(targets, s.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, nil)
}

func (b *memBus) SubscribeTopics(buffer int, topics ...Topic) (<-chan Event, func()) {
	set := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	if len(set) == 0 {
		set = nil
	}
	return b.subscribe(buffer, set)
}

func (b *memBus) subscribe(buffer int, topics map[Topic]bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch, topics: topics}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
