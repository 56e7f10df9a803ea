package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingCapacity is the default number of events retained in memory.
const DefaultRingCapacity = 10000

// DefaultMailboxSize is the default per-subscriber mailbox capacity.
const DefaultMailboxSize = 32

// Sink receives every published event for durable storage.
// Implementations must never block for long; failures are logged and
// swallowed by the bus.
type Sink interface {
	RecordEvent(evt Event) error
}

// Subscription is a live feed of events matching a session filter.
type Subscription struct {
	// C delivers events in publish order. Closed on Close or bus shutdown.
	C <-chan Event

	ch      chan Event
	bus     *Bus
	filter  string
	dropped atomic.Int64
	closed  atomic.Bool
}

// Dropped reports how many events were discarded because the mailbox was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is an in-memory event ring with non-blocking fan-out to subscribers.
// Publishers never block: a full subscriber mailbox drops that event for
// that subscriber only, counted on the subscription.
type Bus struct {
	mu       sync.Mutex
	ring     []Event
	head     int
	size     int
	capacity int
	subs     map[*Subscription]struct{}
	sink     Sink
	logger   *slog.Logger
	mailbox  int

	totalDropped atomic.Int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithCapacity sets the ring capacity. Default is DefaultRingCapacity.
func WithCapacity(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithMailboxSize sets the per-subscriber mailbox capacity.
func WithMailboxSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.mailbox = n
		}
	}
}

// WithSink attaches a durable sink. Sink errors are logged, never propagated.
func WithSink(s Sink) BusOption {
	return func(b *Bus) {
		b.sink = s
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		capacity: DefaultRingCapacity,
		mailbox:  DefaultMailboxSize,
		subs:     make(map[*Subscription]struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ring = make([]Event, b.capacity)
	return b
}

// Publish appends the event to the ring (evicting the oldest entry when
// full), forwards it to the durable sink, and enqueues it on every live
// subscriber whose filter matches. Never blocks on slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	idx := (b.head + b.size) % b.capacity
	b.ring[idx] = evt
	if b.size < b.capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % b.capacity
	}

	// Fan-out happens under the lock so that a concurrent unsubscribe
	// cannot close a channel mid-send. Sends are non-blocking, so the
	// critical section stays short.
	for s := range b.subs {
		if s.filter != "" && s.filter != evt.SessionID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			s.dropped.Add(1)
			b.totalDropped.Add(1)
		}
	}
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		if err := sink.RecordEvent(evt); err != nil {
			b.logger.Warn("event sink write failed", "type", evt.Type, "error", err)
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscriptions since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.totalDropped.Load()
}

// Recent returns up to limit events from the tail of the ring, oldest first,
// filtered by session id when sessionFilter is non-empty.
// limit <= 0 means no limit.
func (b *Bus) Recent(sessionFilter string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		evt := b.ring[(b.head+i)%b.capacity]
		if sessionFilter != "" && sessionFilter != evt.SessionID {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribe registers a new subscriber. An empty sessionFilter matches all
// sessions. The caller must Close the subscription when done.
func (b *Bus) Subscribe(sessionFilter string) *Subscription {
	ch := make(chan Event, b.mailbox)
	s := &Subscription{C: ch, ch: ch, bus: b, filter: sessionFilter}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s
}

// unsubscribe removes a subscription and closes its channel exactly once.
// The close happens under the bus lock so it cannot race a fan-out send.
func (b *Bus) unsubscribe(s *Subscription) {
	if s.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	delete(b.subs, s)
	close(s.ch)
	b.mu.Unlock()
}

// Close detaches and closes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.unsubscribe(s)
	}
}

// Subscribers returns the number of live subscriptions. Useful for tests.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
