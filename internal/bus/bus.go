// Package bus fans incident updates out to in-process subscribers.
//
// Publishing never blocks: every subscriber has a bounded queue, and when it
// is full the oldest queued message is dropped to make room. A subscriber
// that overflows on too many consecutive publishes is evicted and its
// channel closed. There is no replay; subscribers catch up by querying.
package bus

import (
	"context"
	"sync"
	"time"
)

// Message types.
const (
	TypeIncidentUpsert = "incident_upsert"
	TypeHeartbeat      = "heartbeat"
)

// Message is one bus notification. Data is the payload for upserts.
type Message struct {
	Type       string    `json:"type"`
	At         time.Time `json:"at"`
	IncidentID string    `json:"incident_id,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Hooks are optional callbacks for metrics. Nil fields are skipped.
type Hooks struct {
	OnDrop        func(subscriber string)
	OnEvict       func(subscriber string)
	OnSubscribers func(n int)
}

// Config sizes subscriber queues.
type Config struct {
	// QueueSize is the per-subscriber buffer.
	QueueSize int
	// MaxLag is how many consecutive overflowing publishes a subscriber
	// survives. Zero never evicts.
	MaxLag int
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id        uint64
	name      string
	ch        chan Message
	overflows int
	closed    bool
}

// C returns the channel messages are delivered on. It is closed on
// Unsubscribe, eviction or bus Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Name returns the label given at Subscribe.
func (s *Subscription) Name() string { return s.name }

// Bus is a best-effort fan-out.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	cfg    Config
	hooks  Hooks
	now    func() time.Time
	closed bool
}

// New creates a Bus. QueueSize below 1 is raised to 1.
func New(cfg Config, hooks Hooks) *Bus {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Bus{
		subs:  make(map[uint64]*Subscription),
		cfg:   cfg,
		hooks: hooks,
		now:   time.Now,
	}
}

// Subscribe registers a new subscriber. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, name: name, ch: make(chan Message, b.cfg.QueueSize)}
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	b.reportSubscribers()
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(s)
}

// Publish delivers m to every subscriber without blocking. A zero At is
// set to the current time.
func (b *Bus) Publish(m Message) {
	if m.At.IsZero() {
		m.At = b.now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- m:
			s.overflows = 0
			continue
		default:
		}

		// full: drop the oldest and retry. Only publishers send, and they
		// hold b.mu, so the retry cannot fail.
		select {
		case <-s.ch:
		default:
		}
		s.ch <- m
		s.overflows++
		if b.hooks.OnDrop != nil {
			b.hooks.OnDrop(s.name)
		}
		if b.cfg.MaxLag > 0 && s.overflows >= b.cfg.MaxLag {
			b.remove(s)
			if b.hooks.OnEvict != nil {
				b.hooks.OnEvict(s.name)
			}
		}
	}
}

// Heartbeat publishes a heartbeat every interval until ctx is done.
func (b *Bus) Heartbeat(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Publish(Message{Type: TypeHeartbeat})
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		b.remove(s)
	}
	b.closed = true
}

// remove must be called with b.mu held.
func (b *Bus) remove(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s.id)
	close(s.ch)
	b.reportSubscribers()
}

func (b *Bus) reportSubscribers() {
	if b.hooks.OnSubscribers != nil {
		b.hooks.OnSubscribers(len(b.subs))
	}
}
