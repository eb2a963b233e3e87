package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/user/flowq/internal/store"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Broker fans store events out to in-process subscribers and to any
// attached sinks. Delivery to subscribers never blocks the publisher:
// events for a full subscriber are dropped and counted.
type Broker struct {
	logger     *slog.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	sinks  []store.Publisher
	nextID atomic.Uint64

	published atomic.Int64
	dropped   atomic.Int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithSink forwards every event to p as well.
func WithSink(p store.Publisher) BrokerOption {
	return func(b *Broker) {
		if p != nil {
			b.sinks = append(b.sinks, p)
		}
	}
}

// NewBroker creates a broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:     logger,
		bufferSize: DefaultBufferSize,
		subs:       make(map[string]*Subscriber),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscriber for the given queues. No queues means
// every queue.
func (b *Broker) Subscribe(queues ...string) *Subscriber {
	sub := newSubscriber(b.nextSubscriberID(), b.bufferSize, queues)
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish implements store.Publisher.
func (b *Broker) Publish(ev store.JobEvent) {
	b.mu.RLock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Queue) {
			continue
		}
		if sub.send(ev) {
			b.published.Add(1)
		} else {
			b.dropped.Add(1)
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()
	for _, sink := range sinks {
		sink.Publish(ev)
	}
}

// Stats reports delivery counters.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BrokerStats{
		Subscribers: n,
		Delivered:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Close closes every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	b.logger.Info("event broker shut down", "subscribers", len(subs))
}

func (b *Broker) nextSubscriberID() string {
	return "sub-" + formatUint(b.nextID.Add(1))
}
