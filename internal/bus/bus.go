// Package bus implements the topic-scoped, best-effort, at-most-once message
// fabric that glues the pipeline, the attention registry, and the adaptive
// layer together. Publishers never block; slow subscribers lose their oldest
// messages first.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/telemetry"
)

// DefaultQueueSize bounds each subscriber queue.
const DefaultQueueSize = 1024

// Message is one delivery on a topic.
type Message struct {
	Topic string
	Data  interface{}
}

// Bus routes published messages to per-topic subscriber sets.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	queueSize int
	closed    bool
}

// Subscription is one subscriber's bounded view of a topic.
type Subscription struct {
	topic   string
	bus     *Bus
	ch      chan Message
	once    sync.Once
	dropped atomic.Uint64
}

// New creates a bus with the default subscriber queue size.
func New() *Bus {
	return NewWithQueueSize(DefaultQueueSize)
}

// NewWithQueueSize creates a bus whose subscriber queues hold up to size
// messages before drop-oldest kicks in.
func NewWithQueueSize(size int) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[string]map[*Subscription]struct{}),
		queueSize: size,
	}
}

// Subscribe registers a new subscriber on topic. The caller owns the
// subscription and must Unsubscribe when its worker terminates.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		bus:   b,
		ch:    make(chan Message, b.queueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers msg to every current subscriber of topic. It never blocks:
// a full subscriber queue evicts its oldest message to make room.
func (b *Bus) Publish(topic string, data interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	set := b.subs[topic]
	if len(set) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Data: data}
	for _, sub := range targets {
		sub.offer(msg)
	}
}

// SubscriberCount returns the number of active subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close tears down every subscription. Pending messages stay readable until
// each channel drains.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
}

// C is the subscriber's receive channel. It closes on Unsubscribe or bus
// shutdown.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Dropped returns how many messages this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
	b.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
}

// offer enqueues without blocking. On overflow the oldest queued message is
// evicted so the newest data always lands.
func (s *Subscription) offer(msg Message) {
	select {
	case s.ch <- msg:
		return
	default:
	}

	// Queue full: evict the head, then retry once. A concurrent reader may
	// have drained the queue between the two selects, so the retry can still
	// succeed without an eviction.
	select {
	case <-s.ch:
		s.dropped.Add(1)
		telemetry.Get().RecordSubscriberDrop(topicClass(s.topic))
	default:
	}

	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
		telemetry.Get().RecordSubscriberDrop(topicClass(s.topic))
		log.Debug().Str("topic", s.topic).Msg("Subscriber queue full, message dropped")
	}
}

// topicClass collapses a topic to its prefix so metric cardinality stays
// bounded regardless of sensor count.
func topicClass(topic string) string {
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return topic
}
