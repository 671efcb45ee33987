// Package bus implements the in-process publish/subscribe control plane
// connecting the Builder, Analyst, and Remediator. Each subscriber owns a
// bounded FIFO queue; publication order is preserved per topic per
// subscriber.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Well-known topics.
const (
	TopicAlerts       = "security.alerts"
	TopicDecisions    = "security.decisions"
	TopicRemediations = "security.remediations"
	TopicAudit        = "security.audit"
)

// Envelope wraps a published payload with its topic and publish time.
type Envelope struct {
	Topic       string
	Payload     interface{}
	PublishedAt time.Time
}

type subscriber struct {
	ch     chan Envelope
	closed bool
}

// Bus is a single-process message bus. Publish is fire-and-forget: when a
// subscriber's queue is full the publisher blocks up to the configured
// deadline, then drops that subscriber's oldest entry and delivers anyway.
// A drop never affects other subscribers.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string][]*subscriber
	queueSize int
	deadline  time.Duration
	dropped   atomic.Uint64
	closed    bool
	onDrop    func(topic string)
	logger    *slog.Logger
}

// New creates a Bus. queueSize is the per-subscriber queue bound (default
// 1024); deadline is how long Publish waits on a full queue before dropping
// the oldest entry (default 500ms).
func New(queueSize int, deadline time.Duration, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if deadline <= 0 {
		deadline = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics:    make(map[string][]*subscriber),
		queueSize: queueSize,
		deadline:  deadline,
		logger:    logger.With("component", "bus.Bus"),
	}
}

// OnDrop registers a callback invoked whenever a message is dropped for a
// slow subscriber. Used to feed the dropped-messages metric.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a channel yielding payloads published to topic, in
// publication order. The channel is closed when the topic or bus closes.
func (b *Bus) Subscribe(topic string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Envelope, b.queueSize)}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub.ch
}

// Publish delivers payload to every subscriber of topic. It never drops a
// message for all subscribers: only the slowest subscriber loses its oldest
// queued entry when the backpressure deadline expires.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := b.topics[topic]
	onDrop := b.onDrop
	b.mu.RUnlock()

	env := Envelope{Topic: topic, Payload: payload, PublishedAt: time.Now()}

	for _, sub := range subs {
		select {
		case sub.ch <- env:
			continue
		default:
		}

		// Queue full: apply backpressure up to the deadline.
		timer := time.NewTimer(b.deadline)
		select {
		case sub.ch <- env:
			timer.Stop()
		case <-timer.C:
			// Drop the oldest entry for this subscriber, then deliver.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
				if onDrop != nil {
					onDrop(topic)
				}
				b.logger.Warn("dropped oldest message for slow subscriber", "topic", topic)
			default:
			}
			select {
			case sub.ch <- env:
			default:
				// Subscriber raced a refill; count the loss of env itself.
				b.dropped.Add(1)
				if onDrop != nil {
					onDrop(topic)
				}
			}
		}
	}
}

// Dropped returns the total number of messages dropped across all topics.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// CloseTopic signals end-of-stream to every subscriber of topic. Buffered
// items are still delivered before the channel close is observed.
func (b *Bus) CloseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.topics[topic] {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
	}
	delete(b.topics, topic)
}

// Close shuts down the bus, closing every subscriber channel on every topic.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
		}
		delete(b.topics, topic)
	}
}
