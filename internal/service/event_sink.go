package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"salesfloor/proximity/internal/metrics"
	"salesfloor/proximity/internal/model"
)

// EventSink receives every event the proximity loop emits
type EventSink interface {
	Publish(ctx context.Context, event model.ProximityEvent) error
}

// EventSubject returns the subject a vendor's events are published on
func EventSubject(vendorID string) string {
	return fmt.Sprintf("proximity.events.%s", vendorID)
}

// EventPublisher is the publishing side of a NATS connection or JetStream context
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSEventSink publishes events as JSON on proximity.events.<vendor>
type NATSEventSink struct {
	pub EventPublisher
}

// NewNATSEventSink creates a sink over a core NATS connection
func NewNATSEventSink(nc *nats.Conn) *NATSEventSink {
	return &NATSEventSink{pub: nc}
}

// Publish sends one event
func (s *NATSEventSink) Publish(_ context.Context, event model.ProximityEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(EventSubject(event.VendorID), data); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}

// Broadcaster fans events out to in-process subscribers.
// A subscriber whose buffer is full misses the event; the publisher never blocks.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	metrics *metrics.ProximityMetrics
}

type subscriber struct {
	vendorID string
	ch       chan model.ProximityEvent
}

// NewBroadcaster creates a broadcaster with no subscribers
func NewBroadcaster(m *metrics.ProximityMetrics) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[int]*subscriber),
		metrics: m,
	}
}

// Subscribe registers a listener. An empty vendorID receives every vendor's events.
// The returned cancel func unregisters and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(vendorID string, buffer int) (<-chan model.ProximityEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{vendorID: vendorID, ch: make(chan model.ProximityEvent, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber. Zero subscribers is not an error.
func (b *Broadcaster) Publish(_ context.Context, event model.ProximityEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.vendorID != "" && sub.vendorID != event.VendorID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.metrics.EventDropped()
		}
	}
	return nil
}

// SubscriberCount returns the number of registered listeners
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MultiSink publishes to every sink and joins their errors
type MultiSink []EventSink

// Publish sends the event to all sinks even when one fails
func (m MultiSink) Publish(ctx context.Context, event model.ProximityEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
