package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesfloor/proximity/internal/metrics"
	"salesfloor/proximity/internal/model"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

// memorySink collects events in order
type memorySink struct {
	mu     sync.Mutex
	events []model.ProximityEvent
	err    error
}

func (s *memorySink) Publish(_ context.Context, event model.ProximityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *memorySink) all() []model.ProximityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ProximityEvent(nil), s.events...)
}

func (s *memorySink) types() []model.EventType {
	var out []model.EventType
	for _, e := range s.all() {
		out = append(out, e.Type)
	}
	return out
}

func statusEvent(vendorID string, state model.SessionState) model.ProximityEvent {
	return model.ProximityEvent{Type: model.EventStatusUpdate, VendorID: vendorID, State: state, Timestamp: base}
}

func TestNATSEventSinkSubject(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	sink := &NATSEventSink{pub: pub}
	require.NoError(t, sink.Publish(context.Background(), statusEvent("vendor-1", model.StateEntered)))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "proximity.events.vendor-1", pub.subjects[0])
	var decoded model.ProximityEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, model.StateEntered, decoded.State)

	pub.err = errors.New("connection closed")
	assert.Error(t, sink.Publish(context.Background(), statusEvent("vendor-1", model.StateActive)))
}

func TestBroadcasterFiltersAndDrops(t *testing.T) {
	t.Parallel()

	m, err := metrics.NewProximityMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	b := NewBroadcaster(m)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, statusEvent("vendor-1", model.StateEntered)), "no subscribers is fine")

	mine, cancelMine := b.Subscribe("vendor-1", 1)
	all, cancelAll := b.Subscribe("", 4)
	defer cancelAll()
	assert.Equal(t, 2, b.SubscriberCount())

	require.NoError(t, b.Publish(ctx, statusEvent("vendor-1", model.StateEntered)))
	require.NoError(t, b.Publish(ctx, statusEvent("vendor-2", model.StateEntered)))
	require.NoError(t, b.Publish(ctx, statusEvent("vendor-1", model.StateActive)))

	got := <-mine
	assert.Equal(t, model.StateEntered, got.State)
	assert.Len(t, mine, 0, "second vendor-1 event was dropped on the full buffer")
	assert.Len(t, all, 3)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EventsDropped), 0)

	cancelMine()
	cancelMine()
	_, open := <-mine
	assert.False(t, open)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	failing := &memorySink{err: errors.New("broker down")}
	ok := &memorySink{}
	sink := MultiSink{failing, nil, ok}

	err := sink.Publish(context.Background(), statusEvent("vendor-1", model.StateEntered))
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, ok.all(), 1, "later sinks still receive the event")
}
