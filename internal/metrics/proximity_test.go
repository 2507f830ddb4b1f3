package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProximityMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewProximityMetrics(registry)
	require.NoError(t, err)

	m.ObserveSample("in_zone")
	m.ObserveSample("in_zone")
	m.ObserveSample("low_confidence")
	m.ObserveCommand("start_recording", "ok")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.InDelta(t, 2, testutil.ToFloat64(m.Samples.WithLabelValues("in_zone")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Samples.WithLabelValues("low_confidence")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Commands.WithLabelValues("start_recording", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.LiveSessions), 0)

	_, err = NewProximityMetrics(registry)
	assert.Error(t, err, "registering twice fails")
}

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *ProximityMetrics
	assert.NotPanics(t, func() {
		m.ObserveSample("in_zone")
		m.ObserveTransition("active")
		m.SessionOpened()
		m.EventDropped()
	})
}
