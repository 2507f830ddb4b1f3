// Package metrics provides the Prometheus metrics of the proximity service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProximityMetrics contains all Prometheus metrics related to proximity processing.
// A nil *ProximityMetrics is valid and records nothing.
type ProximityMetrics struct {
	Samples       *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Commands      *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
	LiveSessions  prometheus.Gauge
	Monitored     prometheus.Gauge
	TickDuration  prometheus.Histogram
	EventsDropped prometheus.Counter
}

// NewProximityMetrics creates the metrics and registers them with registry
func NewProximityMetrics(registry *prometheus.Registry) (*ProximityMetrics, error) {
	m := &ProximityMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register proximity metrics: %w", err)
	}
	return m, nil
}

func (m *ProximityMetrics) initMetrics() {
	m.Samples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximity_samples_total",
		Help: "Location samples processed, by result (in_zone, out_of_zone, or the drop reason)",
	}, []string{"result"})

	m.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximity_transitions_total",
		Help: "Session state transitions, by target state",
	}, []string{"state"})

	m.Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximity_recording_commands_total",
		Help: "Recording commands executed by the bridge, by type and result",
	}, []string{"command", "result"})

	m.Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximity_alerts_total",
		Help: "Alerts sent or throttled, by kind and result",
	}, []string{"kind", "result"})

	m.LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proximity_live_sessions",
		Help: "Sessions currently in a non-terminal state",
	})

	m.Monitored = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proximity_monitored_vendors",
		Help: "Vendors with a running worker loop in this process",
	})

	m.TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proximity_tick_duration_seconds",
		Help:    "Duration of one worker loop tick",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	m.EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proximity_events_dropped_total",
		Help: "Events dropped because a subscriber was not keeping up",
	})
}

// Describe implements prometheus.Collector
func (m *ProximityMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Samples.Describe(ch)
	m.Transitions.Describe(ch)
	m.Commands.Describe(ch)
	m.Alerts.Describe(ch)
	m.LiveSessions.Describe(ch)
	m.Monitored.Describe(ch)
	m.TickDuration.Describe(ch)
	m.EventsDropped.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *ProximityMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Samples.Collect(ch)
	m.Transitions.Collect(ch)
	m.Commands.Collect(ch)
	m.Alerts.Collect(ch)
	m.LiveSessions.Collect(ch)
	m.Monitored.Collect(ch)
	m.TickDuration.Collect(ch)
	m.EventsDropped.Collect(ch)
}

// ObserveSample counts one processed sample
func (m *ProximityMetrics) ObserveSample(result string) {
	if m == nil {
		return
	}
	m.Samples.WithLabelValues(result).Inc()
}

// ObserveTransition counts one state transition
func (m *ProximityMetrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

// ObserveCommand counts one executed recording command
func (m *ProximityMetrics) ObserveCommand(command, result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, result).Inc()
}

// ObserveAlert counts one alert
func (m *ProximityMetrics) ObserveAlert(kind, result string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(kind, result).Inc()
}

// SessionOpened and SessionClosed track the live session gauge
func (m *ProximityMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.LiveSessions.Inc()
}

func (m *ProximityMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.LiveSessions.Dec()
}

// SetMonitored sets the number of running worker loops
func (m *ProximityMetrics) SetMonitored(n int) {
	if m == nil {
		return
	}
	m.Monitored.Set(float64(n))
}

// ObserveTick records the duration of a tick that started at start
func (m *ProximityMetrics) ObserveTick(start time.Time) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(time.Since(start).Seconds())
}

// EventDropped counts one dropped event
func (m *ProximityMetrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
