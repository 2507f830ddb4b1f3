package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesfloor/proximity/internal/logging"
	"salesfloor/proximity/internal/metrics"
	"salesfloor/proximity/internal/model"
)

type memoryAlerts struct {
	mu     sync.Mutex
	alerts []model.ProximityAlert
	err    error
}

func (p *memoryAlerts) PublishAlert(_ context.Context, alert model.ProximityAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *memoryAlerts) kinds() []model.AlertKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.AlertKind
	for _, a := range p.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func alertContext() AlertContext {
	zone := testZone("showroom", lot, 50)
	return AlertContext{
		AgencyID: "agency-1",
		ZoneName: "Showroom",
		Policy:   zone.Policy,
		Prefs:    model.NotificationPrefs{OnEntry: true, OnExit: true, OnRecording: true},
	}
}

func transition(prev, next model.SessionState, at time.Time) model.ProximityEvent {
	return model.ProximityEvent{
		Type:          model.EventStatusUpdate,
		VendorID:      "vendor-1",
		SessionID:     "session-1",
		ZoneID:        "showroom",
		State:         next,
		PreviousState: prev,
		Timestamp:     at,
	}
}

func TestBuildAlerts(t *testing.T) {
	t.Parallel()

	actx := alertContext()

	tests := []struct {
		name  string
		event model.ProximityEvent
		actx  func(AlertContext) AlertContext
		want  []model.AlertKind
	}{
		{
			name:  "entry on promotion",
			event: transition(model.StateEntered, model.StateActive, base),
			want:  []model.AlertKind{model.AlertZoneEntry},
		},
		{
			name:  "no alert for a raw entry",
			event: transition(model.StateIdle, model.StateEntered, base),
		},
		{
			name:  "exit on completion",
			event: transition(model.StateExiting, model.StateCompleted, base),
			want:  []model.AlertKind{model.AlertZoneExit},
		},
		{
			name:  "exit muted by vendor prefs",
			event: transition(model.StateActive, model.StateCompleted, base),
			actx: func(a AlertContext) AlertContext {
				a.Prefs.OnExit = false
				return a
			},
		},
		{
			name:  "entry muted by zone policy",
			event: transition(model.StateEntered, model.StateActive, base),
			actx: func(a AlertContext) AlertContext {
				a.Policy.NotifyOnEntry = false
				return a
			},
		},
		{
			name:  "manager copy",
			event: transition(model.StateEntered, model.StateActive, base),
			actx: func(a AlertContext) AlertContext {
				a.Policy.NotifyManager = true
				return a
			},
			want: []model.AlertKind{model.AlertZoneEntry, model.AlertZoneEntry},
		},
		{
			name: "recording started",
			event: model.ProximityEvent{
				Type: model.EventRecordingCommand, VendorID: "vendor-1", Command: model.CommandStartRecording,
				RecordingID: "rec-1", Timestamp: base,
			},
			want: []model.AlertKind{model.AlertRecordingStarted},
		},
		{
			name:  "confirmation",
			event: model.ProximityEvent{Type: model.EventConfirmationRequested, VendorID: "vendor-1", Timestamp: base},
			want:  []model.AlertKind{model.AlertConfirmNeeded},
		},
		{
			name:  "capture warning is not an alert",
			event: model.ProximityEvent{Type: model.EventCaptureWarning, VendorID: "vendor-1", Timestamp: base},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := actx
			if tt.actx != nil {
				c = tt.actx(c)
			}
			var got []model.AlertKind
			for _, a := range BuildAlerts(tt.event, c) {
				got = append(got, a.Kind)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildAlertsRecipients(t *testing.T) {
	t.Parallel()

	actx := alertContext()
	actx.Policy.NotifyManager = true
	alerts := BuildAlerts(transition(model.StateEntered, model.StateActive, base), actx)
	require.Len(t, alerts, 2)
	assert.Equal(t, "vendor", alerts[0].Recipient)
	assert.Equal(t, "manager", alerts[1].Recipient)
	assert.Equal(t, "Entered Showroom", alerts[0].Message)
	assert.Equal(t, base.Unix(), alerts[0].Timestamp)
}

func TestNotificationThrottling(t *testing.T) {
	t.Parallel()

	m, err := metrics.NewProximityMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	pub := &memoryAlerts{}
	svc := NewNotificationService(pub, NotificationOptions{PerMinute: 1, Burst: 1}, m, logging.Discard())
	ctx := context.Background()
	actx := alertContext()

	assert.Len(t, svc.Notify(ctx, transition(model.StateEntered, model.StateActive, base), actx), 1)
	assert.Empty(t, svc.Notify(ctx, transition(model.StateActive, model.StateCompleted, base.Add(time.Second)), actx))

	failed := model.ProximityEvent{Type: model.EventSessionFailed, VendorID: "vendor-1", Reason: "zone geometry invalid", Timestamp: base.Add(2 * time.Second)}
	assert.Len(t, svc.Notify(ctx, failed, actx), 1, "failures bypass throttling")

	assert.Len(t, svc.Notify(ctx, transition(model.StateEntered, model.StateActive, base.Add(2*time.Minute)), actx), 1, "budget refills")

	other := transition(model.StateEntered, model.StateActive, base.Add(time.Second))
	other.VendorID = "vendor-2"
	assert.Len(t, svc.Notify(ctx, other, actx), 1, "budgets are per vendor")

	assert.Equal(t, []model.AlertKind{
		model.AlertZoneEntry, model.AlertSessionFailed, model.AlertZoneEntry, model.AlertZoneEntry,
	}, pub.kinds())
	assert.InDelta(t, 1, testutil.ToFloat64(m.Alerts.WithLabelValues("zone_exit", "throttled")), 0)
}

func TestNotificationPublishFailure(t *testing.T) {
	t.Parallel()

	pub := &memoryAlerts{err: errors.New("broker down")}
	svc := NewNotificationService(pub, NotificationOptions{}, nil, logging.Discard())
	assert.Empty(t, svc.Notify(context.Background(), transition(model.StateEntered, model.StateActive, base), alertContext()))
}

func TestNATSAlertPublisherSubject(t *testing.T) {
	t.Parallel()

	rec := &recordingPublisher{}
	pub := &NATSAlertPublisher{pub: rec}
	alert := BuildAlerts(transition(model.StateEntered, model.StateActive, base), alertContext())[0]
	require.NoError(t, pub.PublishAlert(context.Background(), alert))

	require.Len(t, rec.subjects, 1)
	assert.Equal(t, "proximity.alerts.zone_entry", rec.subjects[0])
	var decoded model.ProximityAlert
	require.NoError(t, json.Unmarshal(rec.payloads[0], &decoded))
	assert.Equal(t, "vendor-1", decoded.VendorID)
}
