package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"salesfloor/proximity/internal/metrics"
	"salesfloor/proximity/internal/model"
)

// AlertPublisher delivers alerts to their recipients
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert model.ProximityAlert) error
}

// AlertSubject returns the subject alerts of kind are published on
func AlertSubject(kind model.AlertKind) string {
	return fmt.Sprintf("proximity.alerts.%s", kind)
}

// NATSAlertPublisher publishes alerts as JSON on proximity.alerts.<kind>
type NATSAlertPublisher struct {
	pub EventPublisher
}

// NewNATSAlertPublisher creates an alert publisher over a core NATS connection
func NewNATSAlertPublisher(nc *nats.Conn) *NATSAlertPublisher {
	return &NATSAlertPublisher{pub: nc}
}

// PublishAlert sends one alert
func (p *NATSAlertPublisher) PublishAlert(_ context.Context, alert model.ProximityAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return p.pub.Publish(AlertSubject(alert.Kind), data)
}

// AlertContext is what the notifier needs to know about the session behind an event
type AlertContext struct {
	AgencyID string
	ZoneName string
	Policy   model.RecordingPolicy
	Prefs    model.NotificationPrefs
}

// NotificationOptions tunes per-vendor alert throttling
type NotificationOptions struct {
	PerMinute float64
	Burst     int
}

// NotificationService turns proximity events into vendor and manager alerts
type NotificationService struct {
	publisher AlertPublisher
	opts      NotificationOptions
	metrics   *metrics.ProximityMetrics
	logger    *log.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotificationService creates a notifier. PerMinute <= 0 disables throttling.
func NewNotificationService(publisher AlertPublisher, opts NotificationOptions, m *metrics.ProximityMetrics, logger *log.Logger) *NotificationService {
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	return &NotificationService{
		publisher: publisher,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Notify derives the alerts for event and publishes the ones that pass throttling.
// It returns the alerts that were sent.
func (s *NotificationService) Notify(ctx context.Context, event model.ProximityEvent, actx AlertContext) []model.ProximityAlert {
	alerts := BuildAlerts(event, actx)
	sent := make([]model.ProximityAlert, 0, len(alerts))
	for _, alert := range alerts {
		if throttled(alert.Kind) && !s.allow(alert.VendorID, event.Timestamp) {
			s.metrics.ObserveAlert(string(alert.Kind), "throttled")
			s.logger.Debug("alert throttled", "vendor", alert.VendorID, "kind", alert.Kind)
			continue
		}
		if err := s.publisher.PublishAlert(ctx, alert); err != nil {
			s.metrics.ObserveAlert(string(alert.Kind), "error")
			s.logger.Warn("failed to publish alert", "vendor", alert.VendorID, "kind", alert.Kind, "err", err)
			continue
		}
		s.metrics.ObserveAlert(string(alert.Kind), "sent")
		sent = append(sent, alert)
	}
	return sent
}

// throttled reports whether alerts of kind count against the vendor's budget.
// Confirmation prompts and failures always go through.
func throttled(kind model.AlertKind) bool {
	return kind != model.AlertConfirmNeeded && kind != model.AlertSessionFailed
}

func (s *NotificationService) allow(vendorID string, at time.Time) bool {
	if s.opts.PerMinute <= 0 {
		return true
	}
	s.mu.Lock()
	limiter, ok := s.limiters[vendorID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.opts.PerMinute/60), s.opts.Burst)
		s.limiters[vendorID] = limiter
	}
	s.mu.Unlock()
	if at.IsZero() {
		at = time.Now()
	}
	return limiter.AllowN(at, 1)
}

// BuildAlerts maps one event to zero or more alerts according to the zone policy and vendor prefs
func BuildAlerts(event model.ProximityEvent, actx AlertContext) []model.ProximityAlert {
	var kind model.AlertKind
	var message string
	manager := false
	zone := actx.ZoneName
	if zone == "" {
		zone = event.ZoneID
	}

	switch event.Type {
	case model.EventStatusUpdate:
		switch {
		case event.State == model.StateActive && event.PreviousState == model.StateEntered:
			if !actx.Policy.NotifyOnEntry || !actx.Prefs.OnEntry {
				return nil
			}
			kind, message, manager = model.AlertZoneEntry, fmt.Sprintf("Entered %s", zone), true
		case (event.State == model.StateCompleted || event.State == model.StateCancelled) &&
			(event.PreviousState == model.StateActive || event.PreviousState == model.StateExiting):
			if !actx.Policy.NotifyOnExit || !actx.Prefs.OnExit {
				return nil
			}
			kind, message, manager = model.AlertZoneExit, fmt.Sprintf("Left %s", zone), true
		default:
			return nil
		}
	case model.EventRecordingCommand:
		if event.Command != model.CommandStartRecording || event.RecordingID == "" || !actx.Prefs.OnRecording {
			return nil
		}
		kind, message = model.AlertRecordingStarted, fmt.Sprintf("Recording started in %s", zone)
	case model.EventConfirmationRequested:
		kind, message = model.AlertConfirmNeeded, fmt.Sprintf("Start recording in %s?", zone)
	case model.EventSessionFailed:
		kind, message, manager = model.AlertSessionFailed, fmt.Sprintf("Proximity session failed: %s", event.Reason), true
	default:
		return nil
	}

	alert := model.ProximityAlert{
		Kind:      kind,
		Recipient: "vendor",
		VendorID:  event.VendorID,
		AgencyID:  actx.AgencyID,
		SessionID: event.SessionID,
		ZoneID:    event.ZoneID,
		ZoneName:  actx.ZoneName,
		Message:   message,
		Timestamp: event.Timestamp.Unix(),
	}
	alerts := []model.ProximityAlert{alert}
	if manager && actx.Policy.NotifyManager {
		alert.Recipient = "manager"
		alerts = append(alerts, alert)
	}
	return alerts
}
