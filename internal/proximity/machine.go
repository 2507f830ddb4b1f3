package proximity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"salesfloor/proximity/internal/model"
)

// Command is a recording instruction for the bridge
type Command struct {
	Type              model.CommandType     `json:"type"`
	VendorID          string                `json:"vendor_id"`
	SessionID         string                `json:"session_id"`
	ZoneID            string                `json:"zone_id,omitempty"`
	RecordingID       string                `json:"recording_id,omitempty"` // empty for starts and for discards of an unbound start
	Policy            model.RecordingPolicy `json:"policy"`
	Trigger           model.TriggerType     `json:"trigger,omitempty"`
	BackgroundAllowed bool                  `json:"background_allowed"`
}

// Outcome is everything one machine step produced
type Outcome struct {
	Commands []Command
	Events   []model.ProximityEvent
	Closed   []model.ProximitySession // sessions that reached a terminal state in this step
}

func (o *Outcome) Merge(other Outcome) {
	o.Commands = append(o.Commands, other.Commands...)
	o.Events = append(o.Events, other.Events...)
	o.Closed = append(o.Closed, other.Closed...)
}

// Empty reports whether the step had no effect worth relaying
func (o Outcome) Empty() bool {
	return len(o.Commands) == 0 && len(o.Events) == 0 && len(o.Closed) == 0
}

// RecordingRef points at a manual recording that outlived its session
type RecordingRef struct {
	SessionID   string `json:"session_id"`
	RecordingID string `json:"recording_id"`
	ZoneID      string `json:"zone_id"`
}

// Snapshot is the persisted form of a machine
type Snapshot struct {
	VendorID     string                  `json:"vendor_id"`
	AgencyID     string                  `json:"agency_id"`
	Session      *model.ProximitySession `json:"session,omitempty"`
	Cooldowns    map[string]time.Time    `json:"cooldowns,omitempty"`
	Orphan       *RecordingRef           `json:"orphan,omitempty"`
	LastAccepted time.Time               `json:"last_accepted"`
	ClockSkew    time.Duration           `json:"clock_skew,omitempty"` // device minus server clock
	SavedAt      time.Time               `json:"saved_at"`
}

// Machine is the per-vendor session state machine.
// It has no timers: every decision is taken against the sample time or an explicit now.
type Machine struct {
	vendorID   string
	agencyID   string
	settings   Settings
	newID      func() string
	session    *model.ProximitySession
	cooldowns  map[string]time.Time
	orphan     *RecordingRef
	background bool
}

// NewMachine creates an idle machine. newID may be nil, in which case UUIDs are used.
func NewMachine(vendorID, agencyID string, settings Settings, newID func() string) *Machine {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Machine{
		vendorID:  vendorID,
		agencyID:  agencyID,
		settings:  settings.normalized(),
		newID:     newID,
		cooldowns: make(map[string]time.Time),
	}
}

// State returns the state of the live session, or idle
func (m *Machine) State() model.SessionState {
	if m.session == nil {
		return model.StateIdle
	}
	return m.session.State
}

// Session returns a copy of the live session, nil when idle
func (m *Machine) Session() *model.ProximitySession {
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Orphan returns the manual recording left open by a closed session
func (m *Machine) Orphan() *RecordingRef {
	if m.orphan == nil {
		return nil
	}
	r := *m.orphan
	return &r
}

// SetAgency changes the agency stamped on new sessions
func (m *Machine) SetAgency(agencyID string) {
	m.agencyID = agencyID
}

// Observe feeds one processed sample through the machine.
// Dropped verdicts are ignored; callers advance timers with Advance instead.
func (m *Machine) Observe(v Verdict, cfg model.VendorProximityConfig) Outcome {
	if !v.Accepted() {
		return Outcome{}
	}
	now := v.CapturedAt
	m.background = cfg.BackgroundRecordingAllowed
	out := m.Advance(now)

	if m.session != nil && contains(v.InvalidZones, m.session.ZoneID) {
		out.Merge(m.fail(now, "zone geometry invalid"))
		return out
	}

	inZone := v.InZone()
	if inZone && m.coolingDown(v.ZoneID, now) && (m.session == nil || m.session.ZoneID != v.ZoneID) {
		inZone = false
	}

	if m.session == nil {
		if inZone {
			out.Merge(m.enter(v, cfg))
		}
		return out
	}

	s := m.session
	sameZone := inZone && v.ZoneID == s.ZoneID
	switch s.State {
	case model.StateEntered:
		switch {
		case sameZone:
			s.SamplesInZone++
			s.LastConfirmedAt = now
			s.UpdatedAt = now
			if m.debounced(s, now) {
				out.Merge(m.promote(now, cfg))
			}
		case inZone:
			out.Merge(m.discard(now, "zone_changed"))
			out.Merge(m.enter(v, cfg))
		default:
			out.Merge(m.discard(now, "left_zone"))
		}
	case model.StateActive:
		switch {
		case sameZone:
			s.LastConfirmedAt = now
			s.UpdatedAt = now
		case inZone:
			out.Merge(m.complete(now, false, "zone_changed"))
			out.Merge(m.enter(v, cfg))
		default:
			if m.settings.ExitDebounce == 0 {
				out.Merge(m.complete(now, false, "left_zone"))
				break
			}
			deadline := now.Add(m.settings.ExitDebounce)
			s.ExitDebounceDeadline = &deadline
			s.State = model.StateExiting
			s.UpdatedAt = now
			out.Events = append(out.Events, m.event(model.EventStatusUpdate, model.StateActive, now, "left_zone"))
		}
	case model.StateExiting:
		switch {
		case sameZone:
			s.ExitDebounceDeadline = nil
			s.State = model.StateActive
			s.LastConfirmedAt = now
			s.UpdatedAt = now
			out.Events = append(out.Events, m.event(model.EventStatusUpdate, model.StateExiting, now, "returned"))
		case inZone:
			out.Merge(m.complete(now, false, "zone_changed"))
			out.Merge(m.enter(v, cfg))
		}
	}
	return out
}

// Advance applies every deadline that has passed by now
func (m *Machine) Advance(now time.Time) Outcome {
	var out Outcome
	for zoneID, until := range m.cooldowns {
		if !now.Before(until) {
			delete(m.cooldowns, zoneID)
		}
	}
	s := m.session
	if s == nil || (s.State != model.StateActive && s.State != model.StateExiting) {
		return out
	}

	if s.State == model.StateExiting && s.ExitDebounceDeadline != nil && !now.Before(*s.ExitDebounceDeadline) {
		return m.complete(now, false, "exit_debounce_elapsed")
	}
	if limit := s.Policy.MaxDurationSeconds; limit > 0 && s.Dwell(now) > time.Duration(limit)*time.Second {
		return m.complete(now, true, "max_duration")
	}

	if s.AwaitingConfirmation && s.ConfirmationDeadline != nil && !now.Before(*s.ConfirmationDeadline) {
		s.AwaitingConfirmation = false
		s.ConfirmationDeadline = nil
		s.UpdatedAt = now
		out.Events = append(out.Events, m.event(model.EventStatusUpdate, s.State, now, "confirmation_timeout"))
	}
	if s.RetryStart && !s.RecordingOpen {
		s.RetryStart = false
		s.RecordingRequested = true
		out.Commands = append(out.Commands, m.command(model.CommandStartRecording, "", s.TriggerType))
	}
	return out
}

// Cancel moves the live session to CANCELLED
func (m *Machine) Cancel(now time.Time) (Outcome, error) {
	if m.session == nil {
		return Outcome{}, ErrNoSession
	}
	s := m.session
	prev := s.State
	var out Outcome
	if s.RecordingOpen || s.RecordingRequested {
		out.Commands = append(out.Commands, m.command(model.CommandDiscard, s.RecordingID, s.TriggerType))
	}
	m.close(now, model.StateCancelled)
	out.Events = append(out.Events, m.eventFor(s, model.EventStatusUpdate, prev, now, "cancelled"))
	out.Closed = append(out.Closed, *s)
	return out, nil
}

// Confirm starts the recording of a session waiting for operator confirmation
func (m *Machine) Confirm(sessionID string, now time.Time) (Outcome, error) {
	s := m.session
	if s == nil || s.ID != sessionID || !s.AwaitingConfirmation {
		return Outcome{}, ErrStaleConfirmation
	}
	if s.ConfirmationDeadline != nil && !now.Before(*s.ConfirmationDeadline) {
		s.AwaitingConfirmation = false
		s.ConfirmationDeadline = nil
		return Outcome{}, fmt.Errorf("confirmation timed out: %w", ErrStaleConfirmation)
	}
	s.AwaitingConfirmation = false
	s.ConfirmationDeadline = nil
	s.RecordingRequested = true
	s.TriggerType = model.TriggerConfirmed
	s.UpdatedAt = now
	return Outcome{Commands: []Command{m.command(model.CommandStartRecording, "", model.TriggerConfirmed)}}, nil
}

// StartManual starts an operator-requested recording on the live session.
// Repeating it while a recording is requested or open is a no-op.
func (m *Machine) StartManual(now time.Time) (Outcome, error) {
	s := m.session
	if s == nil || (s.State != model.StateActive && s.State != model.StateExiting) {
		return Outcome{}, ErrNoSession
	}
	if s.RecordingOpen || s.RecordingRequested {
		return Outcome{}, nil
	}
	s.AwaitingConfirmation = false
	s.ConfirmationDeadline = nil
	s.RecordingRequested = true
	s.TriggerType = model.TriggerManual
	s.UpdatedAt = now
	return Outcome{Commands: []Command{m.command(model.CommandStartRecording, "", model.TriggerManual)}}, nil
}

// StopManual stops the open recording, either on the live session or left over from a closed one
func (m *Machine) StopManual(now time.Time) (Outcome, error) {
	if s := m.session; s != nil && s.RecordingOpen {
		s.RecordingOpen = false
		s.UpdatedAt = now
		return Outcome{Commands: []Command{m.command(model.CommandStopRecording, s.RecordingID, s.TriggerType)}}, nil
	}
	if m.orphan != nil {
		ref := *m.orphan
		m.orphan = nil
		return Outcome{Commands: []Command{{
			Type:        model.CommandStopRecording,
			VendorID:    m.vendorID,
			SessionID:   ref.SessionID,
			ZoneID:      ref.ZoneID,
			RecordingID: ref.RecordingID,
			Trigger:     model.TriggerManual,
		}}}, nil
	}
	return Outcome{}, ErrNoRecording
}

// RecordingStarted binds a started capture to its session.
// It returns false when the session is gone, in which case the caller discards the capture.
func (m *Machine) RecordingStarted(sessionID, recordingID string, now time.Time) bool {
	s := m.session
	if s == nil || s.ID != sessionID || s.State.Terminal() {
		return false
	}
	s.RecordingID = recordingID
	s.RecordingOpen = true
	s.RecordingRequested = false
	s.RetryStart = false
	s.UpdatedAt = now
	return true
}

// RecordingFailed records a non-fatal capture failure; the session carries on without audio
func (m *Machine) RecordingFailed(sessionID, reason string, now time.Time) Outcome {
	s := m.session
	if s == nil || s.ID != sessionID {
		return Outcome{}
	}
	s.RecordingRequested = false
	s.RetryStart = false
	s.UpdatedAt = now
	return Outcome{Events: []model.ProximityEvent{m.event(model.EventCaptureWarning, s.State, now, reason)}}
}

// RecordingTimedOut schedules the start to be re-issued on the next step
func (m *Machine) RecordingTimedOut(sessionID string, now time.Time) Outcome {
	s := m.session
	if s == nil || s.ID != sessionID || !s.RecordingRequested {
		return Outcome{}
	}
	s.RetryStart = true
	s.UpdatedAt = now
	return Outcome{Events: []model.ProximityEvent{m.event(model.EventCaptureWarning, s.State, now, "capture start timed out")}}
}

// Fail moves the live session to FAILED. No commands are issued.
func (m *Machine) Fail(now time.Time, reason string) Outcome {
	if m.session == nil {
		return Outcome{}
	}
	return m.fail(now, reason)
}

// Snapshot captures the machine for persistence
func (m *Machine) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		VendorID: m.vendorID,
		AgencyID: m.agencyID,
		Session:  m.Session(),
		Orphan:   m.Orphan(),
		SavedAt:  now,
	}
	if len(m.cooldowns) > 0 {
		snap.Cooldowns = make(map[string]time.Time, len(m.cooldowns))
		for k, v := range m.cooldowns {
			snap.Cooldowns[k] = v
		}
	}
	return snap
}

// Restore loads a persisted snapshot. Call Reconcile afterwards.
func (m *Machine) Restore(snap Snapshot) error {
	if snap.VendorID != m.vendorID {
		return fmt.Errorf("snapshot for vendor %q: %w", snap.VendorID, ErrInvalidSnapshot)
	}
	if snap.Session != nil && snap.Session.VendorID != m.vendorID {
		return fmt.Errorf("session %s belongs to vendor %q: %w", snap.Session.ID, snap.Session.VendorID, ErrInvalidSnapshot)
	}
	if snap.AgencyID != "" {
		m.agencyID = snap.AgencyID
	}
	m.session = nil
	if snap.Session != nil {
		s := *snap.Session
		m.session = &s
	}
	m.orphan = nil
	if snap.Orphan != nil {
		r := *snap.Orphan
		m.orphan = &r
	}
	m.cooldowns = make(map[string]time.Time, len(snap.Cooldowns))
	for k, v := range snap.Cooldowns {
		m.cooldowns[k] = v
	}
	return nil
}

// Reconcile settles a restored session against the time that passed while nobody was watching it
func (m *Machine) Reconcile(now time.Time, staleAfter time.Duration) Outcome {
	s := m.session
	if s == nil {
		return Outcome{}
	}
	if !s.State.Known() {
		return m.fail(now, fmt.Sprintf("unknown persisted state %q", s.State))
	}
	if s.State.Terminal() || s.State == model.StateIdle {
		m.session = nil
		return Outcome{}
	}
	stale := now.Sub(s.LastConfirmedAt) > staleAfter
	switch {
	case stale && s.State == model.StateEntered:
		return m.discard(now, "stale_after_restart")
	case stale:
		// The signal was lost at the last confirmation, not at restart time.
		return m.complete(s.LastConfirmedAt, false, "stale_after_restart")
	}
	if s.RecordingRequested && !s.RecordingOpen {
		s.RetryStart = true
	}
	return m.Advance(now)
}

func (m *Machine) enter(v Verdict, cfg model.VendorProximityConfig) Outcome {
	now := v.CapturedAt
	zone := v.Zone
	s := &model.ProximitySession{
		ID:              m.newID(),
		VendorID:        m.vendorID,
		AgencyID:        m.agencyID,
		ZoneID:          zone.ID,
		ZoneName:        zone.Name,
		State:           model.StateEntered,
		EnteredAt:       now,
		LastConfirmedAt: now,
		ContextLabel:    string(zone.Type),
		Mode:            model.StricterMode(cfg.Mode, zone.Policy.Mode),
		Policy:          zone.Policy,
		SamplesInZone:   1,
		FirstInZoneAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.session = s
	out := Outcome{Events: []model.ProximityEvent{m.event(model.EventStatusUpdate, model.StateIdle, now, "entered_zone")}}
	if m.debounced(s, now) {
		out.Merge(m.promote(now, cfg))
	}
	return out
}

func (m *Machine) debounced(s *model.ProximitySession, now time.Time) bool {
	if s.SamplesInZone >= m.settings.DebounceSamples {
		return true
	}
	return m.settings.DebounceWindow > 0 && now.Sub(s.FirstInZoneAt) >= m.settings.DebounceWindow
}

func (m *Machine) promote(now time.Time, cfg model.VendorProximityConfig) Outcome {
	s := m.session
	s.State = model.StateActive
	s.LastConfirmedAt = now
	s.UpdatedAt = now
	s.Mode = model.StricterMode(cfg.Mode, s.Policy.Mode)

	out := Outcome{Events: []model.ProximityEvent{m.event(model.EventStatusUpdate, model.StateEntered, now, "debounced")}}
	if !s.Policy.AutoStart {
		return out
	}
	switch s.Mode {
	case model.ModeAutomatic:
		s.RecordingRequested = true
		s.TriggerType = model.TriggerAutomatic
		out.Commands = append(out.Commands, m.command(model.CommandStartRecording, "", model.TriggerAutomatic))
	case model.ModeConfirm:
		deadline := now.Add(m.settings.ConfirmTimeout)
		s.AwaitingConfirmation = true
		s.ConfirmationDeadline = &deadline
		out.Events = append(out.Events, m.event(model.EventConfirmationRequested, model.StateActive, now, ""))
	}
	return out
}

// discard drops an ENTERED session without a trace
func (m *Machine) discard(now time.Time, reason string) Outcome {
	s := m.session
	m.session = nil
	return Outcome{Events: []model.ProximityEvent{{
		Type:          model.EventStatusUpdate,
		VendorID:      m.vendorID,
		SessionID:     s.ID,
		ZoneID:        s.ZoneID,
		State:         model.StateIdle,
		PreviousState: s.State,
		Reason:        reason,
		Timestamp:     now,
	}}}
}

func (m *Machine) complete(now time.Time, truncated bool, reason string) Outcome {
	s := m.session
	prev := s.State
	var out Outcome
	switch {
	case s.RecordingOpen && s.TriggerType == model.TriggerManual:
		// Manual recordings are only ever stopped by the operator.
		m.orphan = &RecordingRef{SessionID: s.ID, RecordingID: s.RecordingID, ZoneID: s.ZoneID}
	case s.RecordingOpen:
		out.Commands = append(out.Commands, m.command(model.CommandStopRecording, s.RecordingID, s.TriggerType))
	case s.RecordingRequested:
		out.Commands = append(out.Commands, m.command(model.CommandDiscard, "", s.TriggerType))
	}
	s.Truncated = truncated
	m.close(now, model.StateCompleted)
	out.Events = append(out.Events, m.eventFor(s, model.EventStatusUpdate, prev, now, reason))
	out.Closed = append(out.Closed, *s)
	return out
}

func (m *Machine) fail(now time.Time, reason string) Outcome {
	s := m.session
	prev := s.State
	s.FailureReason = reason
	m.close(now, model.StateFailed)
	return Outcome{
		Events: []model.ProximityEvent{m.eventFor(s, model.EventSessionFailed, prev, now, reason)},
		Closed: []model.ProximitySession{*s},
	}
}

// close finalizes s and clears the live slot
func (m *Machine) close(now time.Time, state model.SessionState) {
	s := m.session
	exited := now
	if exited.Before(s.EnteredAt) {
		exited = s.EnteredAt
	}
	s.State = state
	s.ExitedAt = &exited
	s.DwellSeconds = int64(s.Dwell(exited) / time.Second)
	s.ExitDebounceDeadline = nil
	s.ConfirmationDeadline = nil
	s.AwaitingConfirmation = false
	s.RecordingRequested = false
	s.RecordingOpen = false
	s.RetryStart = false
	s.UpdatedAt = now
	if state != model.StateFailed && m.settings.ReentryCooldown > 0 && s.ZoneID != "" {
		m.cooldowns[s.ZoneID] = now.Add(m.settings.ReentryCooldown)
	}
	m.session = nil
}

func (m *Machine) coolingDown(zoneID string, now time.Time) bool {
	until, ok := m.cooldowns[zoneID]
	return ok && now.Before(until)
}

func (m *Machine) command(t model.CommandType, recordingID string, trigger model.TriggerType) Command {
	s := m.session
	return Command{
		Type:              t,
		VendorID:          m.vendorID,
		SessionID:         s.ID,
		ZoneID:            s.ZoneID,
		RecordingID:       recordingID,
		Policy:            s.Policy,
		Trigger:           trigger,
		BackgroundAllowed: m.background,
	}
}

func (m *Machine) event(t model.EventType, prev model.SessionState, now time.Time, reason string) model.ProximityEvent {
	return m.eventFor(m.session, t, prev, now, reason)
}

func (m *Machine) eventFor(s *model.ProximitySession, t model.EventType, prev model.SessionState, now time.Time, reason string) model.ProximityEvent {
	return model.ProximityEvent{
		Type:          t,
		VendorID:      m.vendorID,
		SessionID:     s.ID,
		ZoneID:        s.ZoneID,
		State:         s.State,
		PreviousState: prev,
		RecordingID:   s.RecordingID,
		Reason:        reason,
		Timestamp:     now,
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
