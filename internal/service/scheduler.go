package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"salesfloor/proximity/internal/logging"
	"salesfloor/proximity/internal/metrics"
	"salesfloor/proximity/internal/model"
	"salesfloor/proximity/internal/proximity"
)

// Recorder executes recording commands
type Recorder interface {
	Start(ctx context.Context, cmd proximity.Command) (*model.RecordingHandle, error)
	Stop(ctx context.Context, handleID string) (*model.RecordingHandle, error)
	Discard(ctx context.Context, sessionID, handleID string)
	Recover(ctx context.Context, vendorID string) (int, error)
}

// Notifier turns events into alerts
type Notifier interface {
	Notify(ctx context.Context, event model.ProximityEvent, actx AlertContext) []model.ProximityAlert
}

// SchedulerDeps are the collaborators shared by every vendor loop. Lease, Notifier,
// History and Metrics are optional.
type SchedulerDeps struct {
	Zones     proximity.ZoneLister
	Configs   ConfigProvider
	Locations LocationSource
	Recorder  Recorder
	State     SnapshotStore
	Lease     Lease
	Sink      EventSink
	Notifier  Notifier
	History   SessionArchive
	Metrics   *metrics.ProximityMetrics
	Logger    *log.Logger
	Settings  proximity.Settings
	Owner     string        // lease owner, unique per process
	LeaseTTL  time.Duration // defaults to three poll intervals
	Now       func() time.Time
	NewID     func() string // session IDs, UUIDs when nil
}

type requestKind int

const (
	requestCancel requestKind = iota
	requestConfirm
	requestManualStart
	requestManualStop
)

func (k requestKind) String() string {
	switch k {
	case requestCancel:
		return "cancel"
	case requestConfirm:
		return "confirm"
	case requestManualStart:
		return "start_recording"
	default:
		return "stop_recording"
	}
}

type request struct {
	kind      requestKind
	sessionID string
}

// SchedulerStatus is a point-in-time view of a vendor loop
type SchedulerStatus struct {
	VendorID     string                  `json:"vendor_id"`
	Running      bool                    `json:"running"`
	SystemActive bool                    `json:"system_active"`
	Mode         model.RecordingMode     `json:"mode"`
	State        model.SessionState      `json:"state"`
	Session      *model.ProximitySession `json:"session,omitempty"`
	Orphan       *proximity.RecordingRef `json:"orphan_recording,omitempty"`
	Queued       int                     `json:"queued_commands"`
	LastTickAt   time.Time               `json:"last_tick_at"`
	LastFixAt    time.Time               `json:"last_fix_at"`
}

// Scheduler runs the proximity loop for one vendor.
// The machine is only touched inside Tick, which is serialized.
type Scheduler struct {
	vendorID string
	deps     SchedulerDeps
	logger   *log.Logger

	tickMu    sync.Mutex
	machine   *proximity.Machine
	processor *proximity.Processor
	cfg       model.VendorProximityConfig
	skew      time.Duration // device clock minus server clock, from the last accepted fix

	mu       sync.Mutex
	queue    []request
	override *model.VendorProximityConfig
	status   SchedulerStatus
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
}

// NewScheduler creates an idle loop for vendorID
func NewScheduler(vendorID string, deps SchedulerDeps) *Scheduler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	logger := logging.Component(deps.Logger, "scheduler", "vendor", vendorID)
	cfg := model.InertConfig(vendorID)
	return &Scheduler{
		vendorID:  vendorID,
		deps:      deps,
		logger:    logger,
		machine:   proximity.NewMachine(vendorID, "", deps.Settings, deps.NewID),
		processor: proximity.NewProcessor(deps.Zones, deps.Settings.MinConfidence, logger),
		cfg:       cfg,
		status:    SchedulerStatus{VendorID: vendorID, State: model.StateIdle, Mode: cfg.Mode},
		wake:      make(chan struct{}, 1),
	}
}

// VendorID returns the vendor this loop serves
func (s *Scheduler) VendorID() string {
	return s.vendorID
}

// Start acquires the lease, resumes persisted state and launches the timer loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("vendor %s: %w", s.vendorID, ErrAlreadyRunning)
	}
	s.mu.Unlock()

	cfg := s.resolveConfig(ctx, "")
	if s.deps.Lease != nil {
		if err := s.deps.Lease.Acquire(ctx, s.vendorID, s.deps.Owner, s.leaseTTL(cfg)); err != nil {
			return err
		}
	}
	if err := s.Resume(ctx); err != nil {
		s.releaseLease()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.status.Running = true
	s.mu.Unlock()

	go s.run(loopCtx, done)
	s.logger.Info("monitoring started", "poll", cfg.PollInterval())
	return nil
}

// Stop ends the loop and waits for an in-flight tick. State stays persisted for the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.status.Running = false
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.releaseLease()
	s.logger.Info("monitoring stopped")
}

// Running reports whether the timer loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := s.Tick(ctx)
		if errors.Is(err, ErrLeaseHeld) {
			s.logger.Error("lease lost, stopping loop", "err", err)
			s.mu.Lock()
			if s.done == done {
				s.cancel, s.done = nil, nil
				s.status.Running = false
			}
			s.mu.Unlock()
			return
		}
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("tick failed", "err", err)
		}

		timer := time.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.cfg.PollInterval()
}

func (s *Scheduler) leaseTTL(cfg model.VendorProximityConfig) time.Duration {
	if s.deps.LeaseTTL > 0 {
		return s.deps.LeaseTTL
	}
	return 3 * cfg.PollInterval()
}

func (s *Scheduler) releaseLease() {
	if s.deps.Lease == nil {
		return
	}
	if err := s.deps.Lease.Release(context.Background(), s.vendorID, s.deps.Owner); err != nil {
		s.logger.Warn("failed to release lease", "err", err)
	}
}

// Resume loads the persisted snapshot and settles it against the current time.
// A snapshot that cannot be read is reported as a failed session and cleared.
func (s *Scheduler) Resume(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	bg := context.WithoutCancel(ctx)
	s.cfg = s.resolveConfig(ctx, "")
	s.machine.SetAgency(s.cfg.AgencyID)

	var out proximity.Outcome
	snap, err := s.deps.State.Load(ctx, s.vendorID)
	if err == nil && snap != nil {
		err = s.machine.Restore(*snap)
	}
	switch {
	case errors.Is(err, proximity.ErrInvalidSnapshot):
		s.logger.Error("discarding unreadable snapshot", "err", err)
		out.Events = append(out.Events, model.ProximityEvent{
			Type:      model.EventSessionFailed,
			VendorID:  s.vendorID,
			State:     model.StateFailed,
			Reason:    "corrupted snapshot",
			Timestamp: s.deps.Now(),
		})
		if derr := s.deps.State.Delete(bg, s.vendorID); derr != nil {
			s.logger.Warn("failed to delete snapshot", "err", derr)
		}
	case err != nil:
		return fmt.Errorf("resume vendor %s: %w", s.vendorID, err)
	case snap != nil:
		s.processor.SetLastAccepted(snap.LastAccepted)
		s.skew = snap.ClockSkew
		if s.machine.Session() != nil {
			s.deps.Metrics.SessionOpened()
		}
	}

	if n, err := s.deps.Recorder.Recover(bg, s.vendorID); err != nil {
		s.logger.Warn("failed to recover recordings", "err", err)
	} else if n > 0 {
		s.logger.Info("recovered live recordings", "count", n)
	}

	at := s.deviceTime(s.deps.Now())
	out.Merge(s.machine.Reconcile(at, 2*s.cfg.PollInterval()))
	s.settle(bg, at, out)
	return nil
}

// Tick runs one iteration of the loop
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := s.deps.Now()
	defer s.deps.Metrics.ObserveTick(start)

	if s.deps.Lease != nil && s.Running() {
		if err := s.deps.Lease.Renew(ctx, s.vendorID, s.deps.Owner, s.leaseTTL(s.cfg)); err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				return err
			}
			s.logger.Warn("lease renewal failed", "err", err)
		}
	}

	zoneID := ""
	if session := s.machine.Session(); session != nil {
		zoneID = session.ZoneID
	}
	s.cfg = s.resolveConfig(ctx, zoneID)
	s.machine.SetAgency(s.cfg.AgencyID)

	out := s.drain(s.deviceTime(start))

	if !s.cfg.SystemActive {
		at := s.deviceTime(start)
		out.Merge(s.machine.Advance(at))
		s.settle(context.WithoutCancel(ctx), at, out)
		return nil
	}

	fixCtx, cancel := context.WithTimeout(ctx, 2*s.cfg.PollInterval())
	point, err := s.deps.Locations.CurrentPosition(fixCtx, s.vendorID)
	cancel()
	now := s.deps.Now()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("no position fix", "err", err)
		}
		out.Merge(s.machine.Advance(s.deviceTime(now)))
	} else {
		out.Merge(s.observe(ctx, point, now))
	}

	s.settle(context.WithoutCancel(ctx), s.deviceTime(now), out)
	return nil
}

// deviceTime maps a server time onto the device clock that session deadlines are set on
func (s *Scheduler) deviceTime(now time.Time) time.Time {
	return now.Add(s.skew)
}

func (s *Scheduler) observe(ctx context.Context, point model.GeoPoint, now time.Time) proximity.Outcome {
	s.mu.Lock()
	s.status.LastFixAt = point.CapturedAt
	s.mu.Unlock()

	v := s.processor.Process(ctx, s.cfg.AgencyID, point)
	if !v.Accepted() {
		s.deps.Metrics.ObserveSample(string(v.Dropped))
		return s.machine.Advance(s.deviceTime(now))
	}
	s.skew = point.CapturedAt.Sub(now)
	if v.InZone() {
		s.deps.Metrics.ObserveSample("in_zone")
	} else {
		s.deps.Metrics.ObserveSample("out_of_zone")
	}

	cfg := s.cfg
	if v.InZone() && v.ZoneID != cfg.ZoneID {
		cfg = s.resolveConfig(ctx, v.ZoneID)
	}
	out := s.machine.Observe(v, cfg)
	out.Merge(s.machine.Advance(point.CapturedAt))
	return out
}

// resolveConfig returns the override if one is set, otherwise the stored config for zoneID.
// Lookup failures keep the last known config.
func (s *Scheduler) resolveConfig(ctx context.Context, zoneID string) model.VendorProximityConfig {
	s.mu.Lock()
	override := s.override
	s.mu.Unlock()
	if override != nil {
		return *override
	}
	cfg, err := s.deps.Configs.Get(ctx, s.vendorID, zoneID)
	if err != nil {
		s.logger.Warn("failed to load config, keeping last known", "zone", zoneID, "err", err)
		return s.cfg
	}
	return cfg.Normalize()
}

func (s *Scheduler) drain(now time.Time) proximity.Outcome {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	var out proximity.Outcome
	for _, req := range queue {
		var step proximity.Outcome
		var err error
		switch req.kind {
		case requestCancel:
			step, err = s.machine.Cancel(now)
		case requestConfirm:
			step, err = s.machine.Confirm(req.sessionID, now)
		case requestManualStart:
			step, err = s.machine.StartManual(now)
		case requestManualStop:
			step, err = s.machine.StopManual(now)
		}
		if err != nil {
			s.logger.Info("command rejected", "command", req.kind, "session", req.sessionID, "err", err)
			continue
		}
		out.Merge(step)
	}
	return out
}

// settle executes the outcome's commands and publishes, archives and persists the result.
// now is on the device clock.
func (s *Scheduler) settle(ctx context.Context, now time.Time, out proximity.Outcome) {
	// Sessions may close while commands execute, so capture their context first.
	sessions := make(map[string]model.ProximitySession)
	if live := s.machine.Session(); live != nil {
		sessions[live.ID] = *live
	}
	for _, closed := range out.Closed {
		sessions[closed.ID] = closed
	}

	events := out.Events
	closed := out.Closed
	failed := make(map[string]bool)
	for _, cmd := range out.Commands {
		if failed[cmd.SessionID] {
			continue
		}
		step := s.execute(ctx, cmd, now)
		events = append(events, step.Events...)
		closed = append(closed, step.Closed...)
		for _, c := range step.Closed {
			sessions[c.ID] = c
			if c.State == model.StateFailed {
				failed[c.ID] = true
			}
		}
	}
	if live := s.machine.Session(); live != nil {
		sessions[live.ID] = *live
	}

	for _, event := range events {
		s.track(event)
		if s.deps.Sink != nil {
			if err := s.deps.Sink.Publish(ctx, event); err != nil {
				s.logger.Warn("failed to publish event", "type", event.Type, "err", err)
			}
		}
		if s.deps.Notifier != nil {
			session := sessions[event.SessionID]
			s.deps.Notifier.Notify(ctx, event, AlertContext{
				AgencyID: s.cfg.AgencyID,
				ZoneName: session.ZoneName,
				Policy:   session.Policy,
				Prefs:    s.cfg.NotificationPrefs,
			})
		}
	}

	for _, session := range closed {
		s.deps.Metrics.SessionClosed()
		if s.deps.History == nil {
			continue
		}
		if err := s.deps.History.Archive(ctx, session); err != nil {
			s.logger.Warn("failed to archive session", "session", session.ID, "err", err)
		}
	}

	snap := s.machine.Snapshot(now)
	snap.LastAccepted = s.processor.LastAccepted()
	snap.ClockSkew = s.skew
	if err := s.deps.State.Save(ctx, snap); err != nil {
		s.logger.Warn("failed to persist snapshot", "err", err)
	}

	s.mu.Lock()
	s.status.SystemActive = s.cfg.SystemActive
	s.status.Mode = s.cfg.Mode
	s.status.State = s.machine.State()
	s.status.Session = s.machine.Session()
	s.status.Orphan = s.machine.Orphan()
	s.status.Queued = len(s.queue)
	s.status.LastTickAt = now.Add(-s.skew)
	s.mu.Unlock()
}

// execute runs one bridge command and feeds the result back into the machine
func (s *Scheduler) execute(ctx context.Context, cmd proximity.Command, now time.Time) proximity.Outcome {
	logger := s.logger.With("session", cmd.SessionID, "command", cmd.Type)
	event := model.ProximityEvent{
		Type:      model.EventRecordingCommand,
		VendorID:  s.vendorID,
		SessionID: cmd.SessionID,
		ZoneID:    cmd.ZoneID,
		State:     s.machine.State(),
		Command:   cmd.Type,
		Timestamp: now,
	}

	switch cmd.Type {
	case model.CommandStartRecording:
		handle, err := s.deps.Recorder.Start(ctx, cmd)
		switch {
		case err == nil:
			if !s.machine.RecordingStarted(cmd.SessionID, handle.ID, now) {
				logger.Info("session gone before capture started, discarding", "recording", handle.ID)
				s.deps.Recorder.Discard(ctx, cmd.SessionID, handle.ID)
				s.deps.Metrics.ObserveCommand(string(cmd.Type), "discarded")
				event.Command = model.CommandDiscard
				event.RecordingID = handle.ID
				event.Reason = "stale_confirmation"
				return emit(event)
			}
			s.deps.Metrics.ObserveCommand(string(cmd.Type), "ok")
			event.RecordingID = handle.ID
			event.State = s.machine.State()
			return emit(event)
		case errors.Is(err, ErrCaptureFailed):
			logger.Warn("capture failed, continuing without audio", "err", err)
			s.deps.Metrics.ObserveCommand(string(cmd.Type), "failed")
			return s.machine.RecordingFailed(cmd.SessionID, err.Error(), now)
		case errors.Is(err, ErrBridgeFatal):
			s.deps.Metrics.ObserveCommand(string(cmd.Type), "fatal")
			return s.failSession(logger, cmd.SessionID, err, now)
		default:
			logger.Warn("capture start not confirmed, retrying next tick", "err", err)
			s.deps.Metrics.ObserveCommand(string(cmd.Type), "timeout")
			return s.machine.RecordingTimedOut(cmd.SessionID, now)
		}

	case model.CommandStopRecording:
		event.RecordingID = cmd.RecordingID
		handle, err := s.deps.Recorder.Stop(ctx, cmd.RecordingID)
		switch {
		case err == nil:
			s.deps.Metrics.ObserveCommand(string(cmd.Type), "ok")
			logger.Info("recording stopped", "recording", handle.ID, "duration", handle.DurationSeconds)
			return emit(event)
		case errors.Is(err, ErrUploadFailed):
			s.deps.Metrics.ObserveCommand(string(cmd.Type), "upload_failed")
			failed := event
			failed.Type = model.EventUploadFailed
			failed.Command = ""
			failed.Reason = err.Error()
			return emit(event, failed)
		case errors.Is(err, ErrBridgeFatal):
			s.deps.Metrics.ObserveCommand(string(cmd.Type), "fatal")
			event.Reason = err.Error()
			out := emit(event)
			out.Merge(s.failSession(logger, cmd.SessionID, err, now))
			return out
		default:
			s.deps.Metrics.ObserveCommand(string(cmd.Type), "error")
			logger.Warn("stop failed", "recording", cmd.RecordingID, "err", err)
			event.Reason = err.Error()
			return emit(event)
		}

	case model.CommandDiscard:
		s.deps.Recorder.Discard(ctx, cmd.SessionID, cmd.RecordingID)
		s.deps.Metrics.ObserveCommand(string(cmd.Type), "ok")
		event.RecordingID = cmd.RecordingID
		return emit(event)
	}

	logger.Error("unknown recording command")
	return proximity.Outcome{}
}

// failSession moves the live session to FAILED after a fatal bridge error.
// Sessions that already closed only get the error logged.
func (s *Scheduler) failSession(logger *log.Logger, sessionID string, cause error, now time.Time) proximity.Outcome {
	live := s.machine.Session()
	if live == nil || live.ID != sessionID {
		logger.Error("recording bridge failed after session closed", "err", cause)
		return proximity.Outcome{}
	}
	logger.Error("recording bridge failed, failing session", "err", cause)
	return s.machine.Fail(now, cause.Error())
}

func emit(e ...model.ProximityEvent) proximity.Outcome {
	return proximity.Outcome{Events: e}
}

// track keeps the transition metrics and live session gauge current
func (s *Scheduler) track(event model.ProximityEvent) {
	switch event.Type {
	case model.EventStatusUpdate:
		s.deps.Metrics.ObserveTransition(string(event.State))
		switch {
		case event.PreviousState == model.StateIdle && event.State == model.StateEntered:
			s.deps.Metrics.SessionOpened()
		case event.State == model.StateIdle && event.PreviousState != model.StateIdle:
			s.deps.Metrics.SessionClosed()
		}
	case model.EventSessionFailed:
		s.deps.Metrics.ObserveTransition(string(model.StateFailed))
	}
}

func (s *Scheduler) enqueue(req request) {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.status.Queued = len(s.queue)
	s.mu.Unlock()
	s.poke()
}

// poke wakes the loop early; a pending wake-up is enough
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) liveSession() *model.ProximitySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Session
}

// Cancel ends the live session at the next tick and discards its recording
func (s *Scheduler) Cancel() error {
	if s.liveSession() == nil {
		return fmt.Errorf("vendor %s: %w", s.vendorID, proximity.ErrNoSession)
	}
	s.enqueue(request{kind: requestCancel})
	return nil
}

// Confirm answers a confirmation prompt for sessionID at the next tick
func (s *Scheduler) Confirm(sessionID string) error {
	live := s.liveSession()
	if live == nil {
		return fmt.Errorf("vendor %s: %w", s.vendorID, proximity.ErrNoSession)
	}
	if live.ID != sessionID {
		return fmt.Errorf("session %s: %w", sessionID, proximity.ErrStaleConfirmation)
	}
	s.enqueue(request{kind: requestConfirm, sessionID: sessionID})
	return nil
}

// StartRecording requests a manual recording at the next tick
func (s *Scheduler) StartRecording() error {
	if s.liveSession() == nil {
		return fmt.Errorf("vendor %s: %w", s.vendorID, proximity.ErrNoSession)
	}
	s.enqueue(request{kind: requestManualStart})
	return nil
}

// StopRecording stops the manual recording at the next tick
func (s *Scheduler) StopRecording() error {
	s.mu.Lock()
	hasRecording := s.status.Orphan != nil || (s.status.Session != nil && s.status.Session.RecordingID != "")
	s.mu.Unlock()
	if !hasRecording {
		return fmt.Errorf("vendor %s: %w", s.vendorID, proximity.ErrNoRecording)
	}
	s.enqueue(request{kind: requestManualStop})
	return nil
}

// UpdateConfig replaces the stored config for this loop. nil goes back to the stored one.
func (s *Scheduler) UpdateConfig(cfg *model.VendorProximityConfig) {
	s.mu.Lock()
	if cfg == nil {
		s.override = nil
	} else {
		c := cfg.Normalize()
		c.VendorID = s.vendorID
		s.override = &c
	}
	s.mu.Unlock()
	s.poke()
}

// Status returns the loop's last settled state
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Running = s.cancel != nil
	st.Queued = len(s.queue)
	return st
}
