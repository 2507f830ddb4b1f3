package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"salesfloor/proximity/internal/model"
)

// ZoneInvalidator drops cached zones so the next tick sees fresh geometry
type ZoneInvalidator interface {
	Invalidate(agencyID string)
}

// Monitor owns one Scheduler per monitored vendor
type Monitor struct {
	deps   SchedulerDeps
	zones  ZoneInvalidator
	logger *log.Logger

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	starting   map[string]*Scheduler // reserved while Start runs outside mu
}

// NewMonitor creates an empty registry. zones may be nil when the zone lister is not cached.
func NewMonitor(deps SchedulerDeps, zones ZoneInvalidator) *Monitor {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Monitor{
		deps:       deps,
		zones:      zones,
		logger:     deps.Logger.WithPrefix("monitor"),
		schedulers: make(map[string]*Scheduler),
		starting:   make(map[string]*Scheduler),
	}
}

// StartMonitoring launches the vendor's loop. Starting a running or starting vendor only
// applies the config override, if any. Other vendors are not blocked while the loop resumes.
func (m *Monitor) StartMonitoring(ctx context.Context, vendorID string, override *model.VendorProximityConfig) error {
	if vendorID == "" {
		return fmt.Errorf("start monitoring: empty vendor id")
	}

	m.mu.Lock()
	s, ok := m.starting[vendorID]
	if !ok {
		if running, found := m.schedulers[vendorID]; found && running.Running() {
			s, ok = running, true
		}
	}
	if ok {
		m.mu.Unlock()
		if override != nil {
			s.UpdateConfig(override)
		}
		return nil
	}
	s = NewScheduler(vendorID, m.deps)
	if override != nil {
		s.UpdateConfig(override)
	}
	m.starting[vendorID] = s
	m.mu.Unlock()

	err := s.Start(ctx)

	m.mu.Lock()
	reserved := m.starting[vendorID] == s
	if reserved {
		delete(m.starting, vendorID)
	}
	switch {
	case err != nil:
		if stale, found := m.schedulers[vendorID]; found && !stale.Running() {
			delete(m.schedulers, vendorID)
		}
	case reserved:
		m.schedulers[vendorID] = s
		m.deps.Metrics.SetMonitored(len(m.schedulers))
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if !reserved {
		s.Stop()
		return fmt.Errorf("vendor %s stopped while starting: %w", vendorID, ErrNotMonitored)
	}
	return nil
}

// StopMonitoring ends the vendor's loop. Stopping an unmonitored vendor is a no-op.
func (m *Monitor) StopMonitoring(vendorID string) {
	m.mu.Lock()
	s, ok := m.schedulers[vendorID]
	delete(m.schedulers, vendorID)
	delete(m.starting, vendorID)
	m.deps.Metrics.SetMonitored(len(m.schedulers))
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

func (m *Monitor) scheduler(vendorID string) (*Scheduler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedulers[vendorID]
	if !ok || !s.Running() {
		return nil, fmt.Errorf("vendor %s: %w", vendorID, ErrNotMonitored)
	}
	return s, nil
}

// CancelSession cancels the vendor's live session
func (m *Monitor) CancelSession(vendorID string) error {
	s, err := m.scheduler(vendorID)
	if err != nil {
		return err
	}
	return s.Cancel()
}

// ConfirmRecording answers a confirmation prompt
func (m *Monitor) ConfirmRecording(vendorID, sessionID string) error {
	s, err := m.scheduler(vendorID)
	if err != nil {
		return err
	}
	return s.Confirm(sessionID)
}

// StartRecording starts a manual recording
func (m *Monitor) StartRecording(vendorID string) error {
	s, err := m.scheduler(vendorID)
	if err != nil {
		return err
	}
	return s.StartRecording()
}

// StopRecording stops a manual recording
func (m *Monitor) StopRecording(vendorID string) error {
	s, err := m.scheduler(vendorID)
	if err != nil {
		return err
	}
	return s.StopRecording()
}

// UpdateConfig pushes a stored config change to a running loop; unmonitored vendors pick it up on start
func (m *Monitor) UpdateConfig(vendorID string) {
	if s, err := m.scheduler(vendorID); err == nil {
		s.poke()
	}
}

// UpdateZones drops cached zones for agencyID, or for every agency when empty
func (m *Monitor) UpdateZones(agencyID string) {
	if m.zones != nil {
		m.zones.Invalidate(agencyID)
	}
	m.logger.Info("zones refreshed", "agency", agencyID)
}

// Status returns the vendor loop's status
func (m *Monitor) Status(vendorID string) (SchedulerStatus, error) {
	m.mu.Lock()
	s, ok := m.schedulers[vendorID]
	m.mu.Unlock()
	if !ok {
		return SchedulerStatus{VendorID: vendorID, State: model.StateIdle}, fmt.Errorf("vendor %s: %w", vendorID, ErrNotMonitored)
	}
	return s.Status(), nil
}

// Monitored lists the vendors with a loop, sorted
func (m *Monitor) Monitored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.schedulers))
	for id := range m.schedulers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every loop
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	schedulers := m.schedulers
	m.schedulers = make(map[string]*Scheduler)
	m.starting = make(map[string]*Scheduler)
	m.deps.Metrics.SetMonitored(0)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	m.logger.Info("all monitoring stopped", "count", len(schedulers))
}
