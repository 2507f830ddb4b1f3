package model

import "time"

// SessionState is the lifecycle state of a proximity session
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateEntered   SessionState = "entered"
	StateActive    SessionState = "active"
	StateExiting   SessionState = "exiting"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
	StateCancelled SessionState = "cancelled"
)

// Terminal reports whether no further transitions are possible from s
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Known reports whether s is one of the defined states
func (s SessionState) Known() bool {
	switch s {
	case StateIdle, StateEntered, StateActive, StateExiting, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// TriggerType records what caused the session's recording to start
type TriggerType string

const (
	TriggerAutomatic TriggerType = "automatic"
	TriggerManual    TriggerType = "manual"
	TriggerConfirmed TriggerType = "confirmed"
)

// ProximitySession tracks one vendor's stay near one zone.
// The debounce fields are persisted with the session so a restarted worker resumes exactly.
type ProximitySession struct {
	ID              string          `json:"id" gorm:"primaryKey;size:64"`
	VendorID        string          `json:"vendor_id" gorm:"size:64;not null;index"`
	AgencyID        string          `json:"agency_id" gorm:"size:64"`
	ZoneID          string          `json:"zone_id" gorm:"size:64;index"` // empty means no zone
	ZoneName        string          `json:"zone_name" gorm:"size:100"`
	State           SessionState    `json:"state" gorm:"size:20;not null;index"`
	EnteredAt       time.Time       `json:"entered_at"`
	LastConfirmedAt time.Time       `json:"last_confirmed_at"`
	ExitedAt        *time.Time      `json:"exited_at,omitempty"`
	DwellSeconds    int64           `json:"dwell_seconds"`
	RecordingID     string          `json:"recording_id,omitempty" gorm:"size:64"`
	TriggerType     TriggerType     `json:"trigger_type,omitempty" gorm:"size:20"`
	ContextLabel    string          `json:"context_label,omitempty" gorm:"size:50"`
	Truncated       bool            `json:"truncated"`
	FailureReason   string          `json:"failure_reason,omitempty" gorm:"type:text"`
	Mode            RecordingMode   `json:"mode,omitempty" gorm:"size:20"`
	Policy          RecordingPolicy `json:"policy" gorm:"embedded;embeddedPrefix:policy_"`

	SamplesInZone        int        `json:"samples_in_zone"`
	FirstInZoneAt        time.Time  `json:"first_in_zone_at"`
	ExitDebounceDeadline *time.Time `json:"exit_debounce_deadline,omitempty"`
	ConfirmationDeadline *time.Time `json:"confirmation_deadline,omitempty"`
	AwaitingConfirmation bool       `json:"awaiting_confirmation"`
	RecordingRequested   bool       `json:"recording_requested"` // start issued, bridge result pending
	RecordingOpen        bool       `json:"recording_open"`      // handle bound and not yet stopped
	RetryStart           bool       `json:"retry_start"`         // re-issue start on the next tick

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name
func (ProximitySession) TableName() string {
	return "proximity_sessions"
}

// Dwell returns how long the vendor has been in the zone as of now.
// For closed sessions it is fixed at ExitedAt.
func (s *ProximitySession) Dwell(now time.Time) time.Duration {
	end := now
	if s.ExitedAt != nil {
		end = *s.ExitedAt
	}
	if end.Before(s.EnteredAt) {
		return 0
	}
	return end.Sub(s.EnteredAt)
}
