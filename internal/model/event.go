package model

import "time"

// CommandType is a recording command issued by the state machine
type CommandType string

const (
	CommandStartRecording CommandType = "start_recording"
	CommandStopRecording  CommandType = "stop_recording"
	CommandDiscard        CommandType = "discard"
)

// EventType classifies events published to foreground listeners
type EventType string

const (
	EventStatusUpdate          EventType = "status_update"
	EventRecordingCommand      EventType = "recording_command"
	EventConfirmationRequested EventType = "confirmation_requested"
	EventCaptureWarning        EventType = "capture_warning"
	EventUploadFailed          EventType = "upload_failed"
	EventSessionFailed         EventType = "session_failed"
)

// ProximityEvent is a status message relayed to any listening UI
type ProximityEvent struct {
	Type          EventType    `json:"type"`
	VendorID      string       `json:"vendor_id"`
	SessionID     string       `json:"session_id,omitempty"`
	ZoneID        string       `json:"zone_id,omitempty"`
	State         SessionState `json:"state"`
	PreviousState SessionState `json:"previous_state,omitempty"`
	Command       CommandType  `json:"command,omitempty"`
	RecordingID   string       `json:"recording_id,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// AlertKind classifies notifications derived from proximity events
type AlertKind string

const (
	AlertZoneEntry        AlertKind = "zone_entry"
	AlertZoneExit         AlertKind = "zone_exit"
	AlertRecordingStarted AlertKind = "recording_started"
	AlertConfirmNeeded    AlertKind = "confirmation_needed"
	AlertSessionFailed    AlertKind = "session_failed"
)

// ProximityAlert is a notification for a vendor or their manager
type ProximityAlert struct {
	Kind      AlertKind `json:"kind"`
	Recipient string    `json:"recipient"` // vendor, manager
	VendorID  string    `json:"vendor_id"`
	AgencyID  string    `json:"agency_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	ZoneID    string    `json:"zone_id,omitempty"`
	ZoneName  string    `json:"zone_name,omitempty"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
}
