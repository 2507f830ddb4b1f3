package model

import "time"

// RecordingStatus is the lifecycle of one physical audio capture
type RecordingStatus string

const (
	RecordingPending   RecordingStatus = "pending"
	RecordingRecording RecordingStatus = "recording"
	RecordingStopped   RecordingStatus = "stopped"
	RecordingUploading RecordingStatus = "uploading"
	RecordingProcessed RecordingStatus = "processed"
	RecordingFailed    RecordingStatus = "failed"
)

// RecordingHandle tracks the capture started for a proximity session
type RecordingHandle struct {
	ID                 string          `json:"id" gorm:"primaryKey;size:64"`
	ProximitySessionID string          `json:"proximity_session_id" gorm:"size:64;not null;index"`
	VendorID           string          `json:"vendor_id" gorm:"size:64;not null;index"`
	ZoneID             string          `json:"zone_id" gorm:"size:64"`
	Status             RecordingStatus `json:"status" gorm:"size:20;not null;default:'pending'"`
	TriggerType        TriggerType     `json:"trigger_type" gorm:"size:20"`
	AudioQuality       AudioQuality    `json:"audio_quality" gorm:"size:10"`
	SampleRate         int             `json:"sample_rate"`
	StartedAt          time.Time       `json:"started_at"`
	StoppedAt          *time.Time      `json:"stopped_at,omitempty"`
	DurationSeconds    float64         `json:"duration_seconds"`
	BlobPath           string          `json:"blob_path,omitempty" gorm:"size:500"`
	BlobSize           int64           `json:"blob_size"`
	FailureReason      string          `json:"failure_reason,omitempty" gorm:"type:text"`
	UploadedAt         *time.Time      `json:"uploaded_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// TableName pins the table name
func (RecordingHandle) TableName() string {
	return "recordings"
}

// Live reports whether capture may still be running for the handle
func (h *RecordingHandle) Live() bool {
	return h.Status == RecordingPending || h.Status == RecordingRecording
}

// RecordingMetadata is what the bridge passes to the store when creating a recording
type RecordingMetadata struct {
	VendorID     string
	ZoneID       string
	TriggerType  TriggerType
	AudioQuality AudioQuality
}
