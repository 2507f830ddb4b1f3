package model

import (
	"time"

	"gorm.io/gorm"
)

// ZoneType is the kind of dealership area a zone covers
type ZoneType string

const (
	ZoneTypeShowroom  ZoneType = "showroom"
	ZoneTypeTestDrive ZoneType = "test_drive"
	ZoneTypeParking   ZoneType = "parking"
	ZoneTypeOffice    ZoneType = "office"
)

// RecordingMode governs whether recording starts without human input
type RecordingMode string

const (
	ModeAutomatic RecordingMode = "automatic"
	ModeConfirm   RecordingMode = "confirm"
	ModeManual    RecordingMode = "manual"
)

// strictness orders modes so the most restrictive one can be chosen
func (m RecordingMode) strictness() int {
	switch m {
	case ModeAutomatic:
		return 0
	case ModeConfirm:
		return 1
	default:
		return 2
	}
}

// Valid reports whether m is a known mode
func (m RecordingMode) Valid() bool {
	return m == ModeAutomatic || m == ModeConfirm || m == ModeManual
}

// StricterMode returns whichever of a and b requires more human involvement
func StricterMode(a, b RecordingMode) RecordingMode {
	if !a.Valid() {
		a = ModeManual
	}
	if !b.Valid() {
		b = ModeManual
	}
	if b.strictness() > a.strictness() {
		return b
	}
	return a
}

// AudioQuality selects the capture sample rate
type AudioQuality string

const (
	QualityLow    AudioQuality = "low"
	QualityMedium AudioQuality = "medium"
	QualityHigh   AudioQuality = "high"
)

// SampleRate returns the capture sample rate in Hz for the quality tier
func (q AudioQuality) SampleRate() int {
	switch q {
	case QualityLow:
		return 8000
	case QualityHigh:
		return 44100
	default:
		return 16000
	}
}

// RecordingPolicy is the per-zone recording behaviour
type RecordingPolicy struct {
	AutoStart          bool          `json:"auto_start"`
	Mode               RecordingMode `json:"mode" gorm:"size:20;default:automatic"`
	MaxDurationSeconds int           `json:"max_duration_seconds"` // 0 disables the limit
	AudioQuality       AudioQuality  `json:"audio_quality" gorm:"size:10;default:medium"`
	NotifyOnEntry      bool          `json:"notify_on_entry"`
	NotifyOnExit       bool          `json:"notify_on_exit"`
	NotifyManager      bool          `json:"notify_manager"`
}

// Zone represents a circular geofence around a dealership area
type Zone struct {
	ID             string          `json:"id" gorm:"primaryKey;size:64"`
	AgencyID       string          `json:"agency_id" gorm:"size:64;not null;index"`
	Name           string          `json:"name" gorm:"size:100;not null"`
	Type           ZoneType        `json:"type" gorm:"size:20;not null"`
	CenterLat      float64         `json:"center_lat" gorm:"not null"`
	CenterLon      float64         `json:"center_lon" gorm:"not null"`
	RadiusMeters   float64         `json:"radius_meters" gorm:"not null"`
	Policy         RecordingPolicy `json:"recording_policy" gorm:"embedded;embeddedPrefix:policy_"`
	ActiveDaysMask int             `json:"active_days_mask" gorm:"default:127"` // bit 0 = Sunday
	Active         bool            `json:"active" gorm:"index"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      gorm.DeletedAt  `json:"-" gorm:"index"`
}

// Center returns the zone center as a GeoPoint
func (z Zone) Center() GeoPoint {
	return GeoPoint{Latitude: z.CenterLat, Longitude: z.CenterLon}
}

// ActiveOn reports whether the zone is enabled on the weekday of t.
// A zero mask is treated as every day.
func (z Zone) ActiveOn(t time.Time) bool {
	if z.ActiveDaysMask == 0 {
		return true
	}
	return z.ActiveDaysMask&(1<<uint(t.Weekday())) != 0
}
