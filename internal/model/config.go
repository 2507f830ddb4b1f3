package model

import "time"

// GPSPrecision is the location accuracy tier requested from the device
type GPSPrecision string

const (
	PrecisionLow    GPSPrecision = "low"
	PrecisionMedium GPSPrecision = "medium"
	PrecisionHigh   GPSPrecision = "high"
)

// MinPollIntervalSeconds is the smallest accepted polling interval
const MinPollIntervalSeconds = 5

// DefaultPollIntervalSeconds is used when a config does not set one
const DefaultPollIntervalSeconds = 30

// NotificationPrefs controls which proximity alerts a vendor receives
type NotificationPrefs struct {
	OnEntry     bool `json:"on_entry"`
	OnExit      bool `json:"on_exit"`
	OnRecording bool `json:"on_recording"`
}

// VendorProximityConfig holds one vendor's proximity settings.
// An empty ZoneID is the vendor's global config; a non-empty one overrides it for that zone.
type VendorProximityConfig struct {
	ID                         uint              `json:"id" gorm:"primaryKey"`
	VendorID                   string            `json:"vendor_id" gorm:"size:64;not null;uniqueIndex:idx_vendor_zone"`
	ZoneID                     string            `json:"zone_id" gorm:"size:64;not null;default:'';uniqueIndex:idx_vendor_zone"`
	AgencyID                   string            `json:"agency_id" gorm:"size:64"`
	SystemActive               bool              `json:"system_active"`
	Mode                       RecordingMode     `json:"mode" gorm:"size:20"`
	GPSPrecision               GPSPrecision      `json:"gps_precision" gorm:"size:10"`
	PollIntervalSeconds        int               `json:"poll_interval_seconds"`
	BackgroundRecordingAllowed bool              `json:"background_recording_allowed"`
	NotificationPrefs          NotificationPrefs `json:"notification_prefs" gorm:"embedded;embeddedPrefix:notify_"`
	CreatedAt                  time.Time         `json:"created_at"`
	UpdatedAt                  time.Time         `json:"updated_at"`
}

// InertConfig is the config used when none is stored for a vendor: monitoring off, manual mode
func InertConfig(vendorID string) VendorProximityConfig {
	return VendorProximityConfig{
		VendorID:            vendorID,
		SystemActive:        false,
		Mode:                ModeManual,
		GPSPrecision:        PrecisionMedium,
		PollIntervalSeconds: DefaultPollIntervalSeconds,
		NotificationPrefs:   NotificationPrefs{OnEntry: true, OnExit: true, OnRecording: true},
	}
}

// Normalize fills unset or out-of-range fields with defaults
func (c VendorProximityConfig) Normalize() VendorProximityConfig {
	if !c.Mode.Valid() {
		c.Mode = ModeManual
	}
	switch c.GPSPrecision {
	case PrecisionLow, PrecisionMedium, PrecisionHigh:
	default:
		c.GPSPrecision = PrecisionMedium
	}
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if c.PollIntervalSeconds < MinPollIntervalSeconds {
		c.PollIntervalSeconds = MinPollIntervalSeconds
	}
	return c
}

// PollInterval returns the polling interval as a duration
func (c VendorProximityConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
