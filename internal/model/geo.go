package model

import "time"

// GeoPoint represents a single position fix reported by a vendor device
type GeoPoint struct {
	Latitude       float64   `json:"lat"`
	Longitude      float64   `json:"lon"`
	AccuracyMeters *float64  `json:"accuracy,omitempty"` // nil when the device did not report accuracy
	CapturedAt     time.Time `json:"captured_at"`
}

// Accuracy returns a pointer to the given accuracy value, for building points inline
func Accuracy(meters float64) *float64 {
	return &meters
}

// LocationMessage represents a location update published by a vendor device on the uplink
type LocationMessage struct {
	VendorID  string   `json:"vendor_id"`
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp"` // unix milliseconds
}

// Point converts the uplink message to a GeoPoint
func (m LocationMessage) Point() GeoPoint {
	return GeoPoint{
		Latitude:       m.Lat,
		Longitude:      m.Lon,
		AccuracyMeters: m.Accuracy,
		CapturedAt:     time.UnixMilli(m.Timestamp).UTC(),
	}
}
