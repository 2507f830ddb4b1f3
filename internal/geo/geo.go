// Package geo provides the geometry used for zone membership checks.
package geo

import (
	"math"

	"salesfloor/proximity/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula
const EarthRadiusMeters = 6371000

// DistanceMeters calculates the great-circle distance between two points using the Haversine formula.
// Malformed input yields NaN; callers validate points first.
func DistanceMeters(a, b model.GeoPoint) float64 {
	lat1Rad := a.Latitude * math.Pi / 180
	lat2Rad := b.Latitude * math.Pi / 180
	deltaLat := (b.Latitude - a.Latitude) * math.Pi / 180
	deltaLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// IsWithinZone checks if a point is inside a zone's circle. The boundary counts as inside.
func IsWithinZone(p model.GeoPoint, z model.Zone) bool {
	return DistanceMeters(p, z.Center()) <= z.RadiusMeters
}

// ConfidenceFromAccuracy maps a reported accuracy radius to a 0-100 confidence score.
// A missing or non-finite accuracy is untrusted.
func ConfidenceFromAccuracy(accuracyMeters *float64) float64 {
	if accuracyMeters == nil {
		return 0
	}
	acc := *accuracyMeters
	if math.IsNaN(acc) || math.IsInf(acc, 0) {
		return 0
	}
	return math.Max(0, math.Min(100, 100-acc))
}

// ValidPoint reports whether p has finite, in-range coordinates
func ValidPoint(p model.GeoPoint) bool {
	return validCoordinate(p.Latitude, p.Longitude)
}

// ValidZone reports whether z has usable geometry
func ValidZone(z model.Zone) bool {
	if !validCoordinate(z.CenterLat, z.CenterLon) {
		return false
	}
	return !math.IsNaN(z.RadiusMeters) && !math.IsInf(z.RadiusMeters, 0) && z.RadiusMeters > 0
}

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// OffsetNorth returns the point that lies meters due north of p along the meridian
func OffsetNorth(p model.GeoPoint, meters float64) model.GeoPoint {
	p.Latitude += meters / EarthRadiusMeters * 180 / math.Pi
	return p
}
