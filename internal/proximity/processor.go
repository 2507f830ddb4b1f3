package proximity

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"salesfloor/proximity/internal/geo"
	"salesfloor/proximity/internal/model"
)

// ZoneLister returns the active zones of an agency
type ZoneLister interface {
	ListActiveZones(ctx context.Context, agencyID string) ([]model.Zone, error)
}

// DropReason explains why a sample was not fed to the state machine
type DropReason string

const (
	DropLowConfidence       DropReason = "low_confidence"
	DropDuplicate           DropReason = "duplicate"
	DropOutOfOrder          DropReason = "out_of_order"
	DropInvalidPoint        DropReason = "invalid_point"
	DropRegistryUnavailable DropReason = "registry_unavailable"
)

// Verdict is the zone membership decision for one sample
type Verdict struct {
	ZoneID         string      `json:"zone_id,omitempty"` // empty when outside every zone
	Zone           *model.Zone `json:"-"`
	Confidence     float64     `json:"confidence"`
	DistanceMeters float64     `json:"distance_meters,omitempty"`
	CapturedAt     time.Time   `json:"captured_at"`
	Dropped        DropReason  `json:"dropped,omitempty"`
	InvalidZones   []string    `json:"invalid_zones,omitempty"`
}

// Accepted reports whether the sample should drive the state machine
func (v Verdict) Accepted() bool {
	return v.Dropped == ""
}

// InZone reports whether the sample matched a zone
func (v Verdict) InZone() bool {
	return v.Zone != nil
}

// Processor evaluates the samples of one vendor, strictly in arrival order
type Processor struct {
	zones         ZoneLister
	minConfidence float64
	logger        *log.Logger
	lastAccepted  time.Time
}

// NewProcessor creates a new sample processor
func NewProcessor(zones ZoneLister, minConfidence float64, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		zones:         zones,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// LastAccepted returns the capture time of the last accepted sample
func (p *Processor) LastAccepted() time.Time {
	return p.lastAccepted
}

// SetLastAccepted restores the ordering watermark after a restart
func (p *Processor) SetLastAccepted(t time.Time) {
	p.lastAccepted = t
}

// Process turns one position fix into a verdict
func (p *Processor) Process(ctx context.Context, agencyID string, point model.GeoPoint) Verdict {
	confidence := geo.ConfidenceFromAccuracy(point.AccuracyMeters)
	verdict := Verdict{Confidence: confidence, CapturedAt: point.CapturedAt}

	if !geo.ValidPoint(point) || point.CapturedAt.IsZero() {
		return p.drop(verdict, DropInvalidPoint)
	}
	if !p.lastAccepted.IsZero() {
		if point.CapturedAt.Equal(p.lastAccepted) {
			return p.drop(verdict, DropDuplicate)
		}
		if point.CapturedAt.Before(p.lastAccepted) {
			return p.drop(verdict, DropOutOfOrder)
		}
	}
	if confidence < p.minConfidence {
		return p.drop(verdict, DropLowConfidence)
	}

	zones, err := p.zones.ListActiveZones(ctx, agencyID)
	if err != nil {
		p.logger.Warn("zone registry unavailable", "agency", agencyID, "err", err)
		return p.drop(verdict, DropRegistryUnavailable)
	}

	var best *model.Zone
	bestDistance := 0.0
	for i := range zones {
		zone := zones[i]
		if !zone.Active || !zone.ActiveOn(point.CapturedAt) {
			continue
		}
		if !geo.ValidZone(zone) {
			verdict.InvalidZones = append(verdict.InvalidZones, zone.ID)
			continue
		}
		distance := geo.DistanceMeters(point, zone.Center())
		if distance > zone.RadiusMeters {
			continue
		}
		// Overlapping zones: closest center wins, zone ID breaks exact ties.
		if best == nil || distance < bestDistance || (distance == bestDistance && zone.ID < best.ID) {
			best = &zone
			bestDistance = distance
		}
	}
	sort.Strings(verdict.InvalidZones)

	p.lastAccepted = point.CapturedAt
	if best != nil {
		verdict.Zone = best
		verdict.ZoneID = best.ID
		verdict.DistanceMeters = bestDistance
	}
	return verdict
}

func (p *Processor) drop(v Verdict, reason DropReason) Verdict {
	v.Dropped = reason
	p.logger.Debug("sample dropped", "reason", reason, "confidence", v.Confidence, "captured_at", v.CapturedAt)
	return v
}
