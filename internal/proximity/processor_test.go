package proximity

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesfloor/proximity/internal/geo"
	"salesfloor/proximity/internal/model"
)

type fakeZones struct {
	zones []model.Zone
	err   error
	calls int
}

func (f *fakeZones) ListActiveZones(_ context.Context, _ string) ([]model.Zone, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.zones, nil
}

var base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func testZone(id string, center model.GeoPoint, radius float64) model.Zone {
	return model.Zone{
		ID:           id,
		AgencyID:     "agency-1",
		Name:         "Zone " + id,
		Type:         model.ZoneTypeShowroom,
		CenterLat:    center.Latitude,
		CenterLon:    center.Longitude,
		RadiusMeters: radius,
		Policy: model.RecordingPolicy{
			AutoStart:          true,
			Mode:               model.ModeAutomatic,
			MaxDurationSeconds: 3600,
			AudioQuality:       model.QualityMedium,
		},
		ActiveDaysMask: 127,
		Active:         true,
	}
}

var lot = model.GeoPoint{Latitude: 40.4168, Longitude: -3.7038}

func fix(p model.GeoPoint, accuracy float64, at time.Time) model.GeoPoint {
	p.AccuracyMeters = model.Accuracy(accuracy)
	p.CapturedAt = at
	return p
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestProcessorMatchesZone(t *testing.T) {
	t.Parallel()

	zones := &fakeZones{zones: []model.Zone{testZone("showroom", lot, 30)}}
	p := NewProcessor(zones, 20, quietLogger())

	v := p.Process(context.Background(), "agency-1", fix(lot, 5, base))
	require.True(t, v.Accepted())
	require.True(t, v.InZone())
	assert.Equal(t, "showroom", v.ZoneID)
	assert.InDelta(t, 95.0, v.Confidence, 1e-9)
	assert.InDelta(t, 0.0, v.DistanceMeters, 1e-6)
	assert.Equal(t, base, p.LastAccepted())

	v = p.Process(context.Background(), "agency-1", fix(geo.OffsetNorth(lot, 100), 5, base.Add(5*time.Second)))
	require.True(t, v.Accepted())
	assert.False(t, v.InZone())
	assert.Empty(t, v.ZoneID)
}

func TestProcessorClosestZoneWins(t *testing.T) {
	t.Parallel()

	near := geo.OffsetNorth(lot, 10)
	zones := &fakeZones{zones: []model.Zone{
		testZone("far", geo.OffsetNorth(lot, 40), 60),
		testZone("near", near, 60),
	}}
	p := NewProcessor(zones, 20, quietLogger())

	v := p.Process(context.Background(), "agency-1", fix(lot, 5, base))
	require.True(t, v.InZone())
	assert.Equal(t, "near", v.ZoneID)
}

func TestProcessorTieBrokenByZoneID(t *testing.T) {
	t.Parallel()

	zones := &fakeZones{zones: []model.Zone{
		testZone("zone-b", lot, 50),
		testZone("zone-a", lot, 50),
	}}
	p := NewProcessor(zones, 20, quietLogger())

	v := p.Process(context.Background(), "agency-1", fix(lot, 5, base))
	assert.Equal(t, "zone-a", v.ZoneID)
}

func TestProcessorDropsNoise(t *testing.T) {
	t.Parallel()

	zones := &fakeZones{zones: []model.Zone{testZone("showroom", lot, 30)}}
	p := NewProcessor(zones, 20, quietLogger())
	ctx := context.Background()

	v := p.Process(ctx, "agency-1", fix(lot, 200, base))
	assert.Equal(t, DropLowConfidence, v.Dropped)
	assert.Zero(t, v.Confidence)
	assert.Zero(t, zones.calls, "low confidence samples never reach the registry")

	noAccuracy := lot
	noAccuracy.CapturedAt = base
	assert.Equal(t, DropLowConfidence, p.Process(ctx, "agency-1", noAccuracy).Dropped)

	require.True(t, p.Process(ctx, "agency-1", fix(lot, 5, base)).Accepted())
	assert.Equal(t, DropDuplicate, p.Process(ctx, "agency-1", fix(lot, 5, base)).Dropped)
	assert.Equal(t, DropOutOfOrder, p.Process(ctx, "agency-1", fix(lot, 5, base.Add(-time.Second))).Dropped)

	bad := fix(model.GeoPoint{Latitude: math.NaN(), Longitude: 0}, 5, base.Add(time.Second))
	assert.Equal(t, DropInvalidPoint, p.Process(ctx, "agency-1", bad).Dropped)
	outOfRange := fix(model.GeoPoint{Latitude: 91, Longitude: 0}, 5, base.Add(time.Second))
	assert.Equal(t, DropInvalidPoint, p.Process(ctx, "agency-1", outOfRange).Dropped)

	assert.Equal(t, base, p.LastAccepted(), "dropped samples do not move the watermark")
}

func TestProcessorRegistryUnavailable(t *testing.T) {
	t.Parallel()

	zones := &fakeZones{err: errors.New("connection refused")}
	p := NewProcessor(zones, 20, quietLogger())

	v := p.Process(context.Background(), "agency-1", fix(lot, 5, base))
	assert.Equal(t, DropRegistryUnavailable, v.Dropped)
	assert.True(t, p.LastAccepted().IsZero())
}

func TestProcessorSkipsInvalidAndInactiveZones(t *testing.T) {
	t.Parallel()

	broken := testZone("broken", lot, 0)
	closed := testZone("closed", lot, 30)
	closed.ActiveDaysMask = 1 // Sundays only; base is a Monday
	disabled := testZone("disabled", lot, 30)
	disabled.Active = false

	zones := &fakeZones{zones: []model.Zone{broken, closed, disabled, testZone("ok", lot, 30)}}
	p := NewProcessor(zones, 20, quietLogger())

	v := p.Process(context.Background(), "agency-1", fix(lot, 5, base))
	require.True(t, v.Accepted())
	assert.Equal(t, "ok", v.ZoneID)
	assert.Equal(t, []string{"broken"}, v.InvalidZones)
}

func TestProcessorRestoredWatermark(t *testing.T) {
	t.Parallel()

	p := NewProcessor(&fakeZones{}, 20, quietLogger())
	p.SetLastAccepted(base)

	assert.Equal(t, DropOutOfOrder, p.Process(context.Background(), "agency-1", fix(lot, 5, base.Add(-time.Minute))).Dropped)
	assert.True(t, p.Process(context.Background(), "agency-1", fix(lot, 5, base.Add(time.Minute))).Accepted())
}
