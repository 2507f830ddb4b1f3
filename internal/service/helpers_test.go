package service

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"salesfloor/proximity/internal/geo"
	"salesfloor/proximity/internal/model"
)

var base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

var lot = model.GeoPoint{Latitude: 40.4168, Longitude: -3.7038}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDatabase("sqlite", filepath.Join(t.TempDir(), "proximity.db"), false)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

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
			AudioQuality:       model.QualityLow,
			NotifyOnEntry:      true,
			NotifyOnExit:       true,
		},
		ActiveDaysMask: 127,
		Active:         true,
	}
}

var outside = geo.OffsetNorth(lot, 200)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// Bounds for assertions that wait on a running loop
const (
	testTick = time.Second
	testPoll = 5 * time.Millisecond
)
