package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"salesfloor/proximity/internal/model"
	"salesfloor/proximity/internal/proximity"
)

// ZoneRegistry reads active zones from the relational store. Zones are managed elsewhere; this is read-only.
type ZoneRegistry struct {
	db *gorm.DB
}

// NewZoneRegistry creates a new zone registry
func NewZoneRegistry(db *gorm.DB) *ZoneRegistry {
	return &ZoneRegistry{db: db}
}

// ListActiveZones returns the active zones of an agency ordered by ID
func (r *ZoneRegistry) ListActiveZones(ctx context.Context, agencyID string) ([]model.Zone, error) {
	var zones []model.Zone
	err := r.db.WithContext(ctx).
		Where("agency_id = ? AND active = ?", agencyID, true).
		Order("id").
		Find(&zones).Error
	if err != nil {
		return nil, fmt.Errorf("list zones for agency %s: %w", agencyID, err)
	}
	return zones, nil
}

// CachedZoneRegistry fronts a ZoneLister with a TTL cache.
// Concurrent misses for one agency share a single fetch, and the last good result
// is served when the source fails.
type CachedZoneRegistry struct {
	source proximity.ZoneLister
	fresh  *cache.Cache
	stale  *cache.Cache
	group  singleflight.Group
	logger *log.Logger
}

// NewCachedZoneRegistry creates a cache over source with the given TTL
func NewCachedZoneRegistry(source proximity.ZoneLister, ttl time.Duration, logger *log.Logger) *CachedZoneRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CachedZoneRegistry{
		source: source,
		fresh:  cache.New(ttl, 2*ttl),
		stale:  cache.New(cache.NoExpiration, 0),
		logger: logger,
	}
}

// ListActiveZones returns the cached zones of an agency, fetching on a miss
func (r *CachedZoneRegistry) ListActiveZones(ctx context.Context, agencyID string) ([]model.Zone, error) {
	if zones, ok := r.fresh.Get(agencyID); ok {
		return zones.([]model.Zone), nil
	}

	v, err, _ := r.group.Do(agencyID, func() (interface{}, error) {
		zones, err := r.source.ListActiveZones(ctx, agencyID)
		if err != nil {
			return nil, err
		}
		r.fresh.SetDefault(agencyID, zones)
		r.stale.SetDefault(agencyID, zones)
		return zones, nil
	})
	if err != nil {
		if zones, ok := r.stale.Get(agencyID); ok {
			r.logger.Warn("zone fetch failed, serving stale zones", "agency", agencyID, "err", err)
			return zones.([]model.Zone), nil
		}
		return nil, err
	}
	return v.([]model.Zone), nil
}

// Invalidate drops the fresh entry of an agency so the next read refetches.
// An empty agencyID invalidates every agency.
func (r *CachedZoneRegistry) Invalidate(agencyID string) {
	if agencyID == "" {
		r.fresh.Flush()
		return
	}
	r.fresh.Delete(agencyID)
}
