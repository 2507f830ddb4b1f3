package service

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"salesfloor/proximity/internal/model"
)

// ConfigProvider resolves a vendor's effective proximity config
type ConfigProvider interface {
	Get(ctx context.Context, vendorID, zoneID string) (model.VendorProximityConfig, error)
}

// VendorConfigService stores vendor proximity configs, with optional per-zone overrides
type VendorConfigService struct {
	db *gorm.DB
}

// NewVendorConfigService creates a new vendor config service
func NewVendorConfigService(db *gorm.DB) *VendorConfigService {
	return &VendorConfigService{db: db}
}

// Get returns the config for vendorID in zoneID. A zone override wins over the global row;
// a vendor with no row at all gets the inert default.
func (s *VendorConfigService) Get(ctx context.Context, vendorID, zoneID string) (model.VendorProximityConfig, error) {
	if zoneID != "" {
		cfg, err := s.find(ctx, vendorID, zoneID)
		if err == nil {
			return cfg.Normalize(), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return model.VendorProximityConfig{}, err
		}
	}

	cfg, err := s.find(ctx, vendorID, "")
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.InertConfig(vendorID), nil
	}
	if err != nil {
		return model.VendorProximityConfig{}, err
	}
	cfg.ZoneID = zoneID
	return cfg.Normalize(), nil
}

func (s *VendorConfigService) find(ctx context.Context, vendorID, zoneID string) (model.VendorProximityConfig, error) {
	var cfg model.VendorProximityConfig
	err := s.db.WithContext(ctx).
		Where("vendor_id = ? AND zone_id = ?", vendorID, zoneID).
		First(&cfg).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return cfg, fmt.Errorf("load config for vendor %s: %w", vendorID, err)
	}
	return cfg, err
}

// Update validates and upserts a config row keyed by vendor and zone
func (s *VendorConfigService) Update(ctx context.Context, cfg model.VendorProximityConfig) (model.VendorProximityConfig, error) {
	if err := ValidateConfig(cfg); err != nil {
		return model.VendorProximityConfig{}, err
	}
	cfg = cfg.Normalize()
	cfg.ID = 0
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "vendor_id"}, {Name: "zone_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"agency_id", "system_active", "mode", "gps_precision", "poll_interval_seconds",
			"background_recording_allowed", "notify_on_entry", "notify_on_exit", "notify_on_recording", "updated_at",
		}),
	}).Create(&cfg).Error
	if err != nil {
		return model.VendorProximityConfig{}, fmt.Errorf("save config for vendor %s: %w", cfg.VendorID, err)
	}
	return s.find(ctx, cfg.VendorID, cfg.ZoneID)
}

// List returns every config row of a vendor, global first
func (s *VendorConfigService) List(ctx context.Context, vendorID string) ([]model.VendorProximityConfig, error) {
	var cfgs []model.VendorProximityConfig
	err := s.db.WithContext(ctx).Where("vendor_id = ?", vendorID).Order("zone_id").Find(&cfgs).Error
	return cfgs, err
}

// ValidateConfig rejects configs with unknown enums or out-of-range polling
func ValidateConfig(cfg model.VendorProximityConfig) error {
	if cfg.VendorID == "" {
		return fmt.Errorf("%w: vendor_id is required", ErrInvalidConfig)
	}
	if cfg.Mode != "" && !cfg.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}
	switch cfg.GPSPrecision {
	case "", model.PrecisionLow, model.PrecisionMedium, model.PrecisionHigh:
	default:
		return fmt.Errorf("%w: unknown gps precision %q", ErrInvalidConfig, cfg.GPSPrecision)
	}
	if cfg.PollIntervalSeconds != 0 && cfg.PollIntervalSeconds < model.MinPollIntervalSeconds {
		return fmt.Errorf("%w: poll interval must be at least %ds", ErrInvalidConfig, model.MinPollIntervalSeconds)
	}
	return nil
}
