package service

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"salesfloor/proximity/internal/model"
)

// OpenDatabase connects to postgres or sqlite. verbose enables gorm's SQL logging.
func OpenDatabase(driver, url string, verbose bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(url)
	case "sqlite":
		dialector = sqlite.Open(url)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	level := logger.Silent
	if verbose {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return db, nil
}

// AutoMigrate creates or updates the tables the service owns plus the zone table it reads
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Zone{},
		&model.VendorProximityConfig{},
		&model.ProximitySession{},
		&model.RecordingHandle{},
	)
}
