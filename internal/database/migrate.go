package database

import (
	"fmt"

	"gorm.io/gorm"

	"marketpulse/internal/model"
	"marketpulse/pkg/log"
)

// AutoMigrate creates or updates the pipeline tables. Schema
// migrations for the wider system live outside the core; this covers
// the tables the pipeline owns plus the read-only alerts table for
// local development.
func AutoMigrate(db *gorm.DB) error {
	models := []interface{}{
		&model.CanonicalListing{},
		&model.Alert{},
		&model.AlertMatch{},
		&model.NotificationAttempt{},
	}

	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("auto migrate %T: %w", m, err)
		}
	}

	log.Info("Database migration completed")
	return nil
}
