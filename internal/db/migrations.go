package db

import (
	"fmt"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Log tables (outgoing messages, live events, webhook history)
		{
			ID: "001_log_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&OutgoingMessage{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&LiveEvent{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&WebhookDelivery{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("outgoing_messages", "live_events", "webhook_history")
			},
		},

		// Migration 002: Settings table with seeded defaults
		{
			ID: "002_settings",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Setting{}); err != nil {
					return err
				}

				now := time.Now().Format(time.RFC3339)
				defaults := []Setting{
					{Key: SettingLoggingEnabled, Value: "true", UpdatedAt: now},
					{Key: SettingRetentionDays, Value: "30", UpdatedAt: now},
					{Key: SettingMaxRecords, Value: "10000", UpdatedAt: now},
				}
				return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("settings")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
