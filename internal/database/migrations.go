package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearInactiveMembershipWindows = "2026-10-01_clear_inactive_membership_windows"

// migrationRecord marks a one-shot data migration as applied.
type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type dataMigration struct {
	name  string
	apply func(tx *gorm.DB) error
}

// dataMigrations run in order, each at most once per database.
var dataMigrations = []dataMigration{
	{name: migrationClearInactiveMembershipWindows, apply: clearInactiveMembershipWindows},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var appliedNames []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &appliedNames).Error; err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}
	applied := make(map[string]struct{}, len(appliedNames))
	for _, name := range appliedNames {
		applied[name] = struct{}{}
	}

	for _, migration := range dataMigrations {
		if _, done := applied[migration.name]; done {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			record := migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}
			return tx.Create(&record).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// clearInactiveMembershipWindows nulls the window on every non-active row.
func clearInactiveMembershipWindows(tx *gorm.DB) error {
	return tx.Model(&users.User{}).
		Where("membership_status <> ?", users.MembershipActive).
		Where("membership_start_at IS NOT NULL OR membership_end_at IS NOT NULL").
		Updates(map[string]interface{}{
			"membership_start_at": nil,
			"membership_end_at":   nil,
		}).Error
}
