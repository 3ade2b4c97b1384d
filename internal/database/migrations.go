package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/calculator"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/doses"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeDoseUnits = "2025-02-01_normalize_calculator_dose_units"
	migrationClearEmptyGroupIDs = "2025-02-01_clear_empty_dose_group_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeDoseUnits, apply: normalizeDoseUnits},
		{name: migrationClearEmptyGroupIDs, apply: clearEmptyGroupIDs},
	}

	for _, migration := range migrations {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// migrationApplied counts instead of loading the record so a pending migration is not
// reported as a failed lookup by the gorm logger.
func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// normalizeDoseUnits lowercases stored units and replaces blanks with the calculator default.
func normalizeDoseUnits(db *gorm.DB) error {
	if err := db.Model(&calculator.Settings{}).
		Where("dose_unit = '' OR dose_unit IS NULL").
		Update("dose_unit", calculator.DoseUnitMicrograms).Error; err != nil {
		return err
	}
	return db.Model(&calculator.Settings{}).
		Where("dose_unit <> LOWER(dose_unit)").
		Update("dose_unit", gorm.Expr("LOWER(dose_unit)")).Error
}

// clearEmptyGroupIDs turns empty recurrence group ids into NULL so single doses stay ungrouped.
func clearEmptyGroupIDs(db *gorm.DB) error {
	return db.Model(&doses.Dose{}).
		Where("group_id = ''").
		Update("group_id", gorm.Expr("NULL")).Error
}
