package calculator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingUserID = errors.New("calculator: user identifier is required")

// ServiceConfig describes the dependencies of the calculator settings service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service persists one settings row per user.
type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewService constructs the calculator settings service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("calculator: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock}, nil
}

// Get returns the stored settings, or the defaults when the user never saved any.
func (s *Service) Get(ctx context.Context, userID int64) (Settings, error) {
	if userID <= 0 {
		return Settings{}, errMissingUserID
	}
	var settings Settings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultSettings(userID), nil
	}
	if err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Save upserts the user's settings.
func (s *Service) Save(ctx context.Context, userID int64, settings Settings) (Settings, error) {
	if userID <= 0 {
		return Settings{}, errMissingUserID
	}
	normalized, err := settings.validate()
	if err != nil {
		return Settings{}, err
	}
	now := s.clock().UTC()
	normalized.UserID = userID
	normalized.CreatedAt = now
	normalized.UpdatedAt = now

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"syringe_size":   normalized.SyringeSize,
				"peptide_amount": normalized.PeptideAmount,
				"water_amount":   normalized.WaterAmount,
				"desired_dose":   normalized.DesiredDose,
				"dose_unit":      normalized.DoseUnit,
				"updated_at":     now,
			}),
		}).Create(&normalized)
		if upsert.Error != nil {
			return upsert.Error
		}
		return tx.Where("user_id = ?", userID).Take(&normalized).Error
	})
	if err != nil {
		return Settings{}, err
	}
	return normalized, nil
}
