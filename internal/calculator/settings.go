package calculator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DoseUnitMicrograms = "mcg"
	DoseUnitMilligrams = "mg"

	defaultSyringeSize   = "1.0"
	defaultPeptideAmount = 5
	defaultWaterAmount   = 2
	defaultDesiredDose   = 250
)

// ErrInvalidSettings indicates the submitted calculator settings cannot be stored.
var ErrInvalidSettings = errors.New("calculator: invalid settings")

// Settings are the last values a user entered into the reconstitution calculator.
type Settings struct {
	UserID        int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	SyringeSize   string    `gorm:"column:syringe_size;size:16;not null"`
	PeptideAmount float64   `gorm:"column:peptide_amount;not null"`
	WaterAmount   float64   `gorm:"column:water_amount;not null"`
	DesiredDose   float64   `gorm:"column:desired_dose;not null"`
	DoseUnit      string    `gorm:"column:dose_unit;size:8;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Settings) TableName() string {
	return "calculator_settings"
}

// DefaultSettings returns the values shown before a user saves anything.
func DefaultSettings(userID int64) Settings {
	return Settings{
		UserID:        userID,
		SyringeSize:   defaultSyringeSize,
		PeptideAmount: defaultPeptideAmount,
		WaterAmount:   defaultWaterAmount,
		DesiredDose:   defaultDesiredDose,
		DoseUnit:      DoseUnitMicrograms,
	}
}

func (s Settings) validate() (Settings, error) {
	normalized := s
	normalized.SyringeSize = strings.TrimSpace(s.SyringeSize)
	normalized.DoseUnit = strings.ToLower(strings.TrimSpace(s.DoseUnit))

	if normalized.SyringeSize == "" {
		normalized.SyringeSize = defaultSyringeSize
	}
	size, err := strconv.ParseFloat(normalized.SyringeSize, 64)
	if err != nil || size <= 0 {
		return Settings{}, fmt.Errorf("%w: syringe_size %q", ErrInvalidSettings, s.SyringeSize)
	}
	if normalized.DoseUnit != DoseUnitMicrograms && normalized.DoseUnit != DoseUnitMilligrams {
		return Settings{}, fmt.Errorf("%w: dose_unit %q", ErrInvalidSettings, s.DoseUnit)
	}
	for name, value := range map[string]float64{
		"peptide_amount": normalized.PeptideAmount,
		"water_amount":   normalized.WaterAmount,
		"desired_dose":   normalized.DesiredDose,
	} {
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return Settings{}, fmt.Errorf("%w: %s %v", ErrInvalidSettings, name, value)
		}
	}
	return normalized, nil
}
