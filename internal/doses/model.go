package doses

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout          = "2006-01-02"
	maxPeptideLength    = 190
	maxDoseAmountLength = 64
	maxGroupIDLength    = 64
)

var (
	// ErrInvalidPeptide indicates the peptide name is empty or exceeds storage bounds.
	ErrInvalidPeptide = errors.New("doses: invalid peptide")
	// ErrInvalidDate indicates the scheduled date is not a YYYY-MM-DD calendar date.
	ErrInvalidDate = errors.New("doses: invalid date")
	// ErrInvalidAmount indicates the dose amount exceeds storage bounds.
	ErrInvalidAmount = errors.New("doses: invalid amount")
	// ErrInvalidGroupID indicates the recurrence group id exceeds storage bounds.
	ErrInvalidGroupID = errors.New("doses: invalid group id")
	// ErrDoseNotFound indicates the dose does not exist or belongs to another user.
	ErrDoseNotFound = errors.New("doses: dose not found")
)

// Dose is a single scheduled (or taken) administration on the calendar.
type Dose struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64     `gorm:"column:user_id;not null;index:idx_doses_user_date,priority:1"`
	Peptide   string    `gorm:"column:peptide;size:190;not null"`
	Amount    string    `gorm:"column:dose;size:64;not null;default:''"`
	Notes     string    `gorm:"column:notes;type:text;not null;default:''"`
	Date      string    `gorm:"column:date;size:10;not null;index:idx_doses_user_date,priority:2"`
	GroupID   *string   `gorm:"column:group_id;size:64;index"`
	Completed bool      `gorm:"column:completed;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Dose) TableName() string {
	return "doses"
}

// Input describes a dose a client wants to schedule.
type Input struct {
	Peptide string
	Amount  string
	Notes   string
	Date    string
	GroupID string
}

// Patch carries the mutable fields of a dose; nil leaves the stored value untouched.
type Patch struct {
	Completed *bool
	Notes     *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Completed == nil && p.Notes == nil
}

func (input Input) validate() (Input, error) {
	normalized := Input{
		Peptide: strings.TrimSpace(input.Peptide),
		Amount:  strings.TrimSpace(input.Amount),
		Notes:   input.Notes,
		Date:    strings.TrimSpace(input.Date),
		GroupID: strings.TrimSpace(input.GroupID),
	}
	if normalized.Peptide == "" {
		return Input{}, fmt.Errorf("%w: empty", ErrInvalidPeptide)
	}
	if len(normalized.Peptide) > maxPeptideLength {
		return Input{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidPeptide, maxPeptideLength)
	}
	if len(normalized.Amount) > maxDoseAmountLength {
		return Input{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidAmount, maxDoseAmountLength)
	}
	if len(normalized.GroupID) > maxGroupIDLength {
		return Input{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidGroupID, maxGroupIDLength)
	}
	if _, err := time.Parse(dateLayout, normalized.Date); err != nil {
		return Input{}, fmt.Errorf("%w: %q", ErrInvalidDate, normalized.Date)
	}
	return normalized, nil
}

func (input Input) toDose(userID int64) Dose {
	dose := Dose{
		UserID:  userID,
		Peptide: input.Peptide,
		Amount:  input.Amount,
		Notes:   input.Notes,
		Date:    input.Date,
	}
	if input.GroupID != "" {
		groupID := input.GroupID
		dose.GroupID = &groupID
	}
	return dose
}
