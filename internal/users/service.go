package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claim did not contain a usable external id or username.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no user row exists for the requested external id.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for user persistence.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service is the identity store: it owns the users table and upserts claims keyed by external id.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// UpsertUser inserts the claim or, when the external id already exists, overwrites username and email.
// The unique index on external_id makes concurrent upserts for one identity converge on a single row.
func (s *Service) UpsertUser(ctx context.Context, claim auth.Claim) (auth.StoredUser, error) {
	username := normalize(claim.Username)
	if claim.ExternalID <= 0 || username == "" {
		return auth.StoredUser{}, ErrInvalidIdentity
	}

	now := s.now().UTC()
	record := User{
		ExternalID: claim.ExternalID,
		Username:   username,
		Email:      normalize(claim.Email),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"username":   record.Username,
				"email":      record.Email,
				"updated_at": now,
			}),
		}).Create(&record)
		if upsert.Error != nil {
			return upsert.Error
		}
		return tx.Where("external_id = ?", claim.ExternalID).Take(&record).Error
	})
	if err != nil {
		return auth.StoredUser{}, err
	}

	return toStoredUser(record), nil
}

// FindByExternalID loads the user row for the provided forum account id.
func (s *Service) FindByExternalID(ctx context.Context, externalID int64) (User, error) {
	var record User
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return record, nil
}

func toStoredUser(record User) auth.StoredUser {
	return auth.StoredUser{
		ID:         record.ID,
		ExternalID: record.ExternalID,
		Username:   record.Username,
		Email:      record.Email,
	}
}
