package doses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("group id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errEmptyBatch        = errors.New("batch must contain at least one dose")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "doses.service.new"
	opListDoses    = "doses.list"
	opCreateDose   = "doses.create"
	opCreateBatch  = "doses.create_batch"
	opUpdateDose   = "doses.update"
	opDeleteDose   = "doses.delete"
	queryOwnedDose = "id = ? AND user_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the dose service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider GroupIDProvider
	Logger     *zap.Logger
}

// Service stores calendar doses scoped to their owning user.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider GroupIDProvider
	logger     *zap.Logger
}

// NewService constructs the dose service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// List returns every dose of the user ordered by calendar date.
func (s *Service) List(ctx context.Context, userID int64) ([]Dose, error) {
	if err := s.ready(opListDoses, userID); err != nil {
		return nil, err
	}

	var doses []Dose
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("date ASC").
		Order("id ASC").
		Find(&doses).Error; err != nil {
		s.logError(opListDoses, "query_failed", err, zap.Int64("user_id", userID))
		return nil, newServiceError(opListDoses, "query_failed", err)
	}
	return doses, nil
}

// Create schedules a single dose.
func (s *Service) Create(ctx context.Context, userID int64, input Input) (Dose, error) {
	if err := s.ready(opCreateDose, userID); err != nil {
		return Dose{}, err
	}
	normalized, err := input.validate()
	if err != nil {
		return Dose{}, err
	}

	dose := normalized.toDose(userID)
	dose.CreatedAt = s.clock().UTC()
	dose.UpdatedAt = dose.CreatedAt
	if err := s.db.WithContext(ctx).Create(&dose).Error; err != nil {
		s.logError(opCreateDose, "insert_failed", err, zap.Int64("user_id", userID))
		return Dose{}, newServiceError(opCreateDose, "insert_failed", err)
	}
	return dose, nil
}

// CreateBatch schedules a recurring series atomically. Entries without a group id share
// a freshly issued one so the series can be recognized later.
func (s *Service) CreateBatch(ctx context.Context, userID int64, inputs []Input) ([]Dose, error) {
	if err := s.ready(opCreateBatch, userID); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, newServiceError(opCreateBatch, "empty_batch", errEmptyBatch)
	}

	normalized := make([]Input, 0, len(inputs))
	needsGroupID := false
	for _, input := range inputs {
		validated, err := input.validate()
		if err != nil {
			return nil, err
		}
		if validated.GroupID == "" {
			needsGroupID = true
		}
		normalized = append(normalized, validated)
	}

	if needsGroupID {
		groupID, err := s.idProvider.NewGroupID()
		if err != nil {
			s.logError(opCreateBatch, "id_generation_failed", err, zap.Int64("user_id", userID))
			return nil, newServiceError(opCreateBatch, "id_generation_failed", err)
		}
		for index := range normalized {
			if normalized[index].GroupID == "" {
				normalized[index].GroupID = groupID
			}
		}
	}

	createdAt := s.clock().UTC()
	created := make([]Dose, 0, len(normalized))
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, input := range normalized {
			dose := input.toDose(userID)
			dose.CreatedAt = createdAt
			dose.UpdatedAt = createdAt
			if err := tx.Create(&dose).Error; err != nil {
				s.logError(opCreateBatch, "insert_failed", err,
					zap.Int64("user_id", userID),
					zap.String("date", input.Date))
				return newServiceError(opCreateBatch, "insert_failed", err)
			}
			created = append(created, dose)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return created, nil
}

// Update applies a patch to a dose owned by the user.
func (s *Service) Update(ctx context.Context, userID, doseID int64, patch Patch) (Dose, error) {
	if err := s.ready(opUpdateDose, userID); err != nil {
		return Dose{}, err
	}

	var dose Dose
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(queryOwnedDose, doseID, userID).Take(&dose).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDoseNotFound
		}
		if err != nil {
			s.logError(opUpdateDose, "select_failed", err,
				zap.Int64("user_id", userID),
				zap.Int64("dose_id", doseID))
			return newServiceError(opUpdateDose, "select_failed", err)
		}
		if patch.Empty() {
			return nil
		}

		updates := map[string]interface{}{
			"updated_at": s.clock().UTC(),
		}
		if patch.Completed != nil {
			updates["completed"] = *patch.Completed
		}
		if patch.Notes != nil {
			updates["notes"] = *patch.Notes
		}
		if err := tx.Model(&Dose{}).Where(queryOwnedDose, doseID, userID).Updates(updates).Error; err != nil {
			s.logError(opUpdateDose, "update_failed", err,
				zap.Int64("user_id", userID),
				zap.Int64("dose_id", doseID))
			return newServiceError(opUpdateDose, "update_failed", err)
		}
		return tx.Where(queryOwnedDose, doseID, userID).Take(&dose).Error
	})
	if txErr != nil {
		return Dose{}, txErr
	}
	return dose, nil
}

// Delete removes a dose owned by the user.
func (s *Service) Delete(ctx context.Context, userID, doseID int64) error {
	if err := s.ready(opDeleteDose, userID); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Where(queryOwnedDose, doseID, userID).Delete(&Dose{})
	if result.Error != nil {
		s.logError(opDeleteDose, "delete_failed", result.Error,
			zap.Int64("user_id", userID),
			zap.Int64("dose_id", doseID))
		return newServiceError(opDeleteDose, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDoseNotFound
	}
	return nil
}

func (s *Service) ready(operation string, userID int64) error {
	if s == nil || s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return newServiceError(operation, "missing_database", errMissingDatabase)
	}
	if userID <= 0 {
		return newServiceError(operation, "missing_user_id", errMissingUserID)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("doses service error", attrs...)
}
