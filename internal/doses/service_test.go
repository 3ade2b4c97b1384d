package doses

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticGroupIDProvider struct {
	value string
	err   error
	calls int
}

func (p *staticGroupIDProvider) NewGroupID() (string, error) {
	p.calls++
	return p.value, p.err
}

func newTestService(t *testing.T, provider GroupIDProvider) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Dose{}); err != nil {
		t.Fatalf("failed to migrate dose schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: provider,
		Clock: func() time.Time {
			return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "doses.service.new.missing_database" {
		t.Fatalf("expected missing database service error, got %v", err)
	}
}

func TestCreateAndListOrderedByDate(t *testing.T) {
	service := newTestService(t, NewUUIDProvider())
	ctx := context.Background()

	for _, date := range []string{"2025-03-10", "2025-03-02", "2025-03-05"} {
		if _, err := service.Create(ctx, 1, Input{Peptide: "BPC-157", Amount: "250mcg", Date: date}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := service.Create(ctx, 2, Input{Peptide: "TB-500", Amount: "2mg", Date: "2025-03-01"}); err != nil {
		t.Fatalf("create for other user failed: %v", err)
	}

	doses, err := service.List(ctx, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	expected := []string{"2025-03-02", "2025-03-05", "2025-03-10"}
	if len(doses) != len(expected) {
		t.Fatalf("expected %d doses, got %d", len(expected), len(doses))
	}
	for index, date := range expected {
		if doses[index].Date != date {
			t.Fatalf("expected date %s at index %d, got %s", date, index, doses[index].Date)
		}
		if doses[index].UserID != 1 {
			t.Fatalf("expected doses scoped to user 1, got %d", doses[index].UserID)
		}
		if doses[index].GroupID != nil {
			t.Fatalf("expected single doses without group id")
		}
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	service := newTestService(t, NewUUIDProvider())
	testCases := []struct {
		name  string
		input Input
		want  error
	}{
		{name: "missing-peptide", input: Input{Peptide: "  ", Date: "2025-03-01"}, want: ErrInvalidPeptide},
		{name: "bad-date", input: Input{Peptide: "BPC-157", Date: "03/01/2025"}, want: ErrInvalidDate},
		{name: "impossible-date", input: Input{Peptide: "BPC-157", Date: "2025-02-30"}, want: ErrInvalidDate},
		{name: "missing-date", input: Input{Peptide: "BPC-157"}, want: ErrInvalidDate},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := service.Create(context.Background(), 1, testCase.input); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestCreateRequiresUser(t *testing.T) {
	service := newTestService(t, NewUUIDProvider())
	_, err := service.Create(context.Background(), 0, Input{Peptide: "BPC-157", Date: "2025-03-01"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "doses.create.missing_user_id" {
		t.Fatalf("expected missing user service error, got %v", err)
	}
}

func TestCreateBatchAssignsSharedGroupID(t *testing.T) {
	provider := &staticGroupIDProvider{value: "group-1"}
	service := newTestService(t, provider)

	inputs := []Input{
		{Peptide: "BPC-157", Amount: "250mcg", Date: "2025-03-01"},
		{Peptide: "BPC-157", Amount: "250mcg", Date: "2025-03-08"},
		{Peptide: "BPC-157", Amount: "250mcg", Date: "2025-03-15"},
	}
	created, err := service.CreateBatch(context.Background(), 1, inputs)
	if err != nil {
		t.Fatalf("batch create failed: %v", err)
	}
	if len(created) != len(inputs) {
		t.Fatalf("expected %d doses, got %d", len(inputs), len(created))
	}
	for _, dose := range created {
		if dose.GroupID == nil || *dose.GroupID != "group-1" {
			t.Fatalf("expected shared group id, got %v", dose.GroupID)
		}
		if dose.ID == 0 {
			t.Fatalf("expected persisted id")
		}
	}
	if provider.calls != 1 {
		t.Fatalf("expected one group id to be issued, got %d", provider.calls)
	}
}

func TestCreateBatchKeepsClientGroupID(t *testing.T) {
	provider := &staticGroupIDProvider{value: "unused"}
	service := newTestService(t, provider)

	created, err := service.CreateBatch(context.Background(), 1, []Input{
		{Peptide: "BPC-157", Date: "2025-03-01", GroupID: "1700000000000"},
		{Peptide: "BPC-157", Date: "2025-03-02", GroupID: "1700000000000"},
	})
	if err != nil {
		t.Fatalf("batch create failed: %v", err)
	}
	for _, dose := range created {
		if dose.GroupID == nil || *dose.GroupID != "1700000000000" {
			t.Fatalf("expected client group id to be kept, got %v", dose.GroupID)
		}
	}
	if provider.calls != 0 {
		t.Fatalf("expected no group id to be issued, got %d", provider.calls)
	}
}

func TestCreateBatchIsAllOrNothing(t *testing.T) {
	service := newTestService(t, NewUUIDProvider())

	_, err := service.CreateBatch(context.Background(), 1, []Input{
		{Peptide: "BPC-157", Date: "2025-03-01"},
		{Peptide: "BPC-157", Date: "not-a-date"},
	})
	if !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected invalid date error, got %v", err)
	}
	doses, err := service.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(doses) != 0 {
		t.Fatalf("expected no doses after rejected batch, got %d", len(doses))
	}

	if _, err := service.CreateBatch(context.Background(), 1, nil); err == nil {
		t.Fatalf("expected empty batch to be rejected")
	}
}

func TestUpdateAppliesOnlyProvidedFields(t *testing.T) {
	service := newTestService(t, NewUUIDProvider())
	ctx := context.Background()

	dose, err := service.Create(ctx, 1, Input{Peptide: "BPC-157", Notes: "left side", Date: "2025-03-01"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	completed := true
	updated, err := service.Update(ctx, 1, dose.ID, Patch{Completed: &completed})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.Completed {
		t.Fatalf("expected dose to be completed")
	}
	if updated.Notes != "left side" {
		t.Fatalf("expected notes to be preserved, got %q", updated.Notes)
	}

	notes := ""
	updated, err = service.Update(ctx, 1, dose.ID, Patch{Notes: &notes})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Notes != "" || !updated.Completed {
		t.Fatalf("unexpected dose after notes update: %#v", updated)
	}

	unchanged, err := service.Update(ctx, 1, dose.ID, Patch{})
	if err != nil {
		t.Fatalf("empty patch failed: %v", err)
	}
	if unchanged.ID != dose.ID {
		t.Fatalf("expected current dose for empty patch")
	}
}

func TestUpdateAndDeleteAreScopedToOwner(t *testing.T) {
	service := newTestService(t, NewUUIDProvider())
	ctx := context.Background()

	dose, err := service.Create(ctx, 1, Input{Peptide: "BPC-157", Date: "2025-03-01"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	completed := true
	if _, err := service.Update(ctx, 2, dose.ID, Patch{Completed: &completed}); !errors.Is(err, ErrDoseNotFound) {
		t.Fatalf("expected not found for foreign update, got %v", err)
	}
	if err := service.Delete(ctx, 2, dose.ID); !errors.Is(err, ErrDoseNotFound) {
		t.Fatalf("expected not found for foreign delete, got %v", err)
	}
	if err := service.Delete(ctx, 1, dose.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := service.Delete(ctx, 1, dose.ID); !errors.Is(err, ErrDoseNotFound) {
		t.Fatalf("expected not found for repeated delete, got %v", err)
	}
}

func TestListWithoutDatabaseReportsCode(t *testing.T) {
	service := &Service{}
	_, err := service.List(context.Background(), 1)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "doses.list.missing_database" {
		t.Fatalf("expected missing database code, got %v", err)
	}
}
