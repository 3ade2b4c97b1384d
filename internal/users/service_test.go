package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
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
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func countUsers(t *testing.T, db *gorm.DB, externalID int64) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&User{}).Where("external_id = ?", externalID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	return count
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestUpsertUserCreatesThenUpdates(t *testing.T) {
	service, db := newTestService(t)

	first, err := service.UpsertUser(context.Background(), auth.Claim{ExternalID: 42, Username: "alice", Email: "a@x.com"})
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if first.ID == 0 {
		t.Fatalf("expected a canonical id to be assigned")
	}

	second, err := service.UpsertUser(context.Background(), auth.Claim{ExternalID: 42, Username: "alice2", Email: "alice@new.example"})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected stable canonical id, got %d then %d", first.ID, second.ID)
	}
	if second.Username != "alice2" || second.Email != "alice@new.example" {
		t.Fatalf("expected overwritten username and email, got %#v", second)
	}

	if count := countUsers(t, db, 42); count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}

	stored, err := service.FindByExternalID(context.Background(), 42)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Username != "alice2" {
		t.Fatalf("expected stored username to reflect the latest claim, got %q", stored.Username)
	}
}

func TestUpsertUserClearsEmailWhenClaimOmitsIt(t *testing.T) {
	service, _ := newTestService(t)

	if _, err := service.UpsertUser(context.Background(), auth.Claim{ExternalID: 5, Username: "bob", Email: "b@x.com"}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	updated, err := service.UpsertUser(context.Background(), auth.Claim{ExternalID: 5, Username: "bob"})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if updated.Email != "" {
		t.Fatalf("expected email to be overwritten with the claim value, got %q", updated.Email)
	}
}

func TestUpsertUserKeepsIdentitiesApart(t *testing.T) {
	service, _ := newTestService(t)

	alice, err := service.UpsertUser(context.Background(), auth.Claim{ExternalID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	bob, err := service.UpsertUser(context.Background(), auth.Claim{ExternalID: 2, Username: "bob"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if alice.ID == bob.ID {
		t.Fatalf("expected distinct canonical ids")
	}
}

func TestUpsertUserConcurrentCallsConverge(t *testing.T) {
	service, db := newTestService(t)

	const workers = 8
	var waitGroup sync.WaitGroup
	errs := make(chan error, workers)
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			_, err := service.UpsertUser(context.Background(), auth.Claim{
				ExternalID: 99,
				Username:   fmt.Sprintf("racer-%d", index),
			})
			errs <- err
		}(index)
	}
	waitGroup.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert failed: %v", err)
		}
	}
	if count := countUsers(t, db, 99); count != 1 {
		t.Fatalf("expected one row after concurrent upserts, got %d", count)
	}
}

func TestUpsertUserRejectsInvalidClaims(t *testing.T) {
	service, _ := newTestService(t)

	claims := []auth.Claim{
		{ExternalID: 0, Username: "alice"},
		{ExternalID: 42, Username: "   "},
	}
	for _, claim := range claims {
		if _, err := service.UpsertUser(context.Background(), claim); !errors.Is(err, ErrInvalidIdentity) {
			t.Fatalf("expected ErrInvalidIdentity for %#v, got %v", claim, err)
		}
	}
}

func TestFindByExternalIDMissing(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.FindByExternalID(context.Background(), 404); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestGateWithUserServiceStoresSingleRow(t *testing.T) {
	service, db := newTestService(t)
	verifier := auth.NewSignatureVerifier([]byte("s3cr3t"))
	gate, err := auth.NewGate(auth.GateConfig{
		Verifier:    verifier,
		Store:       service,
		Environment: auth.EnvironmentProduction,
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}

	for _, username := range []string{"alice", "alice-renamed"} {
		payload := auth.EncodePayload(auth.Claim{ExternalID: 42, Username: username, Email: "a@x.com"})
		identity, err := gate.Authenticate(context.Background(), auth.Credentials{
			Payload:   payload,
			Signature: verifier.Sign(payload),
		})
		if err != nil {
			t.Fatalf("authentication failed: %v", err)
		}
		if identity.Username != username {
			t.Fatalf("expected identity username %q, got %q", username, identity.Username)
		}
	}

	if count := countUsers(t, db, 42); count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}
}
