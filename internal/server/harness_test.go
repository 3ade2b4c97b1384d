package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/calculator"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/doses"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSSOSecret = "s3cr3t"
	// external_id=42&username=alice&email=a@x.com
	testSSOPayload = "ZXh0ZXJuYWxfaWQ9NDImdXNlcm5hbWU9YWxpY2UmZW1haWw9YUB4LmNvbQ=="
	testOrigin     = "https://app.example.com"
)

type testHarnessConfig struct {
	environment    auth.Environment
	unsignedPolicy auth.UnsignedPolicy
	store          auth.IdentityStore
	logger         *zap.Logger
}

type testHarness struct {
	handler  http.Handler
	db       *gorm.DB
	verifier *auth.SignatureVerifier
	realtime *RealtimeDispatcher
}

func newTestHarness(t *testing.T, cfg testHarnessConfig) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	environment := cfg.environment
	if environment == "" {
		environment = auth.EnvironmentProduction
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open(database.DriverSQLite, dsn, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	store := cfg.store
	if store == nil {
		userService, err := users.NewService(users.ServiceConfig{Database: db})
		if err != nil {
			t.Fatalf("failed to create user service: %v", err)
		}
		store = userService
	}

	verifier := auth.NewSignatureVerifier([]byte(testSSOSecret))
	gate, err := auth.NewGate(auth.GateConfig{
		Verifier:       verifier,
		Store:          store,
		Environment:    environment,
		UnsignedPolicy: cfg.unsignedPolicy,
	})
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}

	doseService, err := doses.NewService(doses.ServiceConfig{
		Database:   db,
		IDProvider: doses.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create dose service: %v", err)
	}
	calculatorService, err := calculator.NewService(calculator.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create calculator service: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Gate:              gate,
		DoseService:       doseService,
		CalculatorService: calculatorService,
		HealthCheck: func(ctx context.Context) error {
			return database.Ping(ctx, db)
		},
		Realtime:          dispatcher,
		CORSOrigins:       []string{testOrigin},
		HeartbeatInterval: time.Hour,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testHarness{
		handler:  handler,
		db:       db,
		verifier: verifier,
		realtime: dispatcher,
	}
}

func (h *testHarness) do(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *testHarness) signedRequest(method, target string, body io.Reader) *http.Request {
	request := httptest.NewRequest(method, target, body)
	request.Header.Set(auth.HeaderSSOPayload, testSSOPayload)
	request.Header.Set(auth.HeaderSSOSignature, h.verifier.Sign(testSSOPayload))
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return request
}

func (h *testHarness) countUsers(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&users.User{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	return count
}
