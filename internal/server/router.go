package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/calculator"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/doses"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "pepplanner_identity"

var (
	errMissingGate              = errors.New("session trust gate dependency required")
	errMissingDoseService       = errors.New("dose service dependency required")
	errMissingCalculatorService = errors.New("calculator service dependency required")
	errMissingHealthCheck       = errors.New("health check dependency required")
)

// Authenticator resolves the identity behind a request's credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials auth.Credentials) (auth.Identity, error)
}

type Dependencies struct {
	Gate              Authenticator
	DoseService       *doses.Service
	CalculatorService *calculator.Service
	HealthCheck       func(ctx context.Context) error
	Realtime          *RealtimeDispatcher
	CORSOrigins       []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.DoseService == nil {
		return nil, errMissingDoseService
	}
	if deps.CalculatorService == nil {
		return nil, errMissingCalculatorService
	}
	if deps.HealthCheck == nil {
		return nil, errMissingHealthCheck
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigins))

	handler := &httpHandler{
		gate:              deps.Gate,
		doseService:       deps.DoseService,
		calculatorService: deps.CalculatorService,
		healthCheck:       deps.HealthCheck,
		realtime:          realtime,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/api/health", handler.handleHealth)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.GET("/calculator", handler.handleGetCalculator)
	protected.POST("/calculator", handler.handleSaveCalculator)
	protected.GET("/doses", handler.handleListDoses)
	protected.POST("/doses", handler.handleCreateDose)
	protected.POST("/doses/batch", handler.handleCreateDoseBatch)
	protected.GET("/doses/stream", handler.handleDoseStream)
	protected.PATCH("/doses/:id", handler.handleUpdateDose)
	protected.DELETE("/doses/:id", handler.handleDeleteDose)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			"Content-Type",
			auth.HeaderSSOPayload,
			auth.HeaderSSOSignature,
			auth.HeaderDevUserID,
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			config.AllowAllOrigins = true
			config.AllowCredentials = false
		}
	}
	if !config.AllowAllOrigins {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	gate              Authenticator
	doseService       *doses.Service
	calculatorService *calculator.Service
	healthCheck       func(ctx context.Context) error
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

// authorizeRequest is the single chokepoint for protected routes. Client-side rejections
// share one generic body so callers cannot tell which check failed.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.gate.Authenticate(c.Request.Context(), auth.CredentialsFromRequest(c.Request))
	if err != nil {
		reason := auth.RejectionReason(err)
		switch {
		case errors.Is(err, auth.ErrStoreUnavailable):
			h.logger.Error("identity upsert failed", zap.String("reason", reason), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication_failed"})
			return
		case errors.Is(err, auth.ErrCredentialsMissing):
			h.logger.Info("request rejected", zap.String("reason", reason), zap.String("path", c.FullPath()))
		default:
			h.logger.Warn("request rejected", zap.String("reason", reason), zap.String("path", c.FullPath()), zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if identity.Tier == auth.TrustTierBypass {
		h.logger.Warn("development bypass identity accepted", zap.Int64("user_id", identity.UserID))
	}

	c.Set(identityContextKey, identity)
	c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), identity))
	c.Next()
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	if !ok || identity.UserID <= 0 {
		return auth.Identity{}, false
	}
	return identity, true
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.healthCheck(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "database": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": "connected"})
}

type identityPayload struct {
	ID         int64  `json:"id"`
	ExternalID int64  `json:"external_id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	TrustTier  string `json:"trust_tier"`
}

func (h *httpHandler) handleMe(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, identityPayload{
		ID:         identity.UserID,
		ExternalID: identity.ExternalID,
		Username:   identity.Username,
		Email:      identity.Email,
		Name:       identity.DisplayName,
		TrustTier:  string(identity.Tier),
	})
}

func serviceErrorBody(fallback string, err error) gin.H {
	body := gin.H{"error": fallback}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	return body
}
