package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/calculator"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type calculatorPayload struct {
	SyringeSize   string  `json:"syringe_size"`
	PeptideAmount float64 `json:"peptide_amount"`
	WaterAmount   float64 `json:"water_amount"`
	DesiredDose   float64 `json:"desired_dose"`
	DoseUnit      string  `json:"dose_unit"`
}

type calculatorRequestPayload struct {
	SyringeSize   looseString `json:"syringe_size"`
	PeptideAmount looseFloat  `json:"peptide_amount"`
	WaterAmount   looseFloat  `json:"water_amount"`
	DesiredDose   looseFloat  `json:"desired_dose"`
	DoseUnit      string      `json:"dose_unit"`
}

func toCalculatorPayload(settings calculator.Settings) calculatorPayload {
	return calculatorPayload{
		SyringeSize:   settings.SyringeSize,
		PeptideAmount: settings.PeptideAmount,
		WaterAmount:   settings.WaterAmount,
		DesiredDose:   settings.DesiredDose,
		DoseUnit:      settings.DoseUnit,
	}
}

func (h *httpHandler) handleGetCalculator(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	settings, err := h.calculatorService.Get(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to fetch calculator settings", zap.Int64("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	c.JSON(http.StatusOK, toCalculatorPayload(settings))
}

func (h *httpHandler) handleSaveCalculator(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request calculatorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	saved, err := h.calculatorService.Save(c.Request.Context(), identity.UserID, calculator.Settings{
		SyringeSize:   normalizeSyringeSize(string(request.SyringeSize)),
		PeptideAmount: float64(request.PeptideAmount),
		WaterAmount:   float64(request.WaterAmount),
		DesiredDose:   float64(request.DesiredDose),
		DoseUnit:      request.DoseUnit,
	})
	if errors.Is(err, calculator.ErrInvalidSettings) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_settings"})
		return
	}
	if err != nil {
		h.logger.Error("failed to save calculator settings", zap.Int64("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusOK, toCalculatorPayload(saved))
}

// normalizeSyringeSize renders whole sizes with one decimal so 1 and "1.0" store alike.
func normalizeSyringeSize(raw string) string {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return raw
	}
	if value == math.Trunc(value) {
		return strconv.FormatFloat(value, 'f', 1, 64)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
