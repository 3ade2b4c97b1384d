package server

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/doses"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type dosePayload struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Peptide   string    `json:"peptide"`
	Dose      string    `json:"dose"`
	Notes     string    `json:"notes"`
	Date      string    `json:"date"`
	GroupID   *string   `json:"group_id"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type doseRequestPayload struct {
	Peptide string      `json:"peptide"`
	Dose    looseString `json:"dose"`
	Notes   *string     `json:"notes"`
	Date    string      `json:"date"`
	GroupID looseString `json:"group_id"`
}

type doseBatchRequestPayload struct {
	Doses []doseRequestPayload `json:"doses"`
}

type dosePatchRequestPayload struct {
	Completed *bool   `json:"completed"`
	Notes     *string `json:"notes"`
}

type realtimeEventPayload struct {
	DoseIDs   []int64 `json:"dose_ids,omitempty"`
	Timestamp int64   `json:"timestamp_s"`
	Source    string  `json:"source"`
}

func (p doseRequestPayload) toInput() doses.Input {
	input := doses.Input{
		Peptide: p.Peptide,
		Amount:  string(p.Dose),
		Date:    p.Date,
		GroupID: string(p.GroupID),
	}
	if p.Notes != nil {
		input.Notes = *p.Notes
	}
	return input
}

func toDosePayload(dose doses.Dose) dosePayload {
	return dosePayload{
		ID:        dose.ID,
		UserID:    dose.UserID,
		Peptide:   dose.Peptide,
		Dose:      dose.Amount,
		Notes:     dose.Notes,
		Date:      dose.Date,
		GroupID:   dose.GroupID,
		Completed: dose.Completed,
		CreatedAt: dose.CreatedAt,
		UpdatedAt: dose.UpdatedAt,
	}
}

func (h *httpHandler) handleListDoses(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stored, err := h.doseService.List(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to list doses", zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody("list_failed", err))
		return
	}

	response := make([]dosePayload, 0, len(stored))
	for _, dose := range stored {
		response = append(response, toDosePayload(dose))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateDose(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request doseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.doseService.Create(c.Request.Context(), identity.UserID, request.toInput())
	if err != nil {
		h.respondDoseError(c, "create_failed", err)
		return
	}

	h.publishDoseChange(identity.UserID, []doses.Dose{created})
	c.JSON(http.StatusOK, toDosePayload(created))
}

func (h *httpHandler) handleCreateDoseBatch(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request doseBatchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Doses) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	inputs := make([]doses.Input, 0, len(request.Doses))
	for _, entry := range request.Doses {
		inputs = append(inputs, entry.toInput())
	}

	created, err := h.doseService.CreateBatch(c.Request.Context(), identity.UserID, inputs)
	if err != nil {
		h.respondDoseError(c, "create_failed", err)
		return
	}

	h.publishDoseChange(identity.UserID, created)
	response := make([]dosePayload, 0, len(created))
	for _, dose := range created {
		response = append(response, toDosePayload(dose))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUpdateDose(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	doseID, ok := parseDoseID(c)
	if !ok {
		return
	}

	// An empty body is an empty patch.
	var request dosePatchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updated, err := h.doseService.Update(c.Request.Context(), identity.UserID, doseID, doses.Patch{
		Completed: request.Completed,
		Notes:     request.Notes,
	})
	if err != nil {
		h.respondDoseError(c, "update_failed", err)
		return
	}

	h.publishDoseChange(identity.UserID, []doses.Dose{updated})
	c.JSON(http.StatusOK, toDosePayload(updated))
}

func (h *httpHandler) handleDeleteDose(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	doseID, ok := parseDoseID(c)
	if !ok {
		return
	}

	if err := h.doseService.Delete(c.Request.Context(), identity.UserID, doseID); err != nil {
		h.respondDoseError(c, "delete_failed", err)
		return
	}

	h.publishDoseChange(identity.UserID, []doses.Dose{{ID: doseID}})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleDoseStream keeps a server-sent event stream open and forwards dose changes of the caller.
func (h *httpHandler) handleDoseStream(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, identity.UserID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
		Timestamp: time.Now().UTC().Unix(),
		Source:    realtimeSourceBackend,
	})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				DoseIDs:   message.DoseIDs,
				Timestamp: message.Timestamp.Unix(),
				Source:    realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				Timestamp: tick.UTC().Unix(),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}

func (h *httpHandler) publishDoseChange(userID int64, changed []doses.Dose) {
	doseIDs := collectDoseIDs(changed)
	if len(doseIDs) == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventDoseChanged,
		DoseIDs:   doseIDs,
		Timestamp: time.Now().UTC(),
	})
}

func (h *httpHandler) respondDoseError(c *gin.Context, fallback string, err error) {
	switch {
	case errors.Is(err, doses.ErrDoseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dose_not_found"})
	case errors.Is(err, doses.ErrInvalidPeptide):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_peptide"})
	case errors.Is(err, doses.ErrInvalidDate):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
	case errors.Is(err, doses.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_dose"})
	case errors.Is(err, doses.ErrInvalidGroupID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_group_id"})
	default:
		h.logger.Error("dose operation failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(fallback, err))
	}
}

func parseDoseID(c *gin.Context) (int64, bool) {
	doseID, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || doseID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_dose_id"})
		return 0, false
	}
	return doseID, true
}

// collectDoseIDs returns the sorted, de-duplicated ids of persisted doses.
func collectDoseIDs(changed []doses.Dose) []int64 {
	if len(changed) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(changed))
	ids := make([]int64, 0, len(changed))
	for _, dose := range changed {
		if dose.ID <= 0 {
			continue
		}
		if _, ok := seen[dose.ID]; ok {
			continue
		}
		seen[dose.ID] = struct{}{}
		ids = append(ids, dose.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
