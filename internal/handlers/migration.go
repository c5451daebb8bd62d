package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/models"
)

// MigrationService is implemented by *migration.Orchestrator.
type MigrationService interface {
	Submit(ctx context.Context, tableID, targetSchema string) (models.SubmitResult, error)
	GetStatus(ctx context.Context, jobID int64) (models.JobDetails, error)
	HasActiveMigration(ctx context.Context, tableID string) (models.ActiveMigration, error)
	ForceFail(ctx context.Context, jobID int64, reason string) (models.JobDetails, error)
	Events(ctx context.Context, jobID int64, limit int) ([]models.Notification, error)
	ExportTable(ctx context.Context, tableID string, w io.Writer) (int64, error)
}

type MigrationHandler struct {
	service MigrationService
	logger  zerolog.Logger
}

func NewMigrationHandler(service MigrationService, logger zerolog.Logger) *MigrationHandler {
	return &MigrationHandler{
		service: service,
		logger:  logger.With().Str("handler", "migration").Logger(),
	}
}

// Submit enqueues a relocation of the table in the path. A table that
// already has an active job answers 409 with that job's id.
func (h *MigrationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	tableID, ok := tableIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Table ID is required")
		return
	}
	var payload struct {
		TargetSchema string `json:"targetSchema"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	result, err := h.service.Submit(r.Context(), tableID, strings.TrimSpace(payload.TargetSchema))
	if err != nil {
		h.fail(w, err, "failed to submit migration", tableID)
		return
	}
	if result.Status == models.JobStatusDuplicate {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (h *MigrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}
	details, err := h.service.GetStatus(r.Context(), jobID)
	if err != nil {
		h.fail(w, err, "failed to get migration status", strconv.FormatInt(jobID, 10))
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *MigrationHandler) Active(w http.ResponseWriter, r *http.Request) {
	tableID, ok := tableIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Table ID is required")
		return
	}
	active, err := h.service.HasActiveMigration(r.Context(), tableID)
	if err != nil {
		h.fail(w, err, "failed to check active migration", tableID)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *MigrationHandler) ForceFail(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	// An empty body is allowed, the reason then defaults.
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	details, err := h.service.ForceFail(r.Context(), jobID, payload.Reason)
	if err != nil {
		h.fail(w, err, "failed to force fail migration", strconv.FormatInt(jobID, 10))
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *MigrationHandler) Events(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := h.service.Events(r.Context(), jobID, limit)
	if err != nil {
		h.fail(w, err, "failed to list migration events", strconv.FormatInt(jobID, 10))
		return
	}
	if events == nil {
		events = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

func (h *MigrationHandler) fail(w http.ResponseWriter, err error, msg, subject string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("subject", subject).Msg(msg)
		writeError(w, status, "Internal server error")
		return
	}
	h.logger.Debug().Err(err).Str("subject", subject).Msg(msg)
	writeError(w, status, err.Error())
}
