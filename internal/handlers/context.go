package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes. Anything unknown is a
// server error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTableNotFound), errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidIdentifier),
		errors.Is(err, models.ErrSchemaNotAllowed),
		errors.Is(err, models.ErrSameSchema),
		errors.Is(err, models.ErrUnsupportedType),
		errors.Is(err, models.ErrNoStableKey):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDuplicateMigration),
		errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrTargetOccupied):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func jobIDFromRequest(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(mux.Vars(r)["jobID"]), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func tableIDFromRequest(r *http.Request) (string, bool) {
	id := strings.TrimSpace(mux.Vars(r)["tableID"])
	return id, id != ""
}
