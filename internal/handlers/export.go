package handlers

import (
	"net/http"
)

const arrowStreamContentType = "application/vnd.apache.arrow.stream"

// Export streams the table's current storage as an Arrow IPC stream. Errors
// after the first byte can only be logged; the client sees a truncated
// stream.
func (h *MigrationHandler) Export(w http.ResponseWriter, r *http.Request) {
	tableID, ok := tableIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Table ID is required")
		return
	}

	sw := &startedWriter{ResponseWriter: w}
	rows, err := h.service.ExportTable(r.Context(), tableID, sw)
	if err != nil {
		if !sw.started {
			h.fail(w, err, "failed to export table", tableID)
			return
		}
		h.logger.Error().Err(err).Str("table_id", tableID).Msg("export aborted mid-stream")
		return
	}
	h.logger.Info().Str("table_id", tableID).Int64("rows", rows).Msg("table exported")
}

// startedWriter sets the stream headers on the first write, so a failure
// before any data can still answer with a JSON error.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (s *startedWriter) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		s.Header().Set("Content-Type", arrowStreamContentType)
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(p)
}
