package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/citamed/citamed-platform/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSchedulingError maps the scheduling package's error taxonomy onto
// HTTP statuses.
func writeSchedulingError(w http.ResponseWriter, err error) {
	var ve *scheduling.ValidationError
	switch {
	case errors.Is(err, scheduling.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment not found")
	case errors.Is(err, scheduling.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot taken")
	case errors.Is(err, scheduling.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal status transition")
	case errors.Is(err, scheduling.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
