package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps service-layer failures onto HTTP statuses: missing
// records to 404, rejected transitions and concurrent writes to 409,
// validation failures to 400, everything else to 500.
func (r *Router) writeDomainError(w http.ResponseWriter, req *http.Request, err error) {
	var invalidTransition domain.InvalidTransitionError
	var validation domain.ValidationError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &invalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting concurrent update")
	case errors.As(err, &validation), errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
