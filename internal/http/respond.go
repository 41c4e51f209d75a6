package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/provider"
	"github.com/42yash/pyk8s-labs/internal/repository"
	"github.com/42yash/pyk8s-labs/internal/service/auth"
	"github.com/42yash/pyk8s-labs/internal/service/cluster"
	"github.com/42yash/pyk8s-labs/internal/service/team"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// maxBodyBytes caps request bodies; every payload is a handful of fields.
const maxBodyBytes = 64 << 10

// decodeBody reads a JSON request body into v and answers 400 on failure.
func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service and storage errors to a status code.
// Unrecognised errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := serviceErrorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAlreadyDeleting),
		errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, cluster.ErrNameTaken),
		errors.Is(err, team.ErrNameTaken),
		errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, cluster.ErrInvalidTTL),
		errors.Is(err, team.ErrInvalidTeamName),
		errors.Is(err, team.ErrInvalidRole),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, provider.ErrUnsupported),
		errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
