package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/launchpad/api/internal/repository"
	"github.com/splax/launchpad/api/internal/service/accounts"
	"github.com/splax/launchpad/api/internal/service/auth"
	"github.com/splax/launchpad/api/internal/service/orchestrator"
	"github.com/splax/launchpad/pkg/crypto"
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

// writeServiceError maps service errors to status codes. Collaborator
// failures keep the provider's raw text and name the job they belong to.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var forkErr *orchestrator.ForkError
	var deployErr *orchestrator.DeployError
	switch {
	case errors.As(err, &forkErr):
		body := map[string]string{"error": "fork failed: " + forkErr.Error()}
		status := http.StatusBadGateway
		if forkErr.DeployID != "" {
			body["deploy_id"] = forkErr.DeployID
		} else {
			status = http.StatusNotFound
		}
		writeJSON(w, status, body)
	case errors.As(err, &deployErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": deployErr.Error(), "deploy_id": deployErr.DeployID, "step": deployErr.Step})
	case errors.Is(err, orchestrator.ErrInvalidSiteName),
		errors.Is(err, orchestrator.ErrMissingConfig),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, crypto.ErrWeakPassword),
		errors.Is(err, accounts.ErrTokenRequired),
		errors.Is(err, accounts.ErrTokenRejected),
		errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrMissingCredentials):
		writeError(w, http.StatusPreconditionFailed, "provider credentials required: link an account first")
	case errors.Is(err, orchestrator.ErrNotForked), errors.Is(err, orchestrator.ErrDeployStarted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, accounts.ErrNotLinked):
		writeError(w, http.StatusNotFound, "no linked account")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
