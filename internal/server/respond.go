package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/totoapp/delivery-core/internal/logger"
	"github.com/totoapp/delivery-core/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", map[string]interface{}{
			"error": err.Error(),
		})
		// Do not leak internals.
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNoActiveCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrInvalidCode),
		errors.Is(err, model.ErrAlreadyTaken),
		errors.Is(err, model.ErrAlreadyHasActiveJob):
		return http.StatusConflict
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// actor reads the authenticated identity the gateway injected. A request
// without one never reaches the services.
func actor(w http.ResponseWriter, r *http.Request) (string, model.ActorRole, bool) {
	actorID := r.Header.Get("X-Actor-ID")
	role := model.ActorRole(r.Header.Get("X-Actor-Role"))
	if actorID == "" || (role != model.RoleRequester && role != model.RoleCourier) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing actor identity"})
		return "", "", false
	}
	return actorID, role, true
}

// requireRole narrows actor to a single role; any other role gets a 403.
func requireRole(w http.ResponseWriter, r *http.Request, want model.ActorRole) (string, bool) {
	actorID, role, ok := actor(w, r)
	if !ok {
		return "", false
	}
	if role != want {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden for this role"})
		return "", false
	}
	return actorID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
