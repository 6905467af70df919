package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sasta-kro/corvus-ctf/db"
	"github.com/sasta-kro/corvus-ctf/engine"
	"github.com/sasta-kro/corvus-ctf/models"
)

// InstanceHandler backs the player-facing instance lifecycle endpoints:
// request, renew, stop, and listing one's own instances.
type InstanceHandler struct {
	engine   *engine.Engine
	database *db.Database
	logger   *slog.Logger
}

func NewInstanceHandler(engine *engine.Engine, database *db.Database, logger *slog.Logger) *InstanceHandler {
	return &InstanceHandler{engine: engine, database: database, logger: logger}
}

type requestInstanceRequest struct {
	ChallengeID string `json:"challenge_id"`
}

type instanceResponse struct {
	*models.Instance
	Flag string `json:"flag,omitempty"`
}

// Request handles POST /api/instances.
func (handler *InstanceHandler) Request(w http.ResponseWriter, r *http.Request) {
	var body requestInstanceRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, handler.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ChallengeID == "" {
		writeError(w, handler.logger, http.StatusBadRequest, "challenge_id is required")
		return
	}

	account := accountFromContext(r)
	instance, plaintextFlag, err := handler.engine.Request(r.Context(), body.ChallengeID, account.AccountID, account.UserID, clientIP(r))
	if errors.Is(err, engine.ErrActiveInstanceExists) {
		writeJSON(w, http.StatusConflict, instanceResponse{Instance: instance})
		return
	}
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to provision instance")
		return
	}

	writeJSON(w, http.StatusCreated, instanceResponse{Instance: instance, Flag: plaintextFlag})
}

// Renew handles POST /api/instances/{uuid}/renew.
func (handler *InstanceHandler) Renew(w http.ResponseWriter, r *http.Request) {
	instanceUUID := chi.URLParam(r, "uuid")
	account := accountFromContext(r)

	instance, err := handler.engine.Renew(r.Context(), instanceUUID, account.AccountID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, handler.logger, http.StatusNotFound, "instance not found")
	case errors.Is(err, engine.ErrNotRunning):
		writeError(w, handler.logger, http.StatusConflict, "instance is not running")
	case errors.Is(err, engine.ErrMaxRenewalsReached):
		writeError(w, handler.logger, http.StatusConflict, "maximum renewals reached")
	case err != nil:
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to renew instance")
	default:
		writeJSON(w, http.StatusOK, instance)
	}
}

// Stop handles POST /api/instances/{uuid}/stop.
func (handler *InstanceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	instanceUUID := chi.URLParam(r, "uuid")
	account := accountFromContext(r)

	err := handler.engine.Stop(r.Context(), instanceUUID, account.AccountID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, handler.logger, http.StatusNotFound, "instance not found")
	case err != nil:
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to stop instance")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// List handles GET /api/instances: every instance belonging to the caller.
func (handler *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r)
	instances, err := handler.database.ListInstancesByAccount(account.AccountID)
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to list instances")
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// Get handles GET /api/instances/{uuid}.
func (handler *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	instanceUUID := chi.URLParam(r, "uuid")
	account := accountFromContext(r)

	instance, err := handler.database.GetInstance(instanceUUID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, handler.logger, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to load instance")
		return
	}
	if instance.AccountID != account.AccountID {
		writeError(w, handler.logger, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, instance)
}
