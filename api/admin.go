package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sasta-kro/corvus-ctf/config"
	"github.com/sasta-kro/corvus-ctf/db"
	"github.com/sasta-kro/corvus-ctf/docker"
	"github.com/sasta-kro/corvus-ctf/engine"
	"github.com/sasta-kro/corvus-ctf/models"
)

// AdminHandler backs the operator-facing endpoints: challenge management,
// config tuning, cleanup, and incident review. None of this is exposed to
// players; api/router.go gates it behind a separate admin auth layer.
type AdminHandler struct {
	database *db.Database
	engine   *engine.Engine
	docker   *docker.Client
	config   *config.Store
	logger   *slog.Logger
}

func NewAdminHandler(database *db.Database, engine *engine.Engine, dockerClient *docker.Client, configStore *config.Store, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{database: database, engine: engine, docker: dockerClient, config: configStore, logger: logger}
}

// ImportChallenge handles POST /api/admin/challenges/import: upserts a challenge
// definition by ID.
func (handler *AdminHandler) ImportChallenge(w http.ResponseWriter, r *http.Request) {
	var challenge models.Challenge
	if err := decodeJSON(r, &challenge); err != nil {
		writeError(w, handler.logger, http.StatusBadRequest, "invalid challenge definition")
		return
	}
	if challenge.ID == "" {
		writeError(w, handler.logger, http.StatusBadRequest, "id is required")
		return
	}
	if err := handler.database.InsertChallenge(&challenge); err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to store challenge")
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

// ListChallenges handles GET /api/admin/challenges.
func (handler *AdminHandler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := handler.database.ListChallenges()
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to list challenges")
		return
	}
	writeJSON(w, http.StatusOK, challenges)
}

// DeleteChallenge handles DELETE /api/admin/challenges/{id}.
func (handler *AdminHandler) DeleteChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := handler.database.DeleteChallenge(id); err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to delete challenge")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListInstances handles GET /api/admin/instances.
func (handler *AdminHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := handler.database.ListAllInstances()
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to list instances")
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// DeleteInstance handles POST /api/admin/instances/{uuid}/delete: an
// operator forcibly tearing down a single instance and permanently
// removing its row, bypassing both the ownership check applied to the
// player-facing Stop endpoint and CleanupOld's age-based retention window.
func (handler *AdminHandler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	instanceUUID := chi.URLParam(r, "uuid")
	if err := handler.engine.Delete(r.Context(), instanceUUID, string(models.ReasonAdminDelete)); err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to delete instance")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkDeleteInstancesRequest struct {
	UUIDs []string `json:"uuids"`
}

// BulkDeleteInstances handles POST /api/admin/instances/bulk-delete: delete
// every instance UUID in the request body. A per-instance failure is
// logged and skipped rather than aborting the whole batch, since one
// already-gone instance should not block the rest of a bulk operator
// action.
func (handler *AdminHandler) BulkDeleteInstances(w http.ResponseWriter, r *http.Request) {
	var body bulkDeleteInstancesRequest
	if err := decodeJSON(r, &body); err != nil || len(body.UUIDs) == 0 {
		writeError(w, handler.logger, http.StatusBadRequest, "uuids is required")
		return
	}

	deleted := 0
	for _, instanceUUID := range body.UUIDs {
		if err := handler.engine.Delete(r.Context(), instanceUUID, string(models.ReasonAdminBulkDelete)); err != nil {
			handler.logger.Error("failed to delete instance", "instance_uuid", instanceUUID, "error", err)
			continue
		}
		deleted++
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// StopInstance handles POST /api/admin/instances/{uuid}/stop: an operator
// forcibly tearing down a single instance without deleting its row,
// bypassing the ownership check applied to the player-facing Stop
// endpoint.
func (handler *AdminHandler) StopInstance(w http.ResponseWriter, r *http.Request) {
	instanceUUID := chi.URLParam(r, "uuid")
	if err := handler.engine.Teardown(r.Context(), instanceUUID, string(models.ReasonAdmin)); err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to tear down instance")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InstanceLogs handles GET /api/admin/instances/{uuid}/logs.
func (handler *AdminHandler) InstanceLogs(w http.ResponseWriter, r *http.Request) {
	instanceUUID := chi.URLParam(r, "uuid")
	instance, err := handler.database.GetInstance(instanceUUID)
	if err != nil {
		writeError(w, handler.logger, http.StatusNotFound, "instance not found")
		return
	}
	if instance.ContainerID == nil {
		writeError(w, handler.logger, http.StatusConflict, "instance has no container yet")
		return
	}

	tailLines := 200
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			tailLines = parsed
		}
	}

	logs, err := handler.docker.Logs(r.Context(), *instance.ContainerID, tailLines)
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to fetch logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// Cleanup handles POST /api/admin/cleanup: runs engine.CleanupOld's
// orphan-container reconciliation and age-based instance-row deletion,
// useful right after a deploy or daemon restart. The scheduler does not
// run CleanupOld; this endpoint is the only thing that triggers it.
func (handler *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	reconciled, deleted, err := handler.engine.CleanupOld(r.Context())
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"containers_reconciled": int64(reconciled),
		"instances_deleted":     deleted,
	})
}

// ListCheatingAttempts handles GET /api/admin/attempts/cheating.
func (handler *AdminHandler) ListCheatingAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := handler.database.ListCheatingAttempts(200)
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// AuditEvents handles GET /api/admin/audit?type=flag_reuse_detected.
func (handler *AdminHandler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		writeError(w, handler.logger, http.StatusBadRequest, "type query parameter is required")
		return
	}
	events, err := handler.database.ListAuditEventsByType(eventType, 200)
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetConfig handles GET /api/admin/config.
func (handler *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, handler.config.All())
}

type setConfigRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetConfig handles PUT /api/admin/config.
func (handler *AdminHandler) SetConfig(w http.ResponseWriter, r *http.Request) {
	var body setConfigRequest
	if err := decodeJSON(r, &body); err != nil || body.Key == "" {
		writeError(w, handler.logger, http.StatusBadRequest, "key is required")
		return
	}
	if err := handler.config.Set(body.Key, body.Value); err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to update config")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
