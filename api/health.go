package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type dockerPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler backs the root-level liveness/readiness endpoints.
type HealthHandler struct {
	logger *slog.Logger
	docker dockerPinger
}

func NewHealthHandler(logger *slog.Logger, docker dockerPinger) *HealthHandler {
	return &HealthHandler{logger: logger, docker: docker}
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Health handles GET /health: the minimum signal the process is alive.
func (handler *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type dockerHealthResponse struct {
	DockerReachable bool   `json:"docker_reachable"`
	Error           string `json:"error,omitempty"`
}

// DockerHealth handles GET /api/admin/docker-health, pinging the Docker
// daemon so an operator dashboard can tell "API is up" apart from
// "API is up but cannot provision anything".
func (handler *HealthHandler) DockerHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := handler.docker.Ping(ctx); err != nil {
		writeJSON(w, http.StatusOK, dockerHealthResponse{DockerReachable: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, dockerHealthResponse{DockerReachable: true})
}
