package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sasta-kro/corvus-ctf/anticheat"
	"github.com/sasta-kro/corvus-ctf/db"
	"github.com/sasta-kro/corvus-ctf/engine"
)

// SubmitHandler backs flag submission, the endpoint the anti-cheat
// pipeline exists for.
type SubmitHandler struct {
	validator *anticheat.Validator
	engine    *engine.Engine
	database  *db.Database
	logger    *slog.Logger
}

func NewSubmitHandler(validator *anticheat.Validator, engine *engine.Engine, database *db.Database, logger *slog.Logger) *SubmitHandler {
	return &SubmitHandler{validator: validator, engine: engine, database: database, logger: logger}
}

type submitRequest struct {
	Flag string `json:"flag"`
}

type submitResponse struct {
	Correct bool   `json:"correct"`
	Message string `json:"message"`
}

// Submit handles POST /api/challenges/{id}/submit.
func (handler *SubmitHandler) Submit(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "id")

	var body submitRequest
	if err := decodeJSON(r, &body); err != nil || body.Flag == "" {
		writeError(w, handler.logger, http.StatusBadRequest, "flag is required")
		return
	}

	account := accountFromContext(r)
	outcome, err := handler.validator.Validate(r.Context(), anticheat.Submission{
		ChallengeID:   challengeID,
		AccountID:     account.AccountID,
		UserID:        account.UserID,
		PlaintextFlag: body.Flag,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		writeError(w, handler.logger, http.StatusInternalServerError, "failed to validate submission")
		return
	}

	if outcome.Correct {
		if instance, findErr := handler.database.GetActiveInstance(challengeID, account.AccountID); findErr == nil && instance != nil {
			if err := handler.engine.MarkSolved(r.Context(), instance.UUID); err != nil {
				handler.logger.Error("failed to tear down solved instance", "instance_uuid", instance.UUID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, submitResponse{Correct: outcome.Correct, Message: outcome.Message})
}
