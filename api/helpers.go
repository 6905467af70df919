// Package api contains every HTTP handler for the control plane. Handlers
// are thin translation layers between HTTP and the engine/anticheat/db
// domain packages; no lifecycle logic lives here.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// decodeJSON decodes the request body into dest, capping it to guard
// against a caller streaming an unbounded body at a handler.
func decodeJSON(r *http.Request, dest any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dest)
}

// writeJSON serializes payload to JSON and writes it with the given status
// code. Centralized so every handler's response shape and error fallback
// behavior stays consistent.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	encoded, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"internal encoding error"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(statusCode)
	w.Write(encoded) //nolint:errcheck -- write errors are not actionable server-side
}

// writeError logs the error server-side and writes a {"error": "..."} body.
// The message sent to the client is always a controlled string, never a
// raw Go error, to avoid leaking internal implementation details.
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, message string) {
	logger.Error("request error", "status", statusCode, "message", message)
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// accountContext carries the identity resolved from the request's auth
// token through to every handler.
type accountContext struct {
	AccountID string
	UserID    string
}
