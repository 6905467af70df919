// Package audit records lifecycle and anti-cheat events append-only. A
// write here never blocks, and never fails, the operation that triggered
// it: if the audit table is briefly unavailable, the player-facing request
// still succeeds, and the failure is logged instead of propagated.
package audit

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sasta-kro/corvus-ctf/models"
)

// store is the narrow slice of *db.Database Log needs.
type store interface {
	InsertAuditEvent(event *models.AuditEvent) error
}

// Log appends audit events to the database.
type Log struct {
	store  store
	logger *slog.Logger
}

// NewLog constructs a Log backed by the given store.
func NewLog(store store, logger *slog.Logger) *Log {
	return &Log{store: store, logger: logger}
}

// Event describes one occurrence to record. Details is marshaled to JSON
// before being persisted; pass nil when there is nothing beyond the
// identifying fields worth recording.
type Event struct {
	Type        string
	InstanceID  *string
	ChallengeID *string
	AccountID   *string
	UserID      *string
	Severity    models.AuditSeverity
	RequestIP   *string
	Details     any
}

// Record writes one audit event. Errors are logged, not returned: callers
// invoke this fire-and-forget alongside their own operation.
func (log *Log) Record(event Event) {
	detailsJSON := "{}"
	if event.Details != nil {
		if encoded, err := json.Marshal(event.Details); err == nil {
			detailsJSON = string(encoded)
		}
	}

	severity := event.Severity
	if severity == "" {
		severity = models.SeverityInfo
	}

	record := &models.AuditEvent{
		EventType:   event.Type,
		InstanceID:  event.InstanceID,
		ChallengeID: event.ChallengeID,
		AccountID:   event.AccountID,
		UserID:      event.UserID,
		Details:     detailsJSON,
		Severity:    severity,
		RequestIP:   event.RequestIP,
		Timestamp:   time.Now(),
	}

	if err := log.store.InsertAuditEvent(record); err != nil {
		log.logger.Error("failed to write audit event", "event_type", event.Type, "error", err)
	}
}
