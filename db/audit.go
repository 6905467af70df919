package db

import (
	"database/sql"
	"fmt"

	"github.com/sasta-kro/corvus-ctf/models"
)

// InsertAuditEvent appends one immutable event. Callers (audit.Log) never
// surface write failures here to the operation that triggered the event;
// they log the failure and move on, so a full audit table never blocks a
// player-facing request.
func (database *Database) InsertAuditEvent(event *models.AuditEvent) error {
	result, err := database.connection.Exec(`
		INSERT INTO container_audit_logs (
			event_type, instance_id, challenge_id, account_id, user_id,
			details, severity, request_ip, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.EventType, event.InstanceID, event.ChallengeID, event.AccountID,
		event.UserID, event.Details, event.Severity, event.RequestIP, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event %q: %w", event.EventType, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted audit event id: %w", err)
	}
	event.ID = id
	return nil
}

// ListAuditEventsByAccount returns events for one account, newest first,
// capped at limit rows. Backs the admin timeline view.
func (database *Database) ListAuditEventsByAccount(accountID string, limit int) ([]*models.AuditEvent, error) {
	rows, err := database.connection.Query(`
		SELECT id, event_type, instance_id, challenge_id, account_id, user_id,
		       details, severity, request_ip, timestamp
		FROM container_audit_logs WHERE account_id = ? ORDER BY timestamp DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events for account %q: %w", accountID, err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

// ListAuditEventsByType returns events of one event_type, newest first,
// capped at limit rows. Backs alerting/filtering by event kind, e.g.
// pulling every "flag_reuse_detected" event for a period.
func (database *Database) ListAuditEventsByType(eventType string, limit int) ([]*models.AuditEvent, error) {
	rows, err := database.connection.Query(`
		SELECT id, event_type, instance_id, challenge_id, account_id, user_id,
		       details, severity, request_ip, timestamp
		FROM container_audit_logs WHERE event_type = ? ORDER BY timestamp DESC LIMIT ?
	`, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events of type %q: %w", eventType, err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	for rows.Next() {
		var event models.AuditEvent
		err := rows.Scan(
			&event.ID, &event.EventType, &event.InstanceID, &event.ChallengeID,
			&event.AccountID, &event.UserID, &event.Details, &event.Severity,
			&event.RequestIP, &event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event row: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
