package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sasta-kro/corvus-ctf/models"
)

// InsertFlagRecord creates the lookup row for a freshly minted flag. The
// flag_hash column carries a UNIQUE constraint, so a collision (vanishingly
// unlikely given the random body length) surfaces as a SQL error here
// rather than silently overwriting another instance's flag.
func (database *Database) InsertFlagRecord(record *models.FlagRecord) error {
	_, err := database.connection.Exec(`
		INSERT INTO container_flags (
			instance_uuid, flag_hash, challenge_id, account_id, status,
			submitted_at, submitted_by_user_id, submitted_from_ip, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.InstanceUUID, record.FlagHash, record.ChallengeID, record.AccountID,
		record.Status, record.SubmittedAt, record.SubmittedByUserID, record.SubmittedFromIP,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert flag record for instance %q: %w", record.InstanceUUID, err)
	}
	return nil
}

// GetFlagRecordByHash is the anti-cheat validator's primary lookup: given
// the SHA-256 hash of a submitted flag, find out which instance and account
// minted it, if any.
func (database *Database) GetFlagRecordByHash(flagHash string) (*models.FlagRecord, error) {
	row := database.connection.QueryRow(`
		SELECT instance_uuid, flag_hash, challenge_id, account_id, status,
		       submitted_at, submitted_by_user_id, submitted_from_ip,
		       created_at, invalidated_at
		FROM container_flags WHERE flag_hash = ?
	`, flagHash)
	return scanFlagRecord(row)
}

// MarkFlagSubmitted transitions a flag record to submitted_correct the
// first time it is redeemed by its rightful owner. Subsequent submissions
// of the same flag by the same account are idempotent at the engine layer;
// this call simply overwrites the submission metadata.
func (database *Database) MarkFlagSubmitted(flagHash, userID, fromIP string) error {
	result, err := database.connection.Exec(`
		UPDATE container_flags
		SET status = 'submitted_correct', submitted_at = CURRENT_TIMESTAMP,
		    submitted_by_user_id = ?, submitted_from_ip = ?
		WHERE flag_hash = ?
	`, userID, fromIP, flagHash)
	if err != nil {
		return fmt.Errorf("failed to mark flag %q submitted: %w", flagHash, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected marking flag %q submitted: %w", flagHash, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidateFlagRecord marks a flag record as no longer redeemable without
// removing the row, for any path that needs the submission history kept
// around (an admin manually flagging a mint as compromised, say). The
// ordinary non-solved stop path uses DeleteFlagRecord instead.
func (database *Database) InvalidateFlagRecord(flagHash string) error {
	_, err := database.connection.Exec(`
		UPDATE container_flags SET status = 'invalidated', invalidated_at = CURRENT_TIMESTAMP
		WHERE flag_hash = ? AND status = 'temporary'
	`, flagHash)
	if err != nil {
		return fmt.Errorf("failed to invalidate flag %q: %w", flagHash, err)
	}
	return nil
}

// DeleteFlagRecord removes a temporary flag's lookup row outright, used
// when an instance is stopped without being solved. Deleting rather than
// invalidating avoids a hash-collision hazard: if the player later
// requests a fresh instance and the new mint happens to reproduce the same
// flag_hash, a lingering invalidated row for the old instance would still
// be found by that hash and could confuse the lookup. A row already
// transitioned to submitted_correct is left alone.
func (database *Database) DeleteFlagRecord(flagHash string) error {
	_, err := database.connection.Exec(`
		DELETE FROM container_flags WHERE flag_hash = ? AND status = 'temporary'
	`, flagHash)
	if err != nil {
		return fmt.Errorf("failed to delete flag record %q: %w", flagHash, err)
	}
	return nil
}

func scanFlagRecord(row scanner) (*models.FlagRecord, error) {
	var record models.FlagRecord
	err := row.Scan(
		&record.InstanceUUID, &record.FlagHash, &record.ChallengeID, &record.AccountID,
		&record.Status, &record.SubmittedAt, &record.SubmittedByUserID, &record.SubmittedFromIP,
		&record.CreatedAt, &record.InvalidatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flag record row: %w", err)
	}
	return &record, nil
}
