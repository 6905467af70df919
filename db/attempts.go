package db

import (
	"database/sql"
	"fmt"

	"github.com/sasta-kro/corvus-ctf/models"
)

// InsertFlagAttempt appends a single immutable submission record. Every
// submission produces exactly one row here, correct, incorrect, or
// cheating, so the anti-cheat audit trail is always complete.
func (database *Database) InsertFlagAttempt(attempt *models.FlagAttempt) error {
	result, err := database.connection.Exec(`
		INSERT INTO container_flag_attempts (
			challenge_id, account_id, user_id, submitted_flag_hash,
			is_correct, is_cheating, flag_owner_account_id, ip_address,
			user_agent, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		attempt.ChallengeID, attempt.AccountID, attempt.UserID, attempt.SubmittedFlagHash,
		attempt.IsCorrect, attempt.IsCheating, attempt.FlagOwnerAccountID, attempt.IPAddress,
		attempt.UserAgent, attempt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert flag attempt for account %q: %w", attempt.AccountID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted attempt id: %w", err)
	}
	attempt.ID = id
	return nil
}

// ListAttemptsByAccount returns every submission an account has made,
// newest first, for the admin anti-cheat review surface.
func (database *Database) ListAttemptsByAccount(accountID string) ([]*models.FlagAttempt, error) {
	rows, err := database.connection.Query(`
		SELECT id, challenge_id, account_id, user_id, submitted_flag_hash,
		       is_correct, is_cheating, flag_owner_account_id, ip_address,
		       user_agent, timestamp
		FROM container_flag_attempts WHERE account_id = ? ORDER BY timestamp DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts for account %q: %w", accountID, err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ListCheatingAttempts returns every attempt flagged as cheating, for the
// admin surface and for re-deriving ban decisions after a restart.
func (database *Database) ListCheatingAttempts(limit int) ([]*models.FlagAttempt, error) {
	rows, err := database.connection.Query(`
		SELECT id, challenge_id, account_id, user_id, submitted_flag_hash,
		       is_correct, is_cheating, flag_owner_account_id, ip_address,
		       user_agent, timestamp
		FROM container_flag_attempts WHERE is_cheating = 1 ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cheating attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]*models.FlagAttempt, error) {
	var attempts []*models.FlagAttempt
	for rows.Next() {
		var attempt models.FlagAttempt
		err := rows.Scan(
			&attempt.ID, &attempt.ChallengeID, &attempt.AccountID, &attempt.UserID,
			&attempt.SubmittedFlagHash, &attempt.IsCorrect, &attempt.IsCheating,
			&attempt.FlagOwnerAccountID, &attempt.IPAddress, &attempt.UserAgent, &attempt.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag attempt row: %w", err)
		}
		attempts = append(attempts, &attempt)
	}
	return attempts, rows.Err()
}
