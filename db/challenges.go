package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sasta-kro/corvus-ctf/models"
)

// InsertChallenge creates or replaces a challenge definition. Challenges are
// supplied by the host platform (the admin import surface), not invented by
// the core, so an upsert-by-ID is the natural write shape.
func (database *Database) InsertChallenge(challenge *models.Challenge) error {
	portsJSON, err := json.Marshal(challenge.InternalPorts)
	if err != nil {
		return fmt.Errorf("failed to encode internal_ports: %w", err)
	}

	_, err = database.connection.Exec(`
		INSERT INTO challenges (
			id, image, internal_ports, startup_command, connection_kind,
			connection_info, flag_policy, flag_prefix, flag_suffix,
			random_length, timeout_minutes, max_renewals, max_memory,
			max_cpu, pids_limit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			image = excluded.image,
			internal_ports = excluded.internal_ports,
			startup_command = excluded.startup_command,
			connection_kind = excluded.connection_kind,
			connection_info = excluded.connection_info,
			flag_policy = excluded.flag_policy,
			flag_prefix = excluded.flag_prefix,
			flag_suffix = excluded.flag_suffix,
			random_length = excluded.random_length,
			timeout_minutes = excluded.timeout_minutes,
			max_renewals = excluded.max_renewals,
			max_memory = excluded.max_memory,
			max_cpu = excluded.max_cpu,
			pids_limit = excluded.pids_limit,
			updated_at = CURRENT_TIMESTAMP
	`,
		challenge.ID, challenge.Image, string(portsJSON), challenge.StartupCommand,
		challenge.ConnectionKind, challenge.ConnectionInfo, challenge.FlagPolicy,
		challenge.FlagPrefix, challenge.FlagSuffix, challenge.RandomLength,
		challenge.TimeoutMinutes, challenge.MaxRenewals, challenge.MaxMemory,
		challenge.MaxCPU, challenge.PidsLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert challenge %q: %w", challenge.ID, err)
	}
	return nil
}

// GetChallenge fetches one challenge by ID. Returns ErrNotFound if absent.
func (database *Database) GetChallenge(id string) (*models.Challenge, error) {
	row := database.connection.QueryRow(`
		SELECT id, image, internal_ports, startup_command, connection_kind,
		       connection_info, flag_policy, flag_prefix, flag_suffix,
		       random_length, timeout_minutes, max_renewals, max_memory,
		       max_cpu, pids_limit, created_at, updated_at
		FROM challenges WHERE id = ?
	`, id)
	return scanChallenge(row)
}

// ListChallenges returns every challenge definition, ordered by ID for
// stable pagination-free listing.
func (database *Database) ListChallenges() ([]*models.Challenge, error) {
	rows, err := database.connection.Query(`
		SELECT id, image, internal_ports, startup_command, connection_kind,
		       connection_info, flag_policy, flag_prefix, flag_suffix,
		       random_length, timeout_minutes, max_renewals, max_memory,
		       max_cpu, pids_limit, created_at, updated_at
		FROM challenges ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query challenges: %w", err)
	}
	defer rows.Close()

	var challenges []*models.Challenge
	for rows.Next() {
		challenge, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, challenge)
	}
	return challenges, rows.Err()
}

// DeleteChallenge removes a challenge definition. It does not touch any
// instance rows referencing it; the engine is responsible for refusing to
// provision against a deleted challenge ID.
func (database *Database) DeleteChallenge(id string) error {
	_, err := database.connection.Exec(`DELETE FROM challenges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete challenge %q: %w", id, err)
	}
	return nil
}

func scanChallenge(row scanner) (*models.Challenge, error) {
	var challenge models.Challenge
	var portsJSON string

	err := row.Scan(
		&challenge.ID, &challenge.Image, &portsJSON, &challenge.StartupCommand,
		&challenge.ConnectionKind, &challenge.ConnectionInfo, &challenge.FlagPolicy,
		&challenge.FlagPrefix, &challenge.FlagSuffix, &challenge.RandomLength,
		&challenge.TimeoutMinutes, &challenge.MaxRenewals, &challenge.MaxMemory,
		&challenge.MaxCPU, &challenge.PidsLimit, &challenge.CreatedAt, &challenge.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan challenge row: %w", err)
	}

	if err := json.Unmarshal([]byte(portsJSON), &challenge.InternalPorts); err != nil {
		return nil, fmt.Errorf("failed to decode internal_ports for challenge %q: %w", challenge.ID, err)
	}

	return &challenge, nil
}
