package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sasta-kro/corvus-ctf/models"
)

// InsertInstance creates the row for a newly requested instance. Called by
// the engine at the very start of the request operation, before the
// container exists, so Status is expected to be StatusPending.
func (database *Database) InsertInstance(instance *models.Instance) error {
	portsJSON, err := encodeConnectionPorts(instance.ConnectionPorts)
	if err != nil {
		return err
	}

	_, err = database.connection.Exec(`
		INSERT INTO container_instances (
			uuid, challenge_id, account_id, container_id, connection_host,
			connection_port, connection_ports, connection_info,
			flag_encrypted, flag_hash, status, created_at, started_at,
			expires_at, stopped_at, solved_at, last_accessed_at,
			renewal_count, error_message, extra_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		instance.UUID, instance.ChallengeID, instance.AccountID, instance.ContainerID,
		instance.ConnectionHost, instance.ConnectionPort, portsJSON, instance.ConnectionInfo,
		instance.FlagEncrypted, instance.FlagHash, instance.Status, instance.CreatedAt,
		instance.StartedAt, instance.ExpiresAt, instance.StoppedAt, instance.SolvedAt,
		instance.LastAccessedAt, instance.RenewalCount, instance.ErrorMessage, instance.ExtraData,
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance %q: %w", instance.UUID, err)
	}
	return nil
}

// GetInstance fetches an instance by UUID. Returns ErrNotFound if absent.
func (database *Database) GetInstance(uuid string) (*models.Instance, error) {
	row := database.connection.QueryRow(instanceSelectColumns+`
		FROM container_instances WHERE uuid = ?
	`, uuid)
	return scanInstance(row)
}

// GetInstanceByContainerID looks an instance up by its Docker container ID,
// correlating a container back to its instance row.
func (database *Database) GetInstanceByContainerID(containerID string) (*models.Instance, error) {
	row := database.connection.QueryRow(instanceSelectColumns+`
		FROM container_instances WHERE container_id = ?
	`, containerID)
	return scanInstance(row)
}

// GetActiveInstance returns the single active (pending/provisioning/running)
// instance for a (challenge, account) pair, if any. Backs the uniqueness
// invariant: the engine calls this before provisioning a new instance.
func (database *Database) GetActiveInstance(challengeID, accountID string) (*models.Instance, error) {
	row := database.connection.QueryRow(instanceSelectColumns+`
		FROM container_instances
		WHERE challenge_id = ? AND account_id = ?
		  AND status IN ('pending', 'provisioning', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, challengeID, accountID)
	return scanInstance(row)
}

// ListExpiredInstances returns every running instance whose expires_at has
// passed. This is the sweeper's safety-net query, run on a ticker alongside
// the keyspace-event-driven expiration path.
func (database *Database) ListExpiredInstances(limit int) ([]*models.Instance, error) {
	rows, err := database.connection.Query(instanceSelectColumns+`
		FROM container_instances
		WHERE status = 'running' AND expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP
		ORDER BY expires_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListInstancesByAccount returns every instance (any status) owned by an
// account, newest first, for the player-facing "my instances" surface.
func (database *Database) ListInstancesByAccount(accountID string) ([]*models.Instance, error) {
	rows, err := database.connection.Query(instanceSelectColumns+`
		FROM container_instances WHERE account_id = ? ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances for account %q: %w", accountID, err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListAllInstances returns every instance row for the admin surface.
func (database *Database) ListAllInstances() ([]*models.Instance, error) {
	rows, err := database.connection.Query(instanceSelectColumns + `
		FROM container_instances ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query all instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// UpdateInstance persists the full mutable state of an instance. The engine
// always reads-modifies-writes a whole row rather than issuing narrow
// column updates, keeping the state machine's transitions easy to audit.
func (database *Database) UpdateInstance(instance *models.Instance) error {
	portsJSON, err := encodeConnectionPorts(instance.ConnectionPorts)
	if err != nil {
		return err
	}

	result, err := database.connection.Exec(`
		UPDATE container_instances SET
			container_id = ?, connection_host = ?, connection_port = ?,
			connection_ports = ?, connection_info = ?, flag_encrypted = ?,
			flag_hash = ?, status = ?, started_at = ?, expires_at = ?,
			stopped_at = ?, solved_at = ?, last_accessed_at = ?,
			renewal_count = ?, error_message = ?, extra_data = ?
		WHERE uuid = ?
	`,
		instance.ContainerID, instance.ConnectionHost, instance.ConnectionPort,
		portsJSON, instance.ConnectionInfo, instance.FlagEncrypted, instance.FlagHash,
		instance.Status, instance.StartedAt, instance.ExpiresAt, instance.StoppedAt,
		instance.SolvedAt, instance.LastAccessedAt, instance.RenewalCount,
		instance.ErrorMessage, instance.ExtraData, instance.UUID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance %q: %w", instance.UUID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected updating instance %q: %w", instance.UUID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInstance permanently removes one instance row, used by the admin
// delete/bulk-delete surface after the engine has torn the instance down.
// Unlike DeleteOldInstances, this is immediate and unconditional on age: an
// operator who explicitly deletes an instance gets exactly that.
func (database *Database) DeleteInstance(uuid string) error {
	_, err := database.connection.Exec(`DELETE FROM container_instances WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to delete instance %q: %w", uuid, err)
	}
	return nil
}

// DeleteOldInstances removes terminal instance rows whose history no
// longer needs review: stopped instances past stoppedBefore (by
// stopped_at) and errored instances past errorBefore (by created_at).
// Solved instances are never matched by either clause, so they are
// immortal by construction here, not by a runtime check. Returns the
// number of rows removed.
func (database *Database) DeleteOldInstances(stoppedBefore, errorBefore time.Time) (int64, error) {
	result, err := database.connection.Exec(`
		DELETE FROM container_instances
		WHERE (status = 'stopped' AND stopped_at < ?)
		   OR (status = 'error' AND created_at < ?)
	`, stoppedBefore, errorBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old instances: %w", err)
	}
	return result.RowsAffected()
}

const instanceSelectColumns = `
	SELECT uuid, challenge_id, account_id, container_id, connection_host,
	       connection_port, connection_ports, connection_info,
	       flag_encrypted, flag_hash, status, created_at, started_at,
	       expires_at, stopped_at, solved_at, last_accessed_at,
	       renewal_count, error_message, extra_data
`

func scanInstance(row scanner) (*models.Instance, error) {
	var instance models.Instance
	var portsJSON sql.NullString

	err := row.Scan(
		&instance.UUID, &instance.ChallengeID, &instance.AccountID, &instance.ContainerID,
		&instance.ConnectionHost, &instance.ConnectionPort, &portsJSON, &instance.ConnectionInfo,
		&instance.FlagEncrypted, &instance.FlagHash, &instance.Status, &instance.CreatedAt,
		&instance.StartedAt, &instance.ExpiresAt, &instance.StoppedAt, &instance.SolvedAt,
		&instance.LastAccessedAt, &instance.RenewalCount, &instance.ErrorMessage, &instance.ExtraData,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance row: %w", err)
	}

	if portsJSON.Valid && portsJSON.String != "" {
		if err := json.Unmarshal([]byte(portsJSON.String), &instance.ConnectionPorts); err != nil {
			return nil, fmt.Errorf("failed to decode connection_ports for instance %q: %w", instance.UUID, err)
		}
	}

	return &instance, nil
}

func scanInstances(rows *sql.Rows) ([]*models.Instance, error) {
	var instances []*models.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

func encodeConnectionPorts(ports map[int]int) (*string, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(ports)
	if err != nil {
		return nil, fmt.Errorf("failed to encode connection_ports: %w", err)
	}
	value := string(encoded)
	return &value, nil
}
