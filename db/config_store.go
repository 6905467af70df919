package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetConfigValue reads one raw string value from the dynamic config table.
// Returns ErrNotFound if the key has never been set; config.Store is
// responsible for falling back to compiled-in defaults in that case.
func (database *Database) GetConfigValue(key string) (string, error) {
	var value string
	err := database.connection.QueryRow(`SELECT value FROM container_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config key %q: %w", key, err)
	}
	return value, nil
}

// SetConfigValue upserts one key. Used by the admin config surface; every
// write is immediately visible to the next config.Store refresh.
func (database *Database) SetConfigValue(key, value string) error {
	_, err := database.connection.Exec(`
		INSERT INTO container_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config key %q: %w", key, err)
	}
	return nil
}

// ListConfigValues returns the entire config table as a map, used by
// config.Store to populate its in-memory cache in one round trip.
func (database *Database) ListConfigValues() (map[string]string, error) {
	rows, err := database.connection.Query(`SELECT key, value FROM container_config`)
	if err != nil {
		return nil, fmt.Errorf("failed to list config values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		values[key] = value
	}
	return values, rows.Err()
}
