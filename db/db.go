// Package db manages the SQLite database connection and schema migrations.
// it exposes a Database struct that wraps *sql.DB and is passed via
// dependency injection to any layer that needs database access: config
// (the dynamic store), engine (including the claimed-port scan it hands to
// ports), anticheat, and audit. One file per table keeps each query surface small and auditable.
package db

import (
	"database/sql" // standard lib for SQL access. provides DB connection pool and query execution methods
	"errors"
	"fmt"
	"log/slog"
	"os"            // to create/chmod the parent directory of the db file
	"path/filepath" // to create parent directory for the database file if it doesn't exist

	// the underscore import registers the go-sqlite3 driver with database/sql.
	// without this import, sql.Open("sqlite3", ...) returns "unknown driver" error.
	// the package is never referenced directly in code, only its init() side
	// effect (registering the "sqlite3" driver name) is needed.
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by any Get* method when no row matches the given
// key. Callers check for this sentinel to distinguish "not found" (404)
// from a real database error (500).
var ErrNotFound = errors.New("record not found")

// Database wraps the SQLite connection. wrapping rather than embedding
// keeps the public surface area intentional: only methods defined on this
// struct (spread across challenges.go, instances.go, flags.go,
// attempts.go, audit.go, config_store.go) are exposed to callers. if the
// underlying driver changes (e.g. Postgres), only this package changes.
type Database struct {
	connection *sql.DB
	logger     *slog.Logger
}

// migrate runs the schema DDL against the database. it is safe to call on
// every startup: every statement uses IF NOT EXISTS, so existing data is
// left untouched. this is a minimal migration strategy appropriate for a
// single-node deployment; a multi-version schema would use a proper
// migration library (e.g. golang-migrate) instead.
func (database *Database) migrate() error {
	_, err := database.connection.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema migration (create tables & columns): %w", err)
	}
	return nil
}

// schema is the SQL DDL for every table the core owns. Column names and
// required indexes follow spec §6 exactly: (challenge_id, account_id,
// status), (status, expires_at), uuid unique, container_id, flag_hash
// unique, (event_type, timestamp), (account_id, timestamp).
const schema = `
CREATE TABLE IF NOT EXISTS challenges (
    id               TEXT PRIMARY KEY,
    image            TEXT NOT NULL,
    internal_ports   TEXT NOT NULL DEFAULT '[]',
    startup_command  TEXT NOT NULL DEFAULT '',
    connection_kind  TEXT NOT NULL DEFAULT 'tcp',
    connection_info  TEXT NOT NULL DEFAULT '',
    flag_policy      TEXT NOT NULL DEFAULT 'random',
    flag_prefix      TEXT NOT NULL DEFAULT '',
    flag_suffix      TEXT NOT NULL DEFAULT '',
    random_length    INTEGER NOT NULL DEFAULT 32,
    timeout_minutes  INTEGER NOT NULL DEFAULT 0,
    max_renewals     INTEGER NOT NULL DEFAULT 0,
    max_memory       TEXT NOT NULL DEFAULT '',
    max_cpu          REAL NOT NULL DEFAULT 0,
    pids_limit       INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS container_instances (
    uuid              TEXT PRIMARY KEY,
    challenge_id      TEXT NOT NULL,
    account_id        TEXT NOT NULL,
    container_id      TEXT,
    connection_host   TEXT,
    connection_port   INTEGER,
    connection_ports  TEXT,
    connection_info   TEXT NOT NULL DEFAULT '',
    flag_encrypted    TEXT,
    flag_hash         TEXT,
    status            TEXT NOT NULL,
    created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at        DATETIME,
    expires_at        DATETIME,
    stopped_at        DATETIME,
    solved_at         DATETIME,
    last_accessed_at  DATETIME,
    renewal_count     INTEGER NOT NULL DEFAULT 0,
    error_message     TEXT,
    extra_data        TEXT
);
CREATE INDEX IF NOT EXISTS idx_instances_challenge_account_status
    ON container_instances (challenge_id, account_id, status);
CREATE INDEX IF NOT EXISTS idx_instances_status_expires
    ON container_instances (status, expires_at);
CREATE INDEX IF NOT EXISTS idx_instances_container_id
    ON container_instances (container_id);

CREATE TABLE IF NOT EXISTS container_flags (
    instance_uuid        TEXT NOT NULL,
    flag_hash            TEXT PRIMARY KEY,
    challenge_id         TEXT NOT NULL,
    account_id           TEXT NOT NULL,
    status               TEXT NOT NULL,
    submitted_at         DATETIME,
    submitted_by_user_id TEXT,
    submitted_from_ip    TEXT,
    created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    invalidated_at       DATETIME
);

CREATE TABLE IF NOT EXISTS container_flag_attempts (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    challenge_id         TEXT NOT NULL,
    account_id           TEXT NOT NULL,
    user_id              TEXT NOT NULL,
    submitted_flag_hash  TEXT NOT NULL,
    is_correct           INTEGER NOT NULL DEFAULT 0,
    is_cheating          INTEGER NOT NULL DEFAULT 0,
    flag_owner_account_id TEXT,
    ip_address           TEXT NOT NULL DEFAULT '',
    user_agent           TEXT NOT NULL DEFAULT '',
    timestamp            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_attempts_account_timestamp
    ON container_flag_attempts (account_id, timestamp);

CREATE TABLE IF NOT EXISTS container_audit_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type    TEXT NOT NULL,
    instance_id   TEXT,
    challenge_id  TEXT,
    account_id    TEXT,
    user_id       TEXT,
    details       TEXT NOT NULL DEFAULT '{}',
    severity      TEXT NOT NULL DEFAULT 'info',
    request_ip    TEXT,
    timestamp     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_event_type_timestamp
    ON container_audit_logs (event_type, timestamp);

CREATE TABLE IF NOT EXISTS container_config (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// OpenDatabase opens the SQLite database at the given file path, runs the
// schema migration, and returns a ready-to-use *Database. The directory
// for the database file is created if it does not exist, so the caller
// does not need to pre-create the path on disk.
func OpenDatabase(dbPath string, logger *slog.Logger) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
	}

	// "sqlite3" is the driver name registered by the go-sqlite3 init() function.
	dbConnection, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %q: %w", dbPath, err)
	}

	// SQLite does not support concurrent writes from multiple connections.
	// Capping the pool at 1 connection prevents "database is locked" errors
	// that occur when the pool opens multiple connections that write
	// concurrently. every write in this package therefore serializes
	// through the same connection, which is acceptable at the scale of a
	// single-daemon control plane.
	dbConnection.SetMaxOpenConns(1)

	database := &Database{
		connection: dbConnection,
		logger:     logger,
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("database migration (table & column creation, DDL) failed: %w", err)
	}

	logger.Info("database opened and schema migrated", "path", dbPath)
	return database, nil
}

// CloseDatabase releases the database connection pool. should be deferred
// in main.go immediately after OpenDatabase returns successfully.
func (database *Database) CloseDatabase() error {
	return database.connection.Close()
}

// scanner is satisfied by both *sql.Row (QueryRow) and *sql.Rows (Query),
// letting scan helpers work with either without duplicating logic.
type scanner interface {
	Scan(dest ...any) error
}
