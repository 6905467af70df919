// Package models defines the data structures shared across the control
// plane. It has no imports from other internal packages, making it the
// foundation of the dependency graph: db, engine, anticheat, and api all
// import from here, never the other way around.
package models

import "time"

// InstanceStatus is the lifecycle state of a single per-player container
// instance. Using a named string type instead of a plain string means the
// compiler rejects `instance.Status = "typo"` at compile time if "typo" is
// not one of the constants below.
type InstanceStatus string

const (
	StatusPending      InstanceStatus = "pending"
	StatusProvisioning InstanceStatus = "provisioning"
	StatusRunning      InstanceStatus = "running"
	StatusStopping     InstanceStatus = "stopping"
	StatusStopped      InstanceStatus = "stopped"
	StatusSolved       InstanceStatus = "solved"
	StatusError        InstanceStatus = "error"
)

// Active reports whether the status counts toward the "at most one active
// instance per (challenge, account)" uniqueness invariant.
func (s InstanceStatus) Active() bool {
	return s == StatusPending || s == StatusProvisioning || s == StatusRunning
}

// HoldsPort reports whether the status counts toward host-port exclusivity.
// This is deliberately a different set than Active(): a stopping instance
// has released neither its Docker container (still within its stop grace
// period) nor its host port, so a concurrent allocation must still see that
// port as claimed even though the instance no longer counts as "active" for
// the one-instance-per-(challenge,account) invariant.
func (s InstanceStatus) HoldsPort() bool {
	return s == StatusProvisioning || s == StatusRunning || s == StatusStopping
}

// FlagPolicy controls how a challenge's flag is produced.
type FlagPolicy string

const (
	FlagPolicyRandom FlagPolicy = "random"
	FlagPolicyStatic FlagPolicy = "static"
)

// ConnectionKind is the protocol a player is told to use when connecting to
// a running instance.
type ConnectionKind string

const (
	ConnectionSSH   ConnectionKind = "ssh"
	ConnectionHTTP  ConnectionKind = "http"
	ConnectionHTTPS ConnectionKind = "https"
	ConnectionTCP   ConnectionKind = "tcp"
	ConnectionNC    ConnectionKind = "nc"
	ConnectionURL   ConnectionKind = "url"
)

// FlagRecordStatus is the lifecycle state of a minted random-mode flag.
type FlagRecordStatus string

const (
	FlagTemporary        FlagRecordStatus = "temporary"
	FlagSubmittedCorrect FlagRecordStatus = "submitted_correct"
	FlagInvalidated      FlagRecordStatus = "invalidated"
)

// AuditSeverity ranks an audit event for filtering and alerting.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// StopReason records why an instance was taken out of the running state.
// It flows into the audit log's event type (instance_stopped_<reason>) so
// one column tells the whole story.
type StopReason string

const (
	ReasonManual          StopReason = "manual"
	ReasonExpired         StopReason = "expired"
	ReasonSolved          StopReason = "solved"
	ReasonAdmin           StopReason = "admin"
	ReasonAdminBulkDelete StopReason = "admin_bulk_delete"
	ReasonAdminDelete     StopReason = "admin_delete"
)

// Challenge is the read-only (to the core) definition of a CTF challenge.
// It is supplied by the surrounding host platform; this repo only stores
// and reads it through the challenges table so the engine can look up
// image/port/flag-policy/resource-limit data by ID without a round trip to
// the host on every request.
type Challenge struct {
	ID string `json:"id" db:"id"`

	// Image is the Docker image reference used to provision an instance.
	Image string `json:"image" db:"image"`

	// InternalPorts are the container ports exposed to players, e.g. [22]
	// for an SSH challenge or [1337, 1338] for a multi-service challenge.
	// Stored as a JSON array string in SQLite; decoded/encoded by the db
	// layer, never marshaled directly (db:"-").
	InternalPorts []int `json:"internal_ports" db:"-"`

	// StartupCommand optionally overrides the image's default command. May
	// contain the literal token "{FLAG}", substituted with the minted
	// plaintext flag before the container is created.
	StartupCommand string `json:"startup_command" db:"startup_command"`

	ConnectionKind ConnectionKind `json:"connection_kind" db:"connection_kind"`

	// ConnectionInfo is hint text shown to the player. May contain the
	// templating tokens {{HOSTNAME}}, {{PORT}}, {{SERVICE_NAME}}.
	ConnectionInfo string `json:"connection_info" db:"connection_info"`

	FlagPolicy   FlagPolicy `json:"flag_policy" db:"flag_policy"`
	FlagPrefix   string     `json:"flag_prefix" db:"flag_prefix"`
	FlagSuffix   string     `json:"flag_suffix" db:"flag_suffix"`
	RandomLength int        `json:"random_length" db:"random_length"`

	// TimeoutMinutes is this challenge's instance TTL. Zero means "fall
	// back to the config store's default_timeout".
	TimeoutMinutes int `json:"timeout_minutes" db:"timeout_minutes"`
	MaxRenewals    int `json:"max_renewals" db:"max_renewals"`

	// Resource limits; empty/zero means "fall back to the config store's
	// default_memory/default_cpu".
	MaxMemory string  `json:"max_memory" db:"max_memory"`
	MaxCPU    float64 `json:"max_cpu" db:"max_cpu"`
	PidsLimit int64   `json:"pids_limit" db:"pids_limit"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Instance is the central mutable entity: one leased container for one
// (challenge, account) pair, from creation through to a terminal state.
type Instance struct {
	UUID        string `json:"uuid" db:"uuid"`
	ChallengeID string `json:"challenge_id" db:"challenge_id"`

	// AccountID is the team ID in team mode, the user ID otherwise. The
	// engine never interprets this value; it is opaque, supplied by
	// hostplatform.Accounts.CurrentAccount.
	AccountID string `json:"account_id" db:"account_id"`

	// ContainerID is nullable until the adapter reports a created container.
	ContainerID *string `json:"container_id,omitempty" db:"container_id"`

	ConnectionHost *string `json:"connection_host,omitempty" db:"connection_host"`
	ConnectionPort *int    `json:"connection_port,omitempty" db:"connection_port"`

	// ConnectionPorts maps internal container port -> external host port,
	// for challenges exposing more than one service. Empty/nil when
	// subdomain routing is used instead of host ports.
	ConnectionPorts map[int]int `json:"connection_ports,omitempty" db:"-"`

	ConnectionInfo string `json:"connection_info" db:"connection_info"`

	// FlagEncrypted is the AEAD ciphertext blob of the minted plaintext
	// flag; nil until the instance has been through provisioning.
	FlagEncrypted *string `json:"-" db:"flag_encrypted"`

	// FlagHash is the SHA-256 hex digest of the plaintext flag, used by the
	// anti-cheat validator to look up the owning instance/account without
	// ever storing or comparing plaintext.
	FlagHash *string `json:"-" db:"flag_hash"`

	Status InstanceStatus `json:"status" db:"status"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
	SolvedAt       *time.Time `json:"solved_at,omitempty" db:"solved_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty" db:"last_accessed_at"`

	RenewalCount int `json:"renewal_count" db:"renewal_count"`

	// ErrorMessage is populated when Status == StatusError so the admin
	// surface can show why provisioning or teardown failed.
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	// ExtraData is a free-form JSON string for per-instance metadata the
	// engine does not otherwise model (e.g. the resolved container name).
	ExtraData *string `json:"extra_data,omitempty" db:"extra_data"`
}

// FlagRecord ties one minted random-mode flag's hash back to the instance
// and account that own it. This is the row the anti-cheat validator looks
// up on every submission.
type FlagRecord struct {
	InstanceUUID string           `json:"instance_uuid" db:"instance_uuid"`
	FlagHash     string           `json:"flag_hash" db:"flag_hash"`
	ChallengeID  string           `json:"challenge_id" db:"challenge_id"`
	AccountID    string           `json:"account_id" db:"account_id"`
	Status       FlagRecordStatus `json:"status" db:"status"`

	SubmittedAt       *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	SubmittedByUserID *string    `json:"submitted_by_user_id,omitempty" db:"submitted_by_user_id"`
	SubmittedFromIP   *string    `json:"submitted_from_ip,omitempty" db:"submitted_from_ip"`

	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty" db:"invalidated_at"`
}

// FlagAttempt is an immutable record of a single flag submission, kept
// regardless of outcome so the anti-cheat audit trail is complete: every
// submission produces exactly one row.
type FlagAttempt struct {
	ID          int64  `json:"id" db:"id"`
	ChallengeID string `json:"challenge_id" db:"challenge_id"`
	AccountID   string `json:"account_id" db:"account_id"`
	UserID      string `json:"user_id" db:"user_id"`

	SubmittedFlagHash string `json:"submitted_flag_hash" db:"submitted_flag_hash"`
	IsCorrect         bool   `json:"is_correct" db:"is_correct"`
	IsCheating        bool   `json:"is_cheating" db:"is_cheating"`

	// FlagOwnerAccountID is set only when IsCheating is true: the account
	// that actually owns the reused flag.
	FlagOwnerAccountID *string `json:"flag_owner_account_id,omitempty" db:"flag_owner_account_id"`

	IPAddress string    `json:"ip_address" db:"ip_address"`
	UserAgent string    `json:"user_agent" db:"user_agent"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// AuditEvent is an immutable record of a lifecycle or validation event,
// append-only by design.
type AuditEvent struct {
	ID          int64         `json:"id" db:"id"`
	EventType   string        `json:"event_type" db:"event_type"`
	InstanceID  *string       `json:"instance_id,omitempty" db:"instance_id"`
	ChallengeID *string       `json:"challenge_id,omitempty" db:"challenge_id"`
	AccountID   *string       `json:"account_id,omitempty" db:"account_id"`
	UserID      *string       `json:"user_id,omitempty" db:"user_id"`
	Details     string        `json:"details" db:"details"` // JSON-encoded
	Severity    AuditSeverity `json:"severity" db:"severity"`
	RequestIP   *string       `json:"request_ip,omitempty" db:"request_ip"`
	Timestamp   time.Time     `json:"timestamp" db:"timestamp"`
}
