// Package engine implements the per-player container instance lifecycle:
// request, renew, stop, and the scheduler/admin-triggered teardown and
// cleanup paths. It is the one place that touches every other domain
// package (db, docker, flag, ports, cache, config, audit), orchestrating
// them into the state machine the rest of the system only observes through
// the container_instances table.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sasta-kro/corvus-ctf/audit"
	"github.com/sasta-kro/corvus-ctf/cache"
	"github.com/sasta-kro/corvus-ctf/config"
	"github.com/sasta-kro/corvus-ctf/db"
	"github.com/sasta-kro/corvus-ctf/docker"
	"github.com/sasta-kro/corvus-ctf/flag"
	"github.com/sasta-kro/corvus-ctf/models"
	"github.com/sasta-kro/corvus-ctf/ports"
	"github.com/sasta-kro/corvus-ctf/util"
)

// ErrActiveInstanceExists is returned by Request when the (challenge,
// account) pair already has a pending/provisioning/running instance. The
// uniqueness invariant is enforced here, not by a DB constraint, because
// the check-then-insert sequence needs the caller to decide what to do
// with the existing instance (usually: just return it).
var ErrActiveInstanceExists = fmt.Errorf("an active instance already exists for this challenge and account")

// ErrMaxRenewalsReached is returned by Renew once an instance has used up
// its challenge's (or the config default's) renewal budget.
var ErrMaxRenewalsReached = fmt.Errorf("maximum renewals reached for this instance")

// ErrNotRunning is returned by Renew when the instance is not running.
// Stop does not return it: stopping an instance that is no longer active
// is a no-op.
var ErrNotRunning = fmt.Errorf("instance is not running")

// renewalExtension is the fixed amount Renew adds to an instance's
// expires_at, regardless of the challenge's own timeout_minutes.
const renewalExtension = 5 * time.Minute

// Engine orchestrates the instance lifecycle.
type Engine struct {
	database       *db.Database
	dockerClient   *docker.Client
	flagService    *flag.Service
	portAllocator  *ports.Allocator
	cacheClient    *cache.Client
	configStore    *config.Store
	auditLog       *audit.Log
	logger         *slog.Logger
	traefikNetwork string
}

// Config supplies every collaborator Engine needs.
type Config struct {
	Database       *db.Database
	DockerClient   *docker.Client
	FlagService    *flag.Service
	PortAllocator  *ports.Allocator
	CacheClient    *cache.Client
	ConfigStore    *config.Store
	AuditLog       *audit.Log
	Logger         *slog.Logger
	TraefikNetwork string
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		database:       cfg.Database,
		dockerClient:   cfg.DockerClient,
		flagService:    cfg.FlagService,
		portAllocator:  cfg.PortAllocator,
		cacheClient:    cfg.CacheClient,
		configStore:    cfg.ConfigStore,
		auditLog:       cfg.AuditLog,
		logger:         cfg.Logger,
		traefikNetwork: cfg.TraefikNetwork,
	}
}

// expiryCacheKey is the Redis key mirroring an instance's expires_at, used
// to drive the scheduler's keyspace-notification listener.
func expiryCacheKey(instanceUUID string) string {
	return "corvus:instance:" + instanceUUID + ":expiry"
}

// InstanceUUIDFromExpiryKey extracts the instance UUID from a Redis
// keyspace-notification payload, the inverse of expiryCacheKey. Passed to
// schedule.Scheduler as KeyToInstanceUUID.
func InstanceUUIDFromExpiryKey(key string) (string, bool) {
	const prefix, suffix = "corvus:instance:", ":expiry"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix), true
}

// Request provisions a new instance for (challengeID, accountID), or
// returns the existing active one. This is the only place an instance row
// is created.
func (engine *Engine) Request(ctx context.Context, challengeID, accountID, userID, requestIP string) (*models.Instance, string, error) {
	existing, err := engine.database.GetActiveInstance(challengeID, accountID)
	if err == nil {
		return existing, "", ErrActiveInstanceExists
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, "", fmt.Errorf("failed to check for active instance: %w", err)
	}

	challenge, err := engine.database.GetChallenge(challengeID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load challenge %q: %w", challengeID, err)
	}

	instance := &models.Instance{
		UUID:        uuid.New().String(),
		ChallengeID: challengeID,
		AccountID:   accountID,
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := engine.database.InsertInstance(instance); err != nil {
		return nil, "", fmt.Errorf("failed to insert instance row: %w", err)
	}

	engine.auditLog.Record(audit.Event{
		Type:        "instance_requested",
		InstanceID:  &instance.UUID,
		ChallengeID: &challengeID,
		AccountID:   &accountID,
		UserID:      &userID,
		RequestIP:   &requestIP,
	})

	plaintextFlag, err := engine.provision(ctx, instance, challenge)
	if err != nil {
		instance.Status = models.StatusError
		message := err.Error()
		instance.ErrorMessage = &message
		_ = engine.database.UpdateInstance(instance)
		engine.auditLog.Record(audit.Event{
			Type:        "instance_provision_failed",
			InstanceID:  &instance.UUID,
			ChallengeID: &challengeID,
			AccountID:   &accountID,
			Severity:    models.SeverityError,
			Details:     map[string]string{"error": message},
		})
		return instance, "", err
	}

	return instance, plaintextFlag, nil
}

func (engine *Engine) provision(ctx context.Context, instance *models.Instance, challenge *models.Challenge) (string, error) {
	instance.Status = models.StatusProvisioning
	if err := engine.database.UpdateInstance(instance); err != nil {
		return "", fmt.Errorf("failed to mark instance provisioning: %w", err)
	}

	var plaintextFlag string
	var err error
	if challenge.FlagPolicy == models.FlagPolicyRandom {
		plaintextFlag, err = engine.flagService.Mint(challenge.FlagPrefix, challenge.FlagSuffix, challenge.RandomLength, instance.AccountID, instance.ChallengeID)
		if err != nil {
			return "", fmt.Errorf("failed to mint flag: %w", err)
		}
	}

	claimedPorts, err := engine.claimedHostPorts()
	if err != nil {
		return "", fmt.Errorf("failed to determine claimed host ports: %w", err)
	}

	allocatedPorts, err := engine.portAllocator.Allocate(ctx, claimedPorts, len(challenge.InternalPorts))
	if err != nil {
		return "", fmt.Errorf("failed to allocate host ports: %w", err)
	}

	portBindings := make(map[int]int, len(challenge.InternalPorts))
	for i, internalPort := range challenge.InternalPorts {
		portBindings[internalPort] = allocatedPorts[i]
	}

	command := []string{}
	if challenge.StartupCommand != "" {
		substituted := strings.ReplaceAll(challenge.StartupCommand, "{FLAG}", plaintextFlag)
		command = []string{"sh", "-c", substituted}
	}

	memory := challenge.MaxMemory
	if memory == "" {
		memory = engine.configStore.DefaultMemory()
	}
	cpu := challenge.MaxCPU
	if cpu == 0 {
		cpu = engine.configStore.DefaultCPU()
	}
	pidsLimit := challenge.PidsLimit
	if pidsLimit == 0 {
		pidsLimit = engine.configStore.DefaultPidsLimit()
	}

	subdomain := ""
	traefikPort := 0
	if challenge.ConnectionKind == models.ConnectionHTTP || challenge.ConnectionKind == models.ConnectionHTTPS {
		subdomain, err = util.GenerateSubdomain()
		if err != nil {
			return "", fmt.Errorf("failed to generate subdomain: %w", err)
		}
		if len(challenge.InternalPorts) > 0 {
			traefikPort = challenge.InternalPorts[0]
		}
	}

	timeoutMinutes := challenge.TimeoutMinutes
	if timeoutMinutes == 0 {
		timeoutMinutes = engine.configStore.DefaultTimeoutMinutes()
	}
	expiresAt := time.Now().Add(time.Duration(timeoutMinutes) * time.Minute)

	result, err := engine.dockerClient.Provision(ctx, docker.ProvisionConfig{
		ContainerName:  "corvus-" + instance.UUID,
		Image:          challenge.Image,
		Command:        command,
		PortBindings:   portBindings,
		Subdomain:      subdomain,
		TraefikNetwork: engine.traefikNetwork,
		TraefikPort:    traefikPort,
		Memory:         memory,
		CPU:            cpu,
		PidsLimit:      pidsLimit,
		InstanceUUID:   instance.UUID,
		ChallengeID:    instance.ChallengeID,
		AccountID:      instance.AccountID,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to provision container: %w", err)
	}

	var flagHash string
	if plaintextFlag != "" {
		encrypted, err := engine.flagService.Encrypt(plaintextFlag)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt flag: %w", err)
		}
		flagHash = engine.flagService.Hash(plaintextFlag)

		record := flag.RecordForInstance(instance.UUID, instance.ChallengeID, instance.AccountID, flagHash)
		if err := engine.database.InsertFlagRecord(record); err != nil {
			return "", fmt.Errorf("failed to record minted flag: %w", err)
		}
		instance.FlagEncrypted = &encrypted
		instance.FlagHash = &flagHash
	}

	containerID := result.ContainerID
	instance.ContainerID = &containerID
	instance.ConnectionPorts = result.HostPorts
	instance.ConnectionInfo = renderConnectionInfo(challenge.ConnectionInfo, subdomain, result.HostPorts)
	startedAt := time.Now()
	instance.StartedAt = &startedAt
	instance.ExpiresAt = &expiresAt
	instance.Status = models.StatusRunning

	if err := engine.database.UpdateInstance(instance); err != nil {
		return "", fmt.Errorf("failed to persist running instance: %w", err)
	}

	if engine.cacheClient != nil {
		_ = engine.cacheClient.SetWithTTL(ctx, expiryCacheKey(instance.UUID), instance.UUID, time.Until(expiresAt))
	}

	engine.auditLog.Record(audit.Event{
		Type:        "instance_provisioned",
		InstanceID:  &instance.UUID,
		ChallengeID: &instance.ChallengeID,
		AccountID:   &instance.AccountID,
		Details:     map[string]string{"container_id": containerID},
	})

	return plaintextFlag, nil
}

// renderConnectionInfo substitutes the {{HOSTNAME}}, {{PORT}}, and
// {{SERVICE_NAME}} templating tokens in a challenge's connection hint text.
func renderConnectionInfo(template, subdomain string, hostPorts map[int]int) string {
	rendered := template
	if subdomain != "" {
		rendered = strings.ReplaceAll(rendered, "{{HOSTNAME}}", subdomain+".localhost")
	}
	for _, hostPort := range hostPorts {
		rendered = strings.ReplaceAll(rendered, "{{PORT}}", fmt.Sprintf("%d", hostPort))
		break
	}
	rendered = strings.ReplaceAll(rendered, "{{SERVICE_NAME}}", subdomain)
	return rendered
}

func (engine *Engine) claimedHostPorts() ([]int, error) {
	instances, err := engine.database.ListAllInstances()
	if err != nil {
		return nil, err
	}
	var claimed []int
	for _, instance := range instances {
		if !instance.Status.HoldsPort() {
			continue
		}
		for _, hostPort := range instance.ConnectionPorts {
			claimed = append(claimed, hostPort)
		}
	}
	return claimed, nil
}

// Renew extends a running instance's expiry by the fixed renewalExtension,
// up to its renewal cap.
func (engine *Engine) Renew(ctx context.Context, instanceUUID, accountID string) (*models.Instance, error) {
	instance, err := engine.database.GetInstance(instanceUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %q: %w", instanceUUID, err)
	}
	if instance.AccountID != accountID {
		return nil, fmt.Errorf("instance %q does not belong to this account", instanceUUID)
	}
	if instance.Status != models.StatusRunning {
		return nil, ErrNotRunning
	}

	challenge, err := engine.database.GetChallenge(instance.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge %q: %w", instance.ChallengeID, err)
	}

	maxRenewals := challenge.MaxRenewals
	if maxRenewals == 0 {
		maxRenewals = engine.configStore.DefaultMaxRenewals()
	}
	if instance.RenewalCount >= maxRenewals {
		return nil, ErrMaxRenewalsReached
	}

	newExpiry := instance.ExpiresAt.Add(renewalExtension)
	instance.ExpiresAt = &newExpiry
	instance.RenewalCount++
	now := time.Now()
	instance.LastAccessedAt = &now

	if err := engine.database.UpdateInstance(instance); err != nil {
		return nil, fmt.Errorf("failed to persist renewed instance: %w", err)
	}

	if engine.cacheClient != nil {
		_ = engine.cacheClient.Expire(ctx, expiryCacheKey(instance.UUID), time.Until(newExpiry))
	}

	engine.auditLog.Record(audit.Event{
		Type:        "instance_renewed",
		InstanceID:  &instance.UUID,
		ChallengeID: &instance.ChallengeID,
		AccountID:   &instance.AccountID,
		Details:     map[string]int{"renewal_count": instance.RenewalCount},
	})

	return instance, nil
}

// Stop tears down a running instance at the owning account's request.
func (engine *Engine) Stop(ctx context.Context, instanceUUID, accountID string) error {
	instance, err := engine.database.GetInstance(instanceUUID)
	if err != nil {
		return fmt.Errorf("failed to load instance %q: %w", instanceUUID, err)
	}
	if instance.AccountID != accountID {
		return fmt.Errorf("instance %q does not belong to this account", instanceUUID)
	}
	return engine.teardown(ctx, instance, models.ReasonManual)
}

// Teardown tears down an instance by UUID regardless of owner, used by the
// scheduler (reason "expired") and by admin operations (reason "admin").
// It matches the function signature the scheduler package expects.
func (engine *Engine) Teardown(ctx context.Context, instanceUUID string, reason string) error {
	instance, err := engine.database.GetInstance(instanceUUID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load instance %q: %w", instanceUUID, err)
	}
	return engine.teardown(ctx, instance, models.StopReason(reason))
}

func (engine *Engine) teardown(ctx context.Context, instance *models.Instance, reason models.StopReason) error {
	if !instance.Status.Active() {
		// Already terminal; a second teardown call (scheduler racing an
		// admin action, or a sweep racing the keyspace listener) is a
		// no-op, not an error.
		return nil
	}

	instance.Status = models.StatusStopping
	if err := engine.database.UpdateInstance(instance); err != nil {
		return fmt.Errorf("failed to mark instance stopping: %w", err)
	}

	if instance.ContainerID != nil {
		if err := engine.dockerClient.Stop(ctx, *instance.ContainerID); err != nil {
			engine.logger.Error("failed to stop container", "instance_uuid", instance.UUID, "error", err)
		}
	}

	// A solved instance's flag record has already been transitioned to
	// submitted_correct by the anti-cheat validator and must be kept; any
	// other stop reason deletes the temporary record outright rather than
	// invalidating it in place, closing the hash-collision window a later
	// re-mint for the same player could otherwise hit.
	if instance.FlagHash != nil && reason != models.ReasonSolved {
		if err := engine.database.DeleteFlagRecord(*instance.FlagHash); err != nil {
			engine.logger.Error("failed to delete flag record", "instance_uuid", instance.UUID, "error", err)
		}
	}

	if engine.cacheClient != nil {
		_ = engine.cacheClient.Delete(ctx, expiryCacheKey(instance.UUID))
	}

	now := time.Now()
	instance.StoppedAt = &now
	if reason == models.ReasonSolved {
		instance.Status = models.StatusSolved
		instance.SolvedAt = &now
	} else {
		instance.Status = models.StatusStopped
	}

	if err := engine.database.UpdateInstance(instance); err != nil {
		return fmt.Errorf("failed to persist stopped instance: %w", err)
	}

	engine.auditLog.Record(audit.Event{
		Type:        "instance_stopped_" + string(reason),
		InstanceID:  &instance.UUID,
		ChallengeID: &instance.ChallengeID,
		AccountID:   &instance.AccountID,
	})

	return nil
}

// MarkSolved transitions a running instance straight to the solved
// terminal state, called by the API layer once the anti-cheat validator
// confirms a correct submission. A solved instance is immortal: it is
// never picked up by the expiration sweeper again once in this state,
// since teardown only acts on Active() instances.
func (engine *Engine) MarkSolved(ctx context.Context, instanceUUID string) error {
	instance, err := engine.database.GetInstance(instanceUUID)
	if err != nil {
		return fmt.Errorf("failed to load instance %q: %w", instanceUUID, err)
	}
	return engine.teardown(ctx, instance, models.ReasonSolved)
}

// stoppedRetention and errorRetention bound how long a terminal instance's
// row lingers before CleanupOld deletes it. Solved instances match neither
// window: they are excluded by the WHERE clause in
// db.Database.DeleteOldInstances, not by a runtime check here.
const (
	stoppedRetention = 24 * time.Hour
	errorRetention   = time.Hour
)

// CleanupOld is the admin-triggered housekeeping sweep. It first reconciles
// Docker reality against the database (stopping any container Docker still
// reports as managed that no port-holding instance row references, the
// drift that accumulates after a crash mid-provision or a manual
// `docker rm`), then deletes instance rows that have been terminal long
// enough that their history no longer needs review. Solved instances are
// never touched by either phase.
func (engine *Engine) CleanupOld(ctx context.Context) (int, int64, error) {
	reconciled, err := engine.reconcileOrphanedContainers(ctx)
	if err != nil {
		return 0, 0, err
	}

	deleted, err := engine.database.DeleteOldInstances(time.Now().Add(-stoppedRetention), time.Now().Add(-errorRetention))
	if err != nil {
		return reconciled, 0, fmt.Errorf("failed to delete old instances: %w", err)
	}

	engine.auditLog.Record(audit.Event{
		Type:     "cleanup_old_ran",
		Severity: models.SeverityInfo,
		Details:  map[string]int64{"containers_reconciled": int64(reconciled), "instances_deleted": deleted},
	})

	return reconciled, deleted, nil
}

// reconcileOrphanedContainers stops any Docker container carrying this
// platform's managed-by label that no instance still holding its port
// references. It is the first phase of CleanupOld, kept as its own method
// since it reasons about Docker state rather than instance-row age. With no
// Docker client configured it reconciles nothing and returns 0.
func (engine *Engine) reconcileOrphanedContainers(ctx context.Context) (int, error) {
	if engine.dockerClient == nil {
		return 0, nil
	}

	managedContainerIDs, err := engine.dockerClient.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list managed containers: %w", err)
	}

	instances, err := engine.database.ListAllInstances()
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	claimedContainerIDs := make(map[string]bool)
	for _, instance := range instances {
		if instance.Status.HoldsPort() && instance.ContainerID != nil {
			claimedContainerIDs[*instance.ContainerID] = true
		}
	}

	removed := 0
	for _, containerID := range managedContainerIDs {
		if claimedContainerIDs[containerID] {
			continue
		}
		if err := engine.dockerClient.Stop(ctx, containerID); err != nil {
			engine.logger.Error("failed to remove orphaned container", "container_id", containerID, "error", err)
			continue
		}
		removed++
	}

	return removed, nil
}

// Delete tears down an instance (if it is still active) and permanently
// removes its row, for the admin delete/bulk-delete surface. Unlike
// CleanupOld's age-gated sweep, this is immediate and operator-triggered:
// an operator who explicitly deletes an instance gets exactly that,
// regardless of how long it has been terminal.
func (engine *Engine) Delete(ctx context.Context, instanceUUID string, reason string) error {
	if err := engine.Teardown(ctx, instanceUUID, reason); err != nil {
		return err
	}
	if err := engine.database.DeleteInstance(instanceUUID); err != nil {
		return fmt.Errorf("failed to delete instance %q: %w", instanceUUID, err)
	}
	return nil
}
