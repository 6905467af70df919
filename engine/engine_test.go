package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sasta-kro/corvus-ctf/audit"
	"github.com/sasta-kro/corvus-ctf/config"
	"github.com/sasta-kro/corvus-ctf/db"
	"github.com/sasta-kro/corvus-ctf/models"
)

func testEngine(t *testing.T) (*Engine, *db.Database) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "engine-test.db"), logger)
	assert.NilError(t, err)
	t.Cleanup(func() { database.CloseDatabase() })

	configStore := config.NewStore(database)
	auditLog := audit.NewLog(database, logger)

	engine := NewEngine(Config{
		Database:    database,
		ConfigStore: configStore,
		AuditLog:    auditLog,
		Logger:      logger,
	})
	return engine, database
}

func TestInstanceUUIDFromExpiryKeyRoundTrip(t *testing.T) {
	key := expiryCacheKey("abc-123")
	uuid, ok := InstanceUUIDFromExpiryKey(key)
	assert.Assert(t, ok)
	assert.Equal(t, uuid, "abc-123")
}

func TestInstanceUUIDFromExpiryKeyRejectsUnrelatedKeys(t *testing.T) {
	_, ok := InstanceUUIDFromExpiryKey("some:other:key")
	assert.Assert(t, !ok)
}

func seedRunningInstance(t *testing.T, database *db.Database, uuid, challengeID, accountID string) *models.Instance {
	t.Helper()
	instance := &models.Instance{
		UUID:        uuid,
		ChallengeID: challengeID,
		AccountID:   accountID,
		Status:      models.StatusRunning,
		CreatedAt:   time.Now(),
	}
	assert.NilError(t, database.InsertInstance(instance))
	return instance
}

func TestStopOnInstanceWithoutContainerTransitionsToStopped(t *testing.T) {
	engine, database := testEngine(t)
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")

	assert.NilError(t, engine.Stop(context.Background(), instance.UUID, "acct-1"))

	fetched, err := database.GetInstance("uuid-1")
	assert.NilError(t, err)
	assert.Equal(t, fetched.Status, models.StatusStopped)
	assert.Assert(t, fetched.StoppedAt != nil)
}

func TestStopRejectsWrongAccount(t *testing.T) {
	engine, database := testEngine(t)
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")

	err := engine.Stop(context.Background(), instance.UUID, "someone-else")
	assert.Assert(t, err != nil)

	fetched, getErr := database.GetInstance("uuid-1")
	assert.NilError(t, getErr)
	assert.Equal(t, fetched.Status, models.StatusRunning)
}

func TestTeardownOnAlreadyTerminalInstanceIsNoOp(t *testing.T) {
	engine, database := testEngine(t)
	stoppedAt := time.Now()
	instance := &models.Instance{
		UUID:        "uuid-stopped",
		ChallengeID: "chal-1",
		AccountID:   "acct-1",
		Status:      models.StatusStopped,
		CreatedAt:   time.Now(),
		StoppedAt:   &stoppedAt,
	}
	assert.NilError(t, database.InsertInstance(instance))

	assert.NilError(t, engine.Teardown(context.Background(), "uuid-stopped", string(models.ReasonAdmin)))

	fetched, err := database.GetInstance("uuid-stopped")
	assert.NilError(t, err)
	assert.Equal(t, fetched.Status, models.StatusStopped)
}

func TestTeardownOnUnknownInstanceIsNoOp(t *testing.T) {
	engine, _ := testEngine(t)
	assert.NilError(t, engine.Teardown(context.Background(), "does-not-exist", string(models.ReasonExpired)))
}

func TestMarkSolvedTransitionsToSolvedAndIsImmortal(t *testing.T) {
	engine, database := testEngine(t)
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")

	assert.NilError(t, engine.MarkSolved(context.Background(), instance.UUID))

	fetched, err := database.GetInstance("uuid-1")
	assert.NilError(t, err)
	assert.Equal(t, fetched.Status, models.StatusSolved)
	assert.Assert(t, fetched.SolvedAt != nil)

	// a solved instance is terminal: tearing it down again (as the
	// scheduler would on a stale expiry key) must not revert its state.
	assert.NilError(t, engine.Teardown(context.Background(), instance.UUID, string(models.ReasonExpired)))
	fetched, err = database.GetInstance("uuid-1")
	assert.NilError(t, err)
	assert.Equal(t, fetched.Status, models.StatusSolved)
}

func TestStopDeletesTemporaryFlagRecordButSolvedKeepsIt(t *testing.T) {
	engine, database := testEngine(t)

	flagHash := "hash-non-solved"
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")
	instance.FlagHash = &flagHash
	assert.NilError(t, database.UpdateInstance(instance))
	assert.NilError(t, database.InsertFlagRecord(&models.FlagRecord{
		InstanceUUID: instance.UUID, FlagHash: flagHash, ChallengeID: "chal-1",
		AccountID: "acct-1", Status: models.FlagTemporary, CreatedAt: time.Now(),
	}))

	assert.NilError(t, engine.Stop(context.Background(), instance.UUID, "acct-1"))

	_, err := database.GetFlagRecordByHash(flagHash)
	assert.ErrorIs(t, err, db.ErrNotFound)

	solvedHash := "hash-solved"
	solvedInstance := seedRunningInstance(t, database, "uuid-2", "chal-1", "acct-2")
	solvedInstance.FlagHash = &solvedHash
	assert.NilError(t, database.UpdateInstance(solvedInstance))
	assert.NilError(t, database.InsertFlagRecord(&models.FlagRecord{
		InstanceUUID: solvedInstance.UUID, FlagHash: solvedHash, ChallengeID: "chal-1",
		AccountID: "acct-2", Status: models.FlagSubmittedCorrect, CreatedAt: time.Now(),
	}))

	assert.NilError(t, engine.MarkSolved(context.Background(), solvedInstance.UUID))

	record, err := database.GetFlagRecordByHash(solvedHash)
	assert.NilError(t, err)
	assert.Equal(t, record.Status, models.FlagSubmittedCorrect)
}

func TestRenewRejectsNonRunningInstance(t *testing.T) {
	engine, database := testEngine(t)
	instance := &models.Instance{
		UUID:        "uuid-pending",
		ChallengeID: "chal-1",
		AccountID:   "acct-1",
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
	}
	assert.NilError(t, database.InsertInstance(instance))

	_, err := engine.Renew(context.Background(), "uuid-pending", "acct-1")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRenewRejectsWrongAccount(t *testing.T) {
	engine, database := testEngine(t)
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")
	_ = instance

	_, err := engine.Renew(context.Background(), "uuid-1", "someone-else")
	assert.Assert(t, err != nil)
}

func TestRenewEnforcesMaxRenewalsCap(t *testing.T) {
	engine, database := testEngine(t)
	assert.NilError(t, database.InsertChallenge(&models.Challenge{
		ID:             "chal-1",
		Image:          "x",
		MaxRenewals:    1,
		TimeoutMinutes: 30,
	}))
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")
	instance.RenewalCount = 1
	assert.NilError(t, database.UpdateInstance(instance))

	_, err := engine.Renew(context.Background(), "uuid-1", "acct-1")
	assert.ErrorIs(t, err, ErrMaxRenewalsReached)
}

func TestRenewExtendsExpiryAndIncrementsCount(t *testing.T) {
	engine, database := testEngine(t)
	assert.NilError(t, database.InsertChallenge(&models.Challenge{
		ID:             "chal-1",
		Image:          "x",
		MaxRenewals:    5,
		TimeoutMinutes: 30,
	}))
	originalExpiry := time.Now().Add(time.Minute)
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")
	instance.ExpiresAt = &originalExpiry
	assert.NilError(t, database.UpdateInstance(instance))

	renewed, err := engine.Renew(context.Background(), "uuid-1", "acct-1")
	assert.NilError(t, err)
	assert.Equal(t, renewed.RenewalCount, 1)
	assert.Assert(t, renewed.ExpiresAt.After(originalExpiry))
}

// TestRenewExtendsByFixedFiveMinutesRegardlessOfChallengeTimeout pins down
// the exact extension: a challenge whose own timeout_minutes is far shorter
// than 5 minutes must still get the full fixed extension off its previous
// expires_at, not a recomputation from timeout_minutes.
func TestRenewExtendsByFixedFiveMinutesRegardlessOfChallengeTimeout(t *testing.T) {
	engine, database := testEngine(t)
	assert.NilError(t, database.InsertChallenge(&models.Challenge{
		ID:             "chal-1",
		Image:          "x",
		MaxRenewals:    5,
		TimeoutMinutes: 1,
	}))
	originalExpiry := time.Now().Add(10 * time.Minute)
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")
	instance.ExpiresAt = &originalExpiry
	assert.NilError(t, database.UpdateInstance(instance))

	renewed, err := engine.Renew(context.Background(), "uuid-1", "acct-1")
	assert.NilError(t, err)

	expectedExpiry := originalExpiry.Add(5 * time.Minute)
	delta := renewed.ExpiresAt.Sub(expectedExpiry)
	if delta < 0 {
		delta = -delta
	}
	assert.Assert(t, delta < time.Second, "expected expiry near %v, got %v", expectedExpiry, renewed.ExpiresAt)
}

func TestClaimedHostPortsCountsStoppingInstances(t *testing.T) {
	engine, database := testEngine(t)
	instance := &models.Instance{
		UUID:            "uuid-stopping",
		ChallengeID:     "chal-1",
		AccountID:       "acct-1",
		Status:          models.StatusStopping,
		CreatedAt:       time.Now(),
		ConnectionPorts: map[int]int{1337: 30010},
	}
	assert.NilError(t, database.InsertInstance(instance))

	claimed, err := engine.claimedHostPorts()
	assert.NilError(t, err)
	assert.Assert(t, len(claimed) == 1 && claimed[0] == 30010, "expected port held by a stopping instance to still be claimed, got %v", claimed)
}

func TestCleanupOldDeletesStoppedPastRetentionButNeverSolved(t *testing.T) {
	engine, database := testEngine(t)
	longStopped := time.Now().Add(-48 * time.Hour)
	recentlyStopped := time.Now().Add(-time.Hour)

	assert.NilError(t, database.InsertInstance(&models.Instance{
		UUID: "old-stopped", ChallengeID: "chal-1", AccountID: "acct-1",
		Status: models.StatusStopped, CreatedAt: longStopped, StoppedAt: &longStopped,
	}))
	assert.NilError(t, database.InsertInstance(&models.Instance{
		UUID: "recent-stopped", ChallengeID: "chal-1", AccountID: "acct-1",
		Status: models.StatusStopped, CreatedAt: recentlyStopped, StoppedAt: &recentlyStopped,
	}))
	assert.NilError(t, database.InsertInstance(&models.Instance{
		UUID: "old-solved", ChallengeID: "chal-1", AccountID: "acct-1",
		Status: models.StatusSolved, CreatedAt: longStopped, StoppedAt: &longStopped, SolvedAt: &longStopped,
	}))

	_, deleted, err := engine.CleanupOld(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, deleted, int64(1))

	_, err = database.GetInstance("old-stopped")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = database.GetInstance("recent-stopped")
	assert.NilError(t, err)

	_, err = database.GetInstance("old-solved")
	assert.NilError(t, err)
}

func TestDeleteTearsDownAndRemovesRow(t *testing.T) {
	engine, database := testEngine(t)
	instance := seedRunningInstance(t, database, "uuid-1", "chal-1", "acct-1")

	assert.NilError(t, engine.Delete(context.Background(), instance.UUID, string(models.ReasonAdminDelete)))

	_, err := database.GetInstance("uuid-1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRenderConnectionInfoSubstitutesTokens(t *testing.T) {
	rendered := renderConnectionInfo("connect to {{HOSTNAME}}:{{PORT}} ({{SERVICE_NAME}})", "amber-ridge-3f9a", map[int]int{1337: 30010})
	assert.Equal(t, rendered, "connect to amber-ridge-3f9a.localhost:30010 (amber-ridge-3f9a)")
}

func TestRenderConnectionInfoWithoutSubdomainLeavesHostnameToken(t *testing.T) {
	rendered := renderConnectionInfo("nc {{HOSTNAME}} {{PORT}}", "", map[int]int{1337: 30010})
	assert.Equal(t, rendered, "nc {{HOSTNAME}} 30010")
}
