package db

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sasta-kro/corvus-ctf/models"
)

func testDatabase(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corvus-test.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	database, err := OpenDatabase(path, logger)
	assert.NilError(t, err)
	t.Cleanup(func() { database.CloseDatabase() })
	return database
}

func TestInsertAndGetChallengeRoundTrip(t *testing.T) {
	database := testDatabase(t)

	challenge := &models.Challenge{
		ID:             "pwn-101",
		Image:          "corvus/pwn-101:latest",
		InternalPorts:  []int{1337},
		ConnectionKind: models.ConnectionTCP,
		FlagPolicy:     models.FlagPolicyRandom,
		RandomLength:   32,
		TimeoutMinutes: 60,
		MaxRenewals:    2,
	}
	assert.NilError(t, database.InsertChallenge(challenge))

	fetched, err := database.GetChallenge("pwn-101")
	assert.NilError(t, err)
	assert.Equal(t, fetched.Image, "corvus/pwn-101:latest")
	assert.DeepEqual(t, fetched.InternalPorts, []int{1337})
	assert.Equal(t, fetched.MaxRenewals, 2)
}

func TestInsertChallengeUpsertsOnConflict(t *testing.T) {
	database := testDatabase(t)

	original := &models.Challenge{ID: "web-1", Image: "corvus/web-1:v1", InternalPorts: []int{80}}
	assert.NilError(t, database.InsertChallenge(original))

	updated := &models.Challenge{ID: "web-1", Image: "corvus/web-1:v2", InternalPorts: []int{80, 443}}
	assert.NilError(t, database.InsertChallenge(updated))

	fetched, err := database.GetChallenge("web-1")
	assert.NilError(t, err)
	assert.Equal(t, fetched.Image, "corvus/web-1:v2")
	assert.DeepEqual(t, fetched.InternalPorts, []int{80, 443})
}

func TestGetChallengeReturnsErrNotFound(t *testing.T) {
	database := testDatabase(t)

	_, err := database.GetChallenge("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListChallengesOrderedByID(t *testing.T) {
	database := testDatabase(t)
	assert.NilError(t, database.InsertChallenge(&models.Challenge{ID: "zebra", Image: "x"}))
	assert.NilError(t, database.InsertChallenge(&models.Challenge{ID: "alpha", Image: "y"}))

	challenges, err := database.ListChallenges()
	assert.NilError(t, err)
	assert.Equal(t, len(challenges), 2)
	assert.Equal(t, challenges[0].ID, "alpha")
	assert.Equal(t, challenges[1].ID, "zebra")
}

func TestDeleteChallengeRemovesRow(t *testing.T) {
	database := testDatabase(t)
	assert.NilError(t, database.InsertChallenge(&models.Challenge{ID: "temp", Image: "x"}))
	assert.NilError(t, database.DeleteChallenge("temp"))

	_, err := database.GetChallenge("temp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testInstance(uuid, challengeID, accountID string) *models.Instance {
	return &models.Instance{
		UUID:        uuid,
		ChallengeID: challengeID,
		AccountID:   accountID,
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
	}
}

func TestInsertAndGetInstanceRoundTrip(t *testing.T) {
	database := testDatabase(t)
	instance := testInstance("uuid-1", "pwn-101", "account-1")
	instance.ConnectionPorts = map[int]int{1337: 30010}

	assert.NilError(t, database.InsertInstance(instance))

	fetched, err := database.GetInstance("uuid-1")
	assert.NilError(t, err)
	assert.Equal(t, fetched.ChallengeID, "pwn-101")
	assert.Equal(t, fetched.Status, models.StatusPending)
	assert.DeepEqual(t, fetched.ConnectionPorts, map[int]int{1337: 30010})
}

func TestGetActiveInstanceOnlyMatchesActiveStatuses(t *testing.T) {
	database := testDatabase(t)
	running := testInstance("uuid-running", "chal-1", "acct-1")
	running.Status = models.StatusRunning
	assert.NilError(t, database.InsertInstance(running))

	stopped := testInstance("uuid-stopped", "chal-1", "acct-1")
	stopped.Status = models.StatusStopped
	assert.NilError(t, database.InsertInstance(stopped))

	active, err := database.GetActiveInstance("chal-1", "acct-1")
	assert.NilError(t, err)
	assert.Equal(t, active.UUID, "uuid-running")
}

func TestGetActiveInstanceReturnsErrNotFoundWhenNoneActive(t *testing.T) {
	database := testDatabase(t)
	stopped := testInstance("uuid-stopped", "chal-1", "acct-1")
	stopped.Status = models.StatusStopped
	assert.NilError(t, database.InsertInstance(stopped))

	_, err := database.GetActiveInstance("chal-1", "acct-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListExpiredInstancesOnlyReturnsPastExpiry(t *testing.T) {
	database := testDatabase(t)

	past := time.Now().Add(-time.Hour)
	expired := testInstance("uuid-expired", "chal-1", "acct-1")
	expired.Status = models.StatusRunning
	expired.ExpiresAt = &past
	assert.NilError(t, database.InsertInstance(expired))

	future := time.Now().Add(time.Hour)
	notExpired := testInstance("uuid-fresh", "chal-1", "acct-2")
	notExpired.Status = models.StatusRunning
	notExpired.ExpiresAt = &future
	assert.NilError(t, database.InsertInstance(notExpired))

	expiredRows, err := database.ListExpiredInstances(10)
	assert.NilError(t, err)
	assert.Equal(t, len(expiredRows), 1)
	assert.Equal(t, expiredRows[0].UUID, "uuid-expired")
}

func TestUpdateInstancePersistsStatusTransition(t *testing.T) {
	database := testDatabase(t)
	instance := testInstance("uuid-1", "chal-1", "acct-1")
	assert.NilError(t, database.InsertInstance(instance))

	instance.Status = models.StatusRunning
	containerID := "container-abc"
	instance.ContainerID = &containerID
	assert.NilError(t, database.UpdateInstance(instance))

	fetched, err := database.GetInstance("uuid-1")
	assert.NilError(t, err)
	assert.Equal(t, fetched.Status, models.StatusRunning)
	assert.Equal(t, *fetched.ContainerID, "container-abc")
}

func TestUpdateInstanceReturnsErrNotFoundForUnknownUUID(t *testing.T) {
	database := testDatabase(t)
	instance := testInstance("does-not-exist", "chal-1", "acct-1")

	err := database.UpdateInstance(instance)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAllInstancesReturnsEveryRow(t *testing.T) {
	database := testDatabase(t)
	assert.NilError(t, database.InsertInstance(testInstance("uuid-1", "chal-1", "acct-1")))
	assert.NilError(t, database.InsertInstance(testInstance("uuid-2", "chal-2", "acct-2")))

	all, err := database.ListAllInstances()
	assert.NilError(t, err)
	assert.Equal(t, len(all), 2)
}

func testFlagRecord(instanceUUID, hash string) *models.FlagRecord {
	return &models.FlagRecord{
		InstanceUUID: instanceUUID,
		FlagHash:     hash,
		ChallengeID:  "chal-1",
		AccountID:    "acct-1",
		Status:       models.FlagTemporary,
		CreatedAt:    time.Now(),
	}
}

func TestInsertAndGetFlagRecordByHash(t *testing.T) {
	database := testDatabase(t)
	record := testFlagRecord("uuid-1", "hash-abc")
	assert.NilError(t, database.InsertFlagRecord(record))

	fetched, err := database.GetFlagRecordByHash("hash-abc")
	assert.NilError(t, err)
	assert.Equal(t, fetched.InstanceUUID, "uuid-1")
	assert.Equal(t, string(fetched.Status), "temporary")
}

func TestMarkFlagSubmittedTransitionsStatus(t *testing.T) {
	database := testDatabase(t)
	record := testFlagRecord("uuid-1", "hash-abc")
	assert.NilError(t, database.InsertFlagRecord(record))

	assert.NilError(t, database.MarkFlagSubmitted("hash-abc", "user-1", "10.0.0.1"))

	fetched, err := database.GetFlagRecordByHash("hash-abc")
	assert.NilError(t, err)
	assert.Equal(t, string(fetched.Status), "submitted_correct")
	assert.Equal(t, *fetched.SubmittedByUserID, "user-1")
}

func TestMarkFlagSubmittedReturnsErrNotFoundForUnknownHash(t *testing.T) {
	database := testDatabase(t)
	err := database.MarkFlagSubmitted("nope", "user-1", "10.0.0.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidateFlagRecordOnlyAffectsTemporaryFlags(t *testing.T) {
	database := testDatabase(t)
	record := testFlagRecord("uuid-1", "hash-abc")
	assert.NilError(t, database.InsertFlagRecord(record))
	assert.NilError(t, database.MarkFlagSubmitted("hash-abc", "user-1", "10.0.0.1"))

	assert.NilError(t, database.InvalidateFlagRecord("hash-abc"))

	fetched, err := database.GetFlagRecordByHash("hash-abc")
	assert.NilError(t, err)
	assert.Equal(t, string(fetched.Status), "submitted_correct")
}

func TestDeleteFlagRecordOnlyAffectsTemporaryFlags(t *testing.T) {
	database := testDatabase(t)
	record := testFlagRecord("uuid-1", "hash-abc")
	assert.NilError(t, database.InsertFlagRecord(record))
	assert.NilError(t, database.MarkFlagSubmitted("hash-abc", "user-1", "10.0.0.1"))

	assert.NilError(t, database.DeleteFlagRecord("hash-abc"))

	fetched, err := database.GetFlagRecordByHash("hash-abc")
	assert.NilError(t, err)
	assert.Equal(t, string(fetched.Status), "submitted_correct")
}

func TestDeleteFlagRecordRemovesTemporaryRow(t *testing.T) {
	database := testDatabase(t)
	record := testFlagRecord("uuid-1", "hash-temp")
	assert.NilError(t, database.InsertFlagRecord(record))

	assert.NilError(t, database.DeleteFlagRecord("hash-temp"))

	_, err := database.GetFlagRecordByHash("hash-temp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteInstanceRemovesRow(t *testing.T) {
	database := testDatabase(t)
	assert.NilError(t, database.InsertInstance(testInstance("uuid-1", "chal-1", "acct-1")))

	assert.NilError(t, database.DeleteInstance("uuid-1"))

	_, err := database.GetInstance("uuid-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteOldInstancesRemovesStoppedAndErrorPastRetentionButNeverSolved(t *testing.T) {
	database := testDatabase(t)
	now := time.Now()

	oldStoppedAt := now.Add(-48 * time.Hour)
	oldStopped := testInstance("uuid-old-stopped", "chal-1", "acct-1")
	oldStopped.Status = models.StatusStopped
	oldStopped.StoppedAt = &oldStoppedAt
	assert.NilError(t, database.InsertInstance(oldStopped))

	recentStoppedAt := now.Add(-time.Hour)
	recentStopped := testInstance("uuid-recent-stopped", "chal-1", "acct-1")
	recentStopped.Status = models.StatusStopped
	recentStopped.StoppedAt = &recentStoppedAt
	assert.NilError(t, database.InsertInstance(recentStopped))

	oldError := testInstance("uuid-old-error", "chal-1", "acct-1")
	oldError.Status = models.StatusError
	oldError.CreatedAt = now.Add(-2 * time.Hour)
	assert.NilError(t, database.InsertInstance(oldError))

	recentError := testInstance("uuid-recent-error", "chal-1", "acct-1")
	recentError.Status = models.StatusError
	recentError.CreatedAt = now.Add(-time.Minute)
	assert.NilError(t, database.InsertInstance(recentError))

	oldSolvedAt := now.Add(-24 * 30 * time.Hour)
	oldSolved := testInstance("uuid-old-solved", "chal-1", "acct-1")
	oldSolved.Status = models.StatusSolved
	oldSolved.StoppedAt = &oldSolvedAt
	oldSolved.CreatedAt = oldSolvedAt
	assert.NilError(t, database.InsertInstance(oldSolved))

	deleted, err := database.DeleteOldInstances(now.Add(-24*time.Hour), now.Add(-time.Hour))
	assert.NilError(t, err)
	assert.Equal(t, deleted, int64(2))

	_, err = database.GetInstance("uuid-old-stopped")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = database.GetInstance("uuid-old-error")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = database.GetInstance("uuid-recent-stopped")
	assert.NilError(t, err)
	_, err = database.GetInstance("uuid-recent-error")
	assert.NilError(t, err)
	_, err = database.GetInstance("uuid-old-solved")
	assert.NilError(t, err)
}

func TestInsertFlagAttemptAssignsID(t *testing.T) {
	database := testDatabase(t)
	attempt := &models.FlagAttempt{
		ChallengeID:       "chal-1",
		AccountID:         "acct-1",
		UserID:            "user-1",
		SubmittedFlagHash: "hash-1",
		IsCorrect:         true,
		Timestamp:         time.Now(),
	}
	assert.NilError(t, database.InsertFlagAttempt(attempt))
	assert.Assert(t, attempt.ID > 0)
}

func TestListCheatingAttemptsOnlyReturnsFlaggedRows(t *testing.T) {
	database := testDatabase(t)
	clean := &models.FlagAttempt{ChallengeID: "chal-1", AccountID: "acct-1", UserID: "u1", SubmittedFlagHash: "h1", IsCorrect: true, Timestamp: time.Now()}
	cheating := &models.FlagAttempt{ChallengeID: "chal-1", AccountID: "acct-2", UserID: "u2", SubmittedFlagHash: "h1", IsCheating: true, Timestamp: time.Now()}
	assert.NilError(t, database.InsertFlagAttempt(clean))
	assert.NilError(t, database.InsertFlagAttempt(cheating))

	rows, err := database.ListCheatingAttempts(10)
	assert.NilError(t, err)
	assert.Equal(t, len(rows), 1)
	assert.Equal(t, rows[0].AccountID, "acct-2")
}

func TestListAttemptsByAccountOrdersNewestFirst(t *testing.T) {
	database := testDatabase(t)
	first := &models.FlagAttempt{ChallengeID: "chal-1", AccountID: "acct-1", UserID: "u1", SubmittedFlagHash: "h1", Timestamp: time.Now().Add(-time.Minute)}
	second := &models.FlagAttempt{ChallengeID: "chal-1", AccountID: "acct-1", UserID: "u1", SubmittedFlagHash: "h2", Timestamp: time.Now()}
	assert.NilError(t, database.InsertFlagAttempt(first))
	assert.NilError(t, database.InsertFlagAttempt(second))

	rows, err := database.ListAttemptsByAccount("acct-1")
	assert.NilError(t, err)
	assert.Equal(t, len(rows), 2)
	assert.Equal(t, rows[0].SubmittedFlagHash, "h2")
}

func TestInsertAuditEventAssignsID(t *testing.T) {
	database := testDatabase(t)
	event := &models.AuditEvent{
		EventType: "instance_requested",
		Details:   "{}",
		Severity:  models.SeverityInfo,
		Timestamp: time.Now(),
	}
	assert.NilError(t, database.InsertAuditEvent(event))
	assert.Assert(t, event.ID > 0)
}

func TestListAuditEventsByTypeFilters(t *testing.T) {
	database := testDatabase(t)
	assert.NilError(t, database.InsertAuditEvent(&models.AuditEvent{EventType: "flag_reuse_detected", Details: "{}", Severity: models.SeverityCritical, Timestamp: time.Now()}))
	assert.NilError(t, database.InsertAuditEvent(&models.AuditEvent{EventType: "instance_requested", Details: "{}", Severity: models.SeverityInfo, Timestamp: time.Now()}))

	events, err := database.ListAuditEventsByType("flag_reuse_detected", 10)
	assert.NilError(t, err)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].EventType, "flag_reuse_detected")
}

func TestListAuditEventsByAccount(t *testing.T) {
	database := testDatabase(t)
	accountID := "acct-1"
	assert.NilError(t, database.InsertAuditEvent(&models.AuditEvent{EventType: "instance_requested", AccountID: &accountID, Details: "{}", Severity: models.SeverityInfo, Timestamp: time.Now()}))

	events, err := database.ListAuditEventsByAccount("acct-1", 10)
	assert.NilError(t, err)
	assert.Equal(t, len(events), 1)
}

func TestConfigValueRoundTripAndNotFound(t *testing.T) {
	database := testDatabase(t)

	_, err := database.GetConfigValue("default_timeout")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NilError(t, database.SetConfigValue("default_timeout", "30"))
	value, err := database.GetConfigValue("default_timeout")
	assert.NilError(t, err)
	assert.Equal(t, value, "30")

	assert.NilError(t, database.SetConfigValue("default_timeout", "45"))
	value, err = database.GetConfigValue("default_timeout")
	assert.NilError(t, err)
	assert.Equal(t, value, "45")
}

func TestListConfigValuesReturnsAllKeys(t *testing.T) {
	database := testDatabase(t)
	assert.NilError(t, database.SetConfigValue("a", "1"))
	assert.NilError(t, database.SetConfigValue("b", "2"))

	values, err := database.ListConfigValues()
	assert.NilError(t, err)
	assert.DeepEqual(t, values, map[string]string{"a": "1", "b": "2"})
}
