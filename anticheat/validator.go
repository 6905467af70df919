// Package anticheat validates flag submissions and detects cross-account
// flag reuse: a flag minted for one account's instance being submitted by
// a different account, the signature of screen-sharing or flag-trading.
package anticheat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sasta-kro/corvus-ctf/audit"
	"github.com/sasta-kro/corvus-ctf/db"
	"github.com/sasta-kro/corvus-ctf/models"
	"github.com/sasta-kro/corvus-ctf/notification"
)

// hasher is the narrow slice of *flag.Service this package needs.
type hasher interface {
	Hash(plaintext string) string
}

// banner is the narrow slice of hostplatform.Accounts this package needs.
type banner interface {
	Ban(ctx context.Context, accountID string, reason string) error
}

// configLookup reports whether a reused flag's owner account should also
// be banned (as opposed to just the submitter), backed by
// config.Store.BanFlagOwnerOnReuse.
type configLookup interface {
	BanFlagOwnerOnReuse() bool
}

// Validator ties flag lookup, attempt recording, audit logging, and ban
// enforcement together into one submission pipeline.
type Validator struct {
	database *db.Database
	hasher   hasher
	audit    *audit.Log
	bans     banner
	notifier notification.Notifier
	config   configLookup
	logger   *slog.Logger
}

// Config supplies every collaborator Validator needs.
type Config struct {
	Database *db.Database
	Hasher   hasher
	Audit    *audit.Log
	Bans     banner
	Notifier notification.Notifier
	Config   configLookup
	Logger   *slog.Logger
}

// NewValidator constructs a Validator.
func NewValidator(cfg Config) *Validator {
	return &Validator{
		database: cfg.Database,
		hasher:   cfg.Hasher,
		audit:    cfg.Audit,
		bans:     cfg.Bans,
		notifier: cfg.Notifier,
		config:   cfg.Config,
		logger:   cfg.Logger,
	}
}

// Outcome is the result of validating one submitted flag.
type Outcome struct {
	Correct  bool
	Cheating bool
	// OwnerAccountID is set only when Cheating is true.
	OwnerAccountID string
	// Message is the exact text the submission response shows the player,
	// e.g. "Correct!", "Already solved", "Incorrect", "This flag has
	// expired". A cheating submission always gets "Incorrect": detection
	// is never revealed to the submitter.
	Message string
}

const (
	messageCorrect       = "Correct"
	messageCorrectNew    = "Correct!"
	messageAlreadySolved = "Already solved"
	messageIncorrect     = "Incorrect"
	messageFlagExpired   = "This flag has expired"
)

// Submission describes one flag-submission request.
type Submission struct {
	ChallengeID   string
	AccountID     string
	UserID        string
	PlaintextFlag string
	IPAddress     string
	UserAgent     string
}

// Validate classifies one submitted flag as correct, wrong, or cheating.
// Every call produces exactly one flag_attempt row, regardless of outcome.
//
// Static-policy challenges are validated by direct plaintext comparison
// against the challenge's prefix/suffix: no flag record ever exists for
// them, since the flag itself is not randomly minted per instance.
// Random-policy challenges are validated by looking up the SHA-256 hash of
// the submission against the container_flags table.
func (validator *Validator) Validate(ctx context.Context, submission Submission) (*Outcome, error) {
	hash := validator.hasher.Hash(submission.PlaintextFlag)

	attempt := &models.FlagAttempt{
		ChallengeID:       submission.ChallengeID,
		AccountID:         submission.AccountID,
		UserID:            submission.UserID,
		SubmittedFlagHash: hash,
		IPAddress:         submission.IPAddress,
		UserAgent:         submission.UserAgent,
		Timestamp:         time.Now(),
	}

	challenge, err := validator.database.GetChallenge(submission.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge %q: %w", submission.ChallengeID, err)
	}

	if challenge.FlagPolicy == models.FlagPolicyStatic {
		return validator.validateStatic(challenge, submission, attempt)
	}
	return validator.validateRandom(ctx, submission, attempt, hash)
}

// validateStatic compares the submission directly against the challenge's
// configured prefix and suffix; no flag record is ever minted or consulted.
func (validator *Validator) validateStatic(challenge *models.Challenge, submission Submission, attempt *models.FlagAttempt) (*Outcome, error) {
	correct := submission.PlaintextFlag == challenge.FlagPrefix+challenge.FlagSuffix
	attempt.IsCorrect = correct
	if err := validator.database.InsertFlagAttempt(attempt); err != nil {
		validator.logger.Error("failed to record flag attempt", "error", err)
	}

	if !correct {
		return &Outcome{Correct: false, Message: messageIncorrect}, nil
	}

	challengeID := submission.ChallengeID
	accountID := submission.AccountID
	userID := submission.UserID
	validator.audit.Record(audit.Event{
		Type:        "flag_submitted_correct",
		ChallengeID: &challengeID,
		AccountID:   &accountID,
		UserID:      &userID,
		Severity:    models.SeverityInfo,
	})
	return &Outcome{Correct: true, Message: messageCorrect}, nil
}

// validateRandom looks up the submission's hash in container_flags and
// classifies the outcome per the minted flag's status and owning account.
func (validator *Validator) validateRandom(ctx context.Context, submission Submission, attempt *models.FlagAttempt, hash string) (*Outcome, error) {
	record, err := validator.database.GetFlagRecordByHash(hash)
	notFound := errors.Is(err, db.ErrNotFound)
	if err != nil && !notFound {
		return nil, fmt.Errorf("failed to look up flag record: %w", err)
	}

	if notFound {
		attempt.IsCorrect = false
		if err := validator.database.InsertFlagAttempt(attempt); err != nil {
			validator.logger.Error("failed to record flag attempt", "error", err)
		}
		return &Outcome{Correct: false, Message: messageIncorrect}, nil
	}

	if record.Status == models.FlagInvalidated {
		attempt.IsCorrect = false
		if err := validator.database.InsertFlagAttempt(attempt); err != nil {
			validator.logger.Error("failed to record flag attempt", "error", err)
		}
		return &Outcome{Correct: false, Message: messageFlagExpired}, nil
	}

	if record.AccountID != submission.AccountID {
		// Cross-account reuse: the submitting account does not own this
		// flag. Never reveal detection in the response.
		attempt.IsCorrect = false
		attempt.IsCheating = true
		ownerID := record.AccountID
		attempt.FlagOwnerAccountID = &ownerID
		if err := validator.database.InsertFlagAttempt(attempt); err != nil {
			validator.logger.Error("failed to record flag attempt", "error", err)
		}

		validator.handleCheating(ctx, submission, record)

		return &Outcome{Cheating: true, OwnerAccountID: ownerID, Message: messageIncorrect}, nil
	}

	if record.Status == models.FlagSubmittedCorrect {
		attempt.IsCorrect = true
		if err := validator.database.InsertFlagAttempt(attempt); err != nil {
			validator.logger.Error("failed to record flag attempt", "error", err)
		}
		return &Outcome{Correct: true, Message: messageAlreadySolved}, nil
	}

	attempt.IsCorrect = true
	if err := validator.database.InsertFlagAttempt(attempt); err != nil {
		validator.logger.Error("failed to record flag attempt", "error", err)
	}
	if err := validator.database.MarkFlagSubmitted(hash, submission.UserID, submission.IPAddress); err != nil {
		validator.logger.Error("failed to mark flag submitted", "error", err)
	}

	challengeID := submission.ChallengeID
	accountID := submission.AccountID
	userID := submission.UserID
	validator.audit.Record(audit.Event{
		Type:        "flag_submitted_correct",
		ChallengeID: &challengeID,
		AccountID:   &accountID,
		UserID:      &userID,
		Severity:    models.SeverityInfo,
	})

	return &Outcome{Correct: true, Message: messageCorrectNew}, nil
}

func (validator *Validator) handleCheating(ctx context.Context, submission Submission, record *models.FlagRecord) {
	challengeID := submission.ChallengeID
	accountID := submission.AccountID
	userID := submission.UserID

	validator.audit.Record(audit.Event{
		Type:        "flag_reuse_detected",
		ChallengeID: &challengeID,
		AccountID:   &accountID,
		UserID:      &userID,
		Severity:    models.SeverityCritical,
		Details: map[string]string{
			"flag_owner_account_id": record.AccountID,
			"instance_uuid":         record.InstanceUUID,
		},
	})

	reason := fmt.Sprintf("submitted a flag minted for account %s on challenge %s", record.AccountID, submission.ChallengeID)
	if err := validator.bans.Ban(ctx, submission.AccountID, reason); err != nil {
		validator.logger.Error("failed to ban submitting account", "account_id", submission.AccountID, "error", err)
	}

	if validator.config.BanFlagOwnerOnReuse() {
		ownerReason := fmt.Sprintf("flag was reused by account %s on challenge %s", submission.AccountID, submission.ChallengeID)
		if err := validator.bans.Ban(ctx, record.AccountID, ownerReason); err != nil {
			validator.logger.Error("failed to ban flag owner account", "account_id", record.AccountID, "error", err)
		}
	}

	subject := "flag reuse detected"
	body := fmt.Sprintf("account %s submitted a flag owned by account %s on challenge %s",
		submission.AccountID, record.AccountID, submission.ChallengeID)
	if err := validator.notifier.Notify(ctx, subject, body); err != nil {
		validator.logger.Warn("failed to send anti-cheat notification", "error", err)
	}
}
