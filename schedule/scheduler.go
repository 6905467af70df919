// Package schedule drives instance expiration. Two independent mechanisms
// feed the same teardown path: a Redis keyspace-notification listener
// reacts to a mirrored TTL key expiring in near-real-time, and a ticker-
// driven sweeper scans the database directly as a safety net for whatever
// the notification mechanism misses (a missed pub/sub message, a Redis
// restart, a key that was never mirrored because Redis was briefly down).
package schedule

import (
	"context"
	"log/slog"
	"time"
)

// teardownFunc is supplied by the engine: given an instance UUID, stop its
// container and transition it to a terminal state. Declared as a function
// type rather than an interface because the scheduler needs exactly one
// operation from the engine, and passing it directly keeps this package
// free of any import of engine (main.go wires the two together).
type teardownFunc func(ctx context.Context, instanceUUID string, reason string) error

// keyspaceSource abstracts the Redis subscription, so this package never
// imports the cache package's redis.Client type directly.
type keyspaceSource interface {
	SubscribeExpired(ctx context.Context, db int) <-chan string
}

// Scheduler owns the two background goroutines that fire expiration.
type Scheduler struct {
	logger   *slog.Logger
	teardown teardownFunc
	source   keyspaceSource

	sweepInterval func() time.Duration
	sweepBatch    int
	sweep         func(ctx context.Context, limit int) ([]string, error)

	keyToInstanceUUID func(key string) (string, bool)
}

// Config supplies every collaborator Scheduler needs. sweepInterval is a
// function rather than a fixed duration so the scheduler picks up live
// changes to config.Store's sweep_interval_seconds without a restart.
type Config struct {
	Logger            *slog.Logger
	Teardown          teardownFunc
	Source            keyspaceSource
	SweepInterval     func() time.Duration
	SweepBatchSize    int
	Sweep             func(ctx context.Context, limit int) ([]string, error)
	KeyToInstanceUUID func(key string) (string, bool)
}

// NewScheduler constructs a Scheduler. Call Run to start its background
// goroutines; Run blocks until ctx is cancelled, so callers launch it in
// its own goroutine from main.go, the same shape the teacher's
// expiration-cleanup loop used.
func NewScheduler(cfg Config) *Scheduler {
	batch := cfg.SweepBatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Scheduler{
		logger:            cfg.Logger,
		teardown:          cfg.Teardown,
		source:            cfg.Source,
		sweepInterval:     cfg.SweepInterval,
		sweepBatch:        batch,
		sweep:             cfg.Sweep,
		keyToInstanceUUID: cfg.KeyToInstanceUUID,
	}
}

// Run starts the keyspace listener and the sweeper and blocks until ctx is
// cancelled. Both goroutines are self-exclusive: a container already being
// torn down by one path is simply a no-op second teardown call for the
// other, since the engine's teardown transition is idempotent on a
// terminal instance.
func (scheduler *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{}, 2)

	go func() {
		scheduler.runKeyspaceListener(ctx)
		done <- struct{}{}
	}()

	go func() {
		scheduler.runSweeper(ctx)
		done <- struct{}{}
	}()

	<-done
	<-done
	scheduler.logger.Info("expiration scheduler stopped")
}

func (scheduler *Scheduler) runKeyspaceListener(ctx context.Context) {
	if scheduler.source == nil {
		return
	}
	expired := scheduler.source.SubscribeExpired(ctx, 0)
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-expired:
			if !ok {
				return
			}
			instanceUUID, matched := scheduler.keyToInstanceUUID(key)
			if !matched {
				continue
			}
			scheduler.teardownOne(ctx, instanceUUID, "expired")
		}
	}
}

func (scheduler *Scheduler) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(scheduler.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.sweepOnce(ctx)
			// pick up any live config change to the sweep interval.
			ticker.Reset(scheduler.sweepInterval())
		}
	}
}

func (scheduler *Scheduler) sweepOnce(ctx context.Context) {
	sweepContext, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	instanceUUIDs, err := scheduler.sweep(sweepContext, scheduler.sweepBatch)
	if err != nil {
		scheduler.logger.Error("expiration sweep failed", "error", err)
		return
	}
	for _, instanceUUID := range instanceUUIDs {
		scheduler.teardownOne(ctx, instanceUUID, "expired")
	}
	if len(instanceUUIDs) > 0 {
		scheduler.logger.Info("expiration sweep tore down instances", "count", len(instanceUUIDs))
	}
}

func (scheduler *Scheduler) teardownOne(ctx context.Context, instanceUUID, reason string) {
	teardownContext, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if err := scheduler.teardown(teardownContext, instanceUUID, reason); err != nil {
		scheduler.logger.Error("failed to tear down expired instance",
			"instance_uuid", instanceUUID, "error", err)
	}
}
