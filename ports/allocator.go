// Package ports allocates host ports for instance containers out of a
// fixed range, guaranteeing no two active instances are ever assigned the
// same host port even when multiple API server processes allocate
// concurrently.
package ports

import (
	"context"
	"fmt"
	"time"
)

// lock is the narrow slice of *cache.Client Allocator needs, kept as a
// local interface so this package does not import cache directly.
type lock interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Allocator hands out host ports from [RangeStart, RangeEnd) for newly
// provisioned instances. One port is reserved per internal container port
// the challenge exposes.
type Allocator struct {
	rangeStart int
	rangeEnd   int
	lock       lock
	lockKey    string
	lockTTL    time.Duration
}

// NewAllocator constructs an Allocator over the inclusive-exclusive port
// range [rangeStart, rangeEnd).
func NewAllocator(rangeStart, rangeEnd int, lockClient lock) *Allocator {
	return &Allocator{
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		lock:       lockClient,
		lockKey:    "corvus:ports:allocation-lock",
		lockTTL:    5 * time.Second,
	}
}

// ErrRangeExhausted is returned when no free port remains in the
// configured range for the number of ports requested.
var ErrRangeExhausted = fmt.Errorf("port range exhausted")

// Allocate reserves `count` distinct free host ports, disjoint from every
// port already in use by claimedPorts. The caller supplies the current
// claim set (typically every port column of every active instance) rather
// than Allocator tracking it itself, since the ports table lives in the
// engine's database, not here; this keeps Allocate a pure function modulo
// the distributed lock.
//
// The lock serializes the scan-then-reserve sequence across API server
// processes: without it, two concurrent requests could both observe the
// same free port before either one's instance row is written.
func (allocator *Allocator) Allocate(ctx context.Context, claimedPorts []int, count int) ([]int, error) {
	acquired, err := allocator.lock.AcquireLock(ctx, allocator.lockKey, allocator.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire port allocation lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("port allocation lock held by another process, try again")
	}
	defer func() {
		_ = allocator.lock.ReleaseLock(ctx, allocator.lockKey)
	}()

	claimed := make(map[int]bool, len(claimedPorts))
	for _, port := range claimedPorts {
		claimed[port] = true
	}

	allocated := make([]int, 0, count)
	for port := allocator.rangeStart; port < allocator.rangeEnd && len(allocated) < count; port++ {
		if claimed[port] {
			continue
		}
		allocated = append(allocated, port)
	}

	if len(allocated) < count {
		return nil, ErrRangeExhausted
	}
	return allocated, nil
}
