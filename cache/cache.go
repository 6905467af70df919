// Package cache wraps the Redis client used for distributed locks, TTL
// bookkeeping, and keyspace expiration notifications. Every call that
// touches the network takes a context.Context, following the same
// blocking-operation convention the Docker adapter uses.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps *redis.Client. Wrapping rather than embedding keeps the
// package's public surface limited to the operations the rest of the core
// actually needs, instead of exposing every method the Redis SDK offers.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient dials Redis at addr and verifies connectivity with a PING
// before returning, so a misconfigured address fails fast at startup
// instead of on the first request that needs a lock.
func NewClient(addr string, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %q: %w", addr, err)
	}

	logger.Info("connected to redis", "addr", addr)
	return &Client{rdb: rdb, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (client *Client) Close() error {
	return client.rdb.Close()
}

// AcquireLock attempts to take a short-lived distributed lock identified by
// key, held for ttl. Returns true if the lock was acquired by this caller.
// Used by the port allocator to serialize the scan-then-reserve sequence
// across multiple API server processes.
func (client *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := client.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	return acquired, nil
}

// ReleaseLock deletes a lock key early, once the critical section it
// guards has finished, instead of waiting out the full TTL.
func (client *Client) ReleaseLock(ctx context.Context, key string) error {
	if err := client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", key, err)
	}
	return nil
}

// SetWithTTL stores a value that expires after ttl. Used to mirror an
// instance's expires_at into Redis so its natural expiry fires a keyspace
// notification the scheduler can listen for.
func (client *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := client.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

// Get reads a key's value. Returns redis.Nil (unwrapped) if the key does not
// exist or has already expired; callers compare with errors.Is(err, redis.Nil).
func (client *Client) Get(ctx context.Context, key string) (string, error) {
	value, err := client.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return value, nil
}

// Expire updates a key's remaining TTL, used when an instance is renewed
// and its expiry needs to move further into the future.
func (client *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := client.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("failed to update expiry for key %q: %w", key, err)
	}
	return nil
}

// Delete removes a key outright, used when an instance is stopped before
// its natural expiry so a stale notification never fires for it.
func (client *Client) Delete(ctx context.Context, key string) error {
	if err := client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// SubscribeExpired subscribes to Redis's keyspace notification channel for
// expired-key events and returns the channel of key names as they expire.
// Requires the Redis server to have `notify-keyspace-events Ex` enabled;
// the scheduler treats a silent/empty channel as "fall back to sweeping"
// rather than failing startup, since this is a performance optimization
// over the sweeper, not a correctness requirement.
func (client *Client) SubscribeExpired(ctx context.Context, db int) <-chan string {
	pubsub := client.rdb.PSubscribe(ctx, fmt.Sprintf("__keyevent@%d__:expired", db))

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()
		channel := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-channel:
				if !ok {
					return
				}
				out <- msg.Payload
			}
		}
	}()
	return out
}
