// Package docker wraps the Docker Engine SDK and provides the high-level
// operations the lifecycle engine needs: provisioning a per-player
// instance container, stopping and removing it, tailing its logs, and
// listing every container this platform manages. All Docker SDK calls are
// isolated here so no other package imports the SDK directly; if the
// Docker interaction strategy ever changes, only this package changes.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dockerSDKclient "github.com/docker/docker/client"
)

// managedByLabel marks every container this platform creates, so
// ListManaged (and through it CleanupOld) can enumerate them without
// tracking container IDs anywhere outside the instances table.
const managedByLabel = "corvus-ctf.managed-by"

// Client wraps the Docker SDK client with a logger. The SDK client itself
// manages the connection to the daemon; it is safe to share a single
// Client across goroutines because the SDK handles concurrency internally.
type Client struct {
	sdk    *dockerSDKclient.Client
	logger *slog.Logger
}

// NewClient connects to the Docker daemon and pings it to verify the
// connection is live before returning. A failure here should cause main.go
// to exit immediately: if the daemon is unreachable, the platform cannot
// provision anything.
//
// endpoint overrides the SDK's FromEnv discovery when non-empty, e.g.
// "unix:///var/run/docker.sock" or a remote "tcp://host:2376".
func NewClient(endpoint string, logger *slog.Logger) (*Client, error) {
	opts := []dockerSDKclient.Opt{
		dockerSDKclient.FromEnv,
		dockerSDKclient.WithAPIVersionNegotiation(),
	}
	if endpoint != "" {
		opts = append(opts, dockerSDKclient.WithHost(endpoint))
	}

	sdkClient, err := dockerSDKclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker sdk client: %w", err)
	}

	client := &Client{sdk: sdkClient, logger: logger}

	pingContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.ping(pingContext); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	logger.Info("docker client connected", "host", sdkClient.DaemonHost())
	return client, nil
}

// ping sends a lightweight ping request to the Docker daemon. used at
// startup to verify connectivity before the server begins accepting
// requests, and exposed as Ping for the admin health endpoint.
func (client *Client) ping(ctx context.Context) error {
	_, err := client.sdk.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Ping is the exported form of ping, used by the admin health endpoint to
// report Docker connectivity without tying up the startup path.
func (client *Client) Ping(ctx context.Context) error {
	return client.ping(ctx)
}

// Close releases the underlying Docker SDK client connection. should be
// deferred in main.go immediately after NewClient returns successfully.
func (client *Client) Close() error {
	return client.sdk.Close()
}
