package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ProvisionConfig holds every parameter needed to create and start one
// player instance container. Grouping them in a struct keeps the method
// signature stable as hardening options grow.
type ProvisionConfig struct {
	// ContainerName is the Docker container name, convention "corvus-<uuid>".
	ContainerName string

	Image string

	// Command overrides the image's default command when non-empty. The
	// caller is responsible for substituting the {FLAG} token before
	// passing it here; this package never inspects command contents.
	Command []string

	// Env is passed as KEY=VALUE pairs to the container.
	Env map[string]string

	// PortBindings maps an internal container port to the host port it
	// should be published on. Every key must also be one of the ports the
	// challenge exposes.
	PortBindings map[int]int

	// Subdomain, when non-empty, attaches Traefik routing labels so the
	// instance is reachable at <Subdomain>.localhost instead of (or
	// in addition to) a published host port. Empty means host-port-only
	// routing, the common case for non-HTTP challenges (ssh, nc, raw tcp).
	Subdomain      string
	TraefikNetwork string
	TraefikPort    int

	// Memory is a Docker-style size string, e.g. "512m"; empty means no
	// memory limit is applied. Likewise a zero CPU or PidsLimit applies no
	// cap of that kind; the adapter adds no defaults of its own.
	Memory    string
	CPU       float64
	PidsLimit int64

	// InstanceUUID, ChallengeID, AccountID, and ExpiresAt are attached as
	// the mandatory ctfd.* labels, so a container can be identified and
	// attributed from `docker inspect` alone, without a database round
	// trip, during an incident.
	InstanceUUID string
	ChallengeID  string
	AccountID    string
	ExpiresAt    time.Time
}

// ProvisionResult reports what the adapter actually created, handed back
// to the engine to persist on the instance row.
type ProvisionResult struct {
	ContainerID string
	HostPorts   map[int]int // internal port -> bound host port
	HostAddress string
}

// errorKind classifies a provisioning failure so the engine can decide
// whether to retry, surface a user-facing message, or page an operator.
type errorKind string

const (
	ErrImageNotFound     errorKind = "image_not_found"
	ErrDaemonUnreachable errorKind = "daemon_unreachable"
	ErrNameConflict      errorKind = "name_conflict"
	ErrResourceExhausted errorKind = "resource_exhausted"
	ErrUnknown           errorKind = "unknown"
)

// ProvisionError wraps a provisioning failure with its classification so
// callers can switch on Kind without parsing error strings.
type ProvisionError struct {
	Kind errorKind
	Err  error
}

func (e *ProvisionError) Error() string { return e.Err.Error() }
func (e *ProvisionError) Unwrap() error { return e.Err }

func classify(err error) errorKind {
	message := err.Error()
	switch {
	case strings.Contains(message, "No such image"), strings.Contains(message, "not found"):
		return ErrImageNotFound
	case strings.Contains(message, "Conflict. The container name"):
		return ErrNameConflict
	case strings.Contains(message, "Cannot connect to the Docker daemon"):
		return ErrDaemonUnreachable
	case strings.Contains(message, "no space left"), strings.Contains(message, "cannot allocate memory"):
		return ErrResourceExhausted
	default:
		return ErrUnknown
	}
}

// Provision pulls the image (a pull is issued on every call, whether or
// not the image is already present locally), creates a hardened container with
// the requested port bindings and resource limits, and starts it. The
// container is always created with cap_drop=ALL, no-new-privileges, and a
// restart policy of "no": player instances are lifecycle-managed
// explicitly by the engine and scheduler, never restarted behind their
// back by the Docker daemon.
func (client *Client) Provision(ctx context.Context, config ProvisionConfig) (*ProvisionResult, error) {
	if err := client.pullImageIfNotPresent(ctx, config.Image); err != nil {
		return nil, &ProvisionError{Kind: classify(err), Err: fmt.Errorf("failed to pull image %q: %w", config.Image, err)}
	}

	exposedPorts, portBindings := buildPortSpec(config.PortBindings)

	env := make([]string, 0, len(config.Env))
	for key, value := range config.Env {
		env = append(env, key+"="+value)
	}

	labels := map[string]string{
		managedByLabel:       "true",
		"ctfd.instance_uuid": config.InstanceUUID,
		"ctfd.challenge_id":  config.ChallengeID,
		"ctfd.account_id":    config.AccountID,
		"ctfd.expires_at":    config.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if config.Subdomain != "" && config.TraefikNetwork != "" {
		for key, value := range traefikLabels(config.Subdomain, config.TraefikPort) {
			labels[key] = value
		}
	}

	containerConfig := &container.Config{
		Image:        config.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}
	if len(config.Command) > 0 {
		containerConfig.Cmd = config.Command
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		RestartPolicy: container.RestartPolicy{
			Name: "no",
		},
		// Hardening: a compromised challenge container should not be able
		// to escalate privileges or spawn unbounded processes. CapAdd
		// restores the narrow set of capabilities challenge entrypoints
		// commonly need (dropping privileges to an unprivileged user at
		// startup, typically via gosu/su-exec) without reinstating the
		// full default set CapDrop just removed.
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "SETUID", "SETGID"},
		SecurityOpt: []string{"no-new-privileges"},
		AutoRemove:  true,
		Resources: container.Resources{
			PidsLimit: ptrInt64(config.PidsLimit),
		},
	}
	if config.Memory != "" {
		if bytes, err := units.RAMInBytes(config.Memory); err == nil {
			hostConfig.Resources.Memory = bytes
		}
	}
	if config.CPU > 0 {
		hostConfig.Resources.NanoCPUs = int64(config.CPU * 1e9)
	}

	var networkingConfig *network.NetworkingConfig
	if config.TraefikNetwork != "" {
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				config.TraefikNetwork: {},
			},
		}
	}

	var platform *v1.Platform
	createResponse, err := client.sdk.ContainerCreate(
		ctx, containerConfig, hostConfig, networkingConfig, platform, config.ContainerName,
	)
	if err != nil {
		return nil, &ProvisionError{Kind: classify(err), Err: fmt.Errorf("failed to create container %q: %w", config.ContainerName, err)}
	}

	client.logger.Info("instance container created",
		"container_id", shortID(createResponse.ID), "container_name", config.ContainerName)

	if err := client.sdk.ContainerStart(ctx, createResponse.ID, container.StartOptions{}); err != nil {
		_ = client.sdk.ContainerRemove(ctx, createResponse.ID, container.RemoveOptions{Force: true})
		return nil, &ProvisionError{Kind: classify(err), Err: fmt.Errorf("failed to start container %q: %w", config.ContainerName, err)}
	}

	client.logger.Info("instance container started", "container_name", config.ContainerName)

	return &ProvisionResult{
		ContainerID: createResponse.ID,
		HostPorts:   config.PortBindings,
	}, nil
}

// Stop stops and removes a container by ID. Treats "container not found"
// as success, since the desired end state (container gone) is already
// satisfied; the teardown path that calls this may run twice (once from
// the scheduler, once from an admin action) without erroring. Containers
// are created with AutoRemove, so the explicit ContainerRemove below
// usually races Docker's own cleanup and finds the container already gone
// or already being removed; both are treated as success too.
func (client *Client) Stop(ctx context.Context, containerID string) error {
	stopTimeout := 10
	err := client.sdk.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	if err != nil && !strings.Contains(err.Error(), "No such container") {
		return fmt.Errorf("failed to stop container %q: %w", containerID, err)
	}

	err = client.sdk.ContainerRemove(ctx, containerID, container.RemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil && !strings.Contains(err.Error(), "No such container") && !strings.Contains(err.Error(), "already in progress") {
		return fmt.Errorf("failed to remove container %q: %w", containerID, err)
	}

	client.logger.Info("instance container stopped and removed", "container_id", shortID(containerID))
	return nil
}

// Status reports a container's current state as Docker sees it (e.g.
// "running", "exited"), independent of the database's view of it.
func (client *Client) Status(ctx context.Context, containerID string) (string, error) {
	inspection, err := client.sdk.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %q: %w", containerID, err)
	}
	return inspection.State.Status, nil
}

// Logs returns the last tailLines of combined stdout+stderr output for a
// container, used by the per-instance log tail admin endpoint.
func (client *Client) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	reader, err := client.sdk.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailLines),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs for container %q: %w", containerID, err)
	}
	defer reader.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to demux logs for container %q: %w", containerID, err)
	}
	return stdout.String() + stderr.String(), nil
}

// ListManaged returns the IDs of every container carrying this platform's
// managed-by label, used by the cleanup_old admin operation to reconcile
// the database against reality.
func (client *Client) ListManaged(ctx context.Context) ([]string, error) {
	listFilters := filters.NewArgs(filters.Arg("label", managedByLabel+"=true"))
	containers, err := client.sdk.ContainerList(ctx, container.ListOptions{All: true, Filters: listFilters})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// pullImageIfNotPresent issues ImagePull unconditionally and drains the
// progress stream; it does not check for a local copy first.
func (client *Client) pullImageIfNotPresent(ctx context.Context, imageName string) error {
	client.logger.Info("pulling docker image", "image", imageName)

	stream, err := client.sdk.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to initiate image pull for %q: %w", imageName, err)
	}
	defer stream.Close()

	if _, err := io.Copy(io.Discard, stream); err != nil {
		return fmt.Errorf("failed to stream image pull response for %q: %w", imageName, err)
	}

	client.logger.Info("docker image pulled/ready", "image", imageName)
	return nil
}

// traefikLabels returns the container labels that route HTTP traffic for a
// subdomain to this container's internal port. Traefik watches the Docker
// socket and reacts to label changes in real time; no config reload needed.
func traefikLabels(subdomain string, internalPort int) map[string]string {
	return map[string]string{
		"traefik.enable":                                                   "true",
		"traefik.http.routers." + subdomain + ".rule":                     "Host(`" + subdomain + ".localhost`)",
		"traefik.http.services." + subdomain + ".loadbalancer.server.port": fmt.Sprintf("%d", internalPort),
	}
}

func buildPortSpec(bindings map[int]int) (nat.PortSet, nat.PortMap) {
	exposed := make(nat.PortSet, len(bindings))
	portBindings := make(nat.PortMap, len(bindings))
	for internalPort, hostPort := range bindings {
		portKey := nat.Port(fmt.Sprintf("%d/tcp", internalPort))
		exposed[portKey] = struct{}{}
		portBindings[portKey] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)},
		}
	}
	return exposed, portBindings
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func ptrInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
