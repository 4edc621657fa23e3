// Package launcher starts remote worker containers pinned to CPU sets.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// healthPort is the worker's in-container health endpoint.
const healthPort nat.Port = "8080/tcp"

// ContainerAPI is the part of the docker client the launcher uses.
type ContainerAPI interface {
	Info(ctx context.Context) (system.Info, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Options configures the worker containers a Launcher creates.
type Options struct {
	Image string

	// CPUSets holds one cpuset per slot, e.g. "1,5". Slot i is pinned to
	// CPUSets[i].
	CPUSets []string

	// HealthBasePort + slot is the host port of the slot's health endpoint.
	HealthBasePort int

	// CoordinatorAddr is the worker port as seen from inside a container.
	CoordinatorAddr string

	// Platform is an optional "os/arch[/variant]" for the created containers.
	Platform string
}

// Launcher starts and stops one worker container per CPU set slot.
type Launcher struct {
	cli  ContainerAPI
	opts Options

	mu    sync.Mutex
	slots map[int]string // slot -> container id
}

// NewDockerLauncher connects to the docker daemon from the environment.
func NewDockerLauncher(opts Options) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return New(cli, opts), nil
}

// New returns a launcher on an existing container API client.
func New(cli ContainerAPI, opts Options) *Launcher {
	return &Launcher{cli: cli, opts: opts, slots: make(map[int]string)}
}

// CheckConnectivity verifies we can talk to the Docker Daemon
func (l *Launcher) CheckConnectivity(ctx context.Context) error {
	info, err := l.cli.Info(ctx)
	if err != nil {
		return fmt.Errorf("cannot connect to docker daemon: %w", err)
	}
	log.Printf("[Launcher] Docker daemon connected: %s (CPUs: %d)", info.Name, info.NCPU)
	return nil
}

// Slots is the number of configured CPU sets.
func (l *Launcher) Slots() int { return len(l.opts.CPUSets) }

// StartWorker creates and starts the worker container for slot.
func (l *Launcher) StartWorker(ctx context.Context, slot int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if slot < 0 || slot >= len(l.opts.CPUSets) {
		return "", fmt.Errorf("invalid slot %d (have %d cpu sets)", slot, len(l.opts.CPUSets))
	}
	if id, busy := l.slots[slot]; busy {
		return "", fmt.Errorf("slot %d is already running container %s", slot, id)
	}

	cpuSet := l.opts.CPUSets[slot]
	hostPort := fmt.Sprintf("%d", l.opts.HealthBasePort+slot)
	log.Printf("[Launcher] Spawning worker on slot %d (cpus %s), health on :%s", slot, cpuSet, hostPort)

	config := &container.Config{
		Image: l.opts.Image,
		Env: []string{
			fmt.Sprintf("WORKER_ID=worker-slot-%d", slot),
			fmt.Sprintf("FRACTAL_COORDINATOR_ADDR=%s", l.opts.CoordinatorAddr),
			fmt.Sprintf("GOMAXPROCS=%d", cpuCount(cpuSet)),
		},
		ExposedPorts: nat.PortSet{healthPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			CpusetCpus: cpuSet,
		},
		PortBindings: nat.PortMap{
			healthPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}},
		},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}

	platform, err := parsePlatform(l.opts.Platform)
	if err != nil {
		return "", err
	}

	resp, err := l.cli.ContainerCreate(ctx, config, hostConfig, nil, platform, "")
	if err != nil {
		return "", fmt.Errorf("create failed: %w", err)
	}
	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start failed: %w", err)
	}

	l.slots[slot] = resp.ID
	return resp.ID, nil
}

// StartAll starts n workers on slots 0..n-1 and reports how many came up.
func (l *Launcher) StartAll(ctx context.Context, n int) (int, error) {
	if n > len(l.opts.CPUSets) {
		return 0, fmt.Errorf("cannot start %d workers on %d cpu sets", n, len(l.opts.CPUSets))
	}
	var errs []error
	started := 0
	for slot := 0; slot < n; slot++ {
		if _, err := l.StartWorker(ctx, slot); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", slot, err))
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

// StopAll stops and removes every container this launcher started.
func (l *Launcher) StopAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for slot, id := range l.slots {
		if err := l.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
		if err := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
			continue
		}
		delete(l.slots, slot)
		log.Printf("[Launcher] Removed worker container %s (slot %d)", shortID(id), slot)
	}
	return errors.Join(errs...)
}

// WorkerCount is the number of running containers.
func (l *Launcher) WorkerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, want os/arch[/variant]", s)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

// cpuCount counts the cpus in a cpuset like "1,5" or "0-3".
func cpuCount(cpuSet string) int {
	n := 0
	for _, part := range strings.Split(cpuSet, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var lo, hi int
		if _, err := fmt.Sscanf(part, "%d-%d", &lo, &hi); err == nil && hi >= lo {
			n += hi - lo + 1
			continue
		}
		n++
	}
	if n == 0 {
		return 1
	}
	return n
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
