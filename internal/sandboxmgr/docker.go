package sandboxmgr

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

// DockerConfig configures the local-development Docker backend.
type DockerConfig struct {
	Image       string
	NetworkMode string
	PidsLimit   int64
	MemoryMiB   int64
	NanoCPUs    int64
	AgentPort   int
}

// DockerBackend runs one container per sandbox, adapted from the
// teacher's container manager: CapDrop ALL, no-new-privileges, and the
// same resource-limit shape, generalized from an interactive PTY shell
// to a detached container exposing the agent's HTTP port.
type DockerBackend struct {
	cfg DockerConfig
	cli *client.Client
	log zerolog.Logger

	mu    sync.Mutex
	names map[string]bool
}

func NewDockerBackend(cfg DockerConfig, log zerolog.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &DockerBackend{cfg: cfg, cli: cli, log: log, names: make(map[string]bool)}, nil
}

func (b *DockerBackend) Create(ctx context.Context, name string, lang model.Language, provenance model.Provenance) (*model.SandboxHandle, error) {
	portSpec := nat.Port(strconv.Itoa(b.cfg.AgentPort) + "/tcp")

	hostCfg := &container.HostConfig{
		CapDrop:         []string{"ALL"},
		SecurityOpt:     []string{"no-new-privileges"},
		NetworkMode:     container.NetworkMode(b.cfg.NetworkMode),
		PublishAllPorts: true,
		Resources: container.Resources{
			Memory:    b.cfg.MemoryMiB * 1024 * 1024,
			NanoCPUs:  b.cfg.NanoCPUs,
			PidsLimit: &b.cfg.PidsLimit,
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image: b.cfg.Image,
		Env: []string{
			"KUBECODERUN_LANG=" + string(lang),
			"KUBECODERUN_WORKDIR=/workdir",
			"KUBECODERUN_AGENT_PORT=" + strconv.Itoa(b.cfg.AgentPort),
		},
		ExposedPorts: nat.PortSet{portSpec: struct{}{}},
		Labels:       map[string]string{labelManagedBy: labelValue, "kubecoderun.lang": string(lang)},
	}, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	b.mu.Lock()
	b.names[name] = true
	b.mu.Unlock()

	inspect, err := b.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = b.destroyID(ctx, resp.ID, name)
		return nil, fmt.Errorf("container inspect: %w", err)
	}

	ip, err := containerIP(inspect)
	if err != nil {
		_ = b.destroyID(ctx, resp.ID, name)
		return nil, err
	}

	return &model.SandboxHandle{
		Name:       name,
		Language:   lang,
		Endpoint:   fmt.Sprintf("http://%s:%d", ip, b.cfg.AgentPort),
		Provenance: provenance,
		CreatedAt:  time.Now(),
	}, nil
}

// containerIP picks the sandbox's reachable address: the default bridge
// IP if present, else the first attached network's IP. Orchestrator and
// sandbox containers are expected to share Docker's bridge network in
// local development, the same topology the teacher's driver assumed for
// its exec connection.
func containerIP(inspect types.ContainerJSON) (string, error) {
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", inspect.ID)
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return inspect.NetworkSettings.IPAddress, nil
	}
	for _, net := range inspect.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no assigned IP", inspect.ID)
}

func (b *DockerBackend) Destroy(ctx context.Context, handle *model.SandboxHandle) error {
	return b.DestroyByName(ctx, handle.Name)
}

func (b *DockerBackend) DestroyByName(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := b.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove %s: %w", name, err)
	}
	b.mu.Lock()
	delete(b.names, name)
	b.mu.Unlock()
	return nil
}

func (b *DockerBackend) Healthy(ctx context.Context) error {
	_, err := b.cli.Ping(ctx)
	return err
}

// KnownNames lists containers labelled managed-by=kubecoderun, for the
// orphan sweep.
func (b *DockerBackend) KnownNames(ctx context.Context) ([]string, error) {
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	var names []string
	for _, c := range containers {
		if c.Labels[labelManagedBy] != labelValue {
			continue
		}
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
	}
	return names, nil
}

func (b *DockerBackend) destroyID(ctx context.Context, id, name string) error {
	b.mu.Lock()
	delete(b.names, name)
	b.mu.Unlock()
	return b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (b *DockerBackend) Close() error {
	return b.cli.Close()
}
