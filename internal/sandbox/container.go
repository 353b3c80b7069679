package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/hkuds/cellbox/internal/gateway"
)

const (
	readyPollInterval = 250 * time.Millisecond
	logTailBytes      = 4096
	containerLabel    = "io.cellbox.role"
)

// ErrNotRunning is returned by operations that need a started container.
var ErrNotRunning = errors.New("container is not running")

// Container is a hardened Docker container running a kernel gateway.
type Container struct {
	config ContainerConfig
	client *client.Client
	token  string
	logger *slog.Logger

	mu          sync.RWMutex
	containerID string
	endpoint    string
	running     bool
}

// NewContainer returns a container that is not started until Start is called.
func NewContainer(cfg ContainerConfig, cli *client.Client, logger *slog.Logger) (*Container, error) {
	if cli == nil {
		return nil, errors.New("docker client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Validate()
	return &Container{
		config: cfg,
		client: cli,
		token:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		logger: logger,
	}, nil
}

// NewDockerClient connects to the daemon configured by the environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}

// Start creates and starts the container and waits until its gateway
// answers.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("container is already running")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.StartTimeout)
	defer cancel()

	if err := c.ensureImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure image: %w", err)
	}
	if !c.config.NetworkEnabled {
		if err := c.ensureNetwork(ctx); err != nil {
			return fmt.Errorf("failed to ensure network: %w", err)
		}
	}

	containerCfg, hostCfg, networkCfg, err := c.buildContainerConfig()
	if err != nil {
		return err
	}

	resp, err := c.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	c.containerID = resp.ID

	if err := c.client.ContainerStart(ctx, c.containerID, container.StartOptions{}); err != nil {
		c.remove()
		return fmt.Errorf("failed to start container: %w", err)
	}

	endpoint, err := c.resolveEndpoint(ctx)
	if err != nil {
		c.remove()
		return err
	}
	c.endpoint = endpoint

	if err := c.waitReady(ctx); err != nil {
		tail := c.logsTail()
		c.remove()
		if tail != "" {
			return fmt.Errorf("gateway did not become ready: %w\n%s", err, tail)
		}
		return fmt.Errorf("gateway did not become ready: %w", err)
	}

	c.running = true
	c.logger.Debug("kernel container started", "container", shortID(c.containerID), "endpoint", c.endpoint)
	return nil
}

func (c *Container) ensureImage(ctx context.Context) error {
	_, _, err := c.client.ImageInspectWithRaw(ctx, c.config.Image)
	if err == nil {
		return nil
	}

	c.logger.Info("pulling kernel image", "image", c.config.Image)
	reader, err := c.client.ImagePull(ctx, c.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", c.config.Image, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", c.config.Image, err)
	}
	return nil
}

// ensureNetwork creates the internal bridge network used for isolated
// kernels. Containers on it have no route outside the host.
func (c *Container) ensureNetwork(ctx context.Context) error {
	_, err := c.client.NetworkInspect(ctx, c.config.NetworkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}
	_, err = c.client.NetworkCreate(ctx, c.config.NetworkName, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		Labels:   map[string]string{containerLabel: "network"},
	})
	if errdefs.IsConflict(err) {
		return nil
	}
	return err
}

func (c *Container) port() (nat.Port, error) {
	return nat.NewPort("tcp", strconv.Itoa(c.config.ContainerPort))
}

func (c *Container) buildContainerConfig() (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	port, err := c.port()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid container port: %w", err)
	}

	containerCfg := &container.Config{
		Image:        c.config.Image,
		WorkingDir:   c.config.WorkDir,
		User:         c.config.User,
		Tty:          false,
		Cmd:          c.config.ServerCommand(c.token),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{containerLabel: "kernel"},
	}

	memory := c.config.MemoryMB * 1024 * 1024
	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		AutoRemove:  true,
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(c.config.CPUs * 1e9),
			PidsLimit:  &c.config.MaxProcesses,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=256m",
		},
	}

	networkCfg := &network.NetworkingConfig{}
	if c.config.NetworkEnabled {
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		}
	} else {
		hostCfg.NetworkMode = container.NetworkMode(c.config.NetworkName)
		networkCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			c.config.NetworkName: {},
		}
	}

	if c.config.UseGVisor {
		hostCfg.Runtime = "runsc"
	}

	for _, mp := range c.config.MountPaths {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   mp.Source,
			Target:   mp.Target,
			ReadOnly: mp.ReadOnly,
		})
	}

	return containerCfg, hostCfg, networkCfg, nil
}

// resolveEndpoint finds where the gateway is reachable from this host:
// the published loopback port, or the container address on the internal
// network.
func (c *Container) resolveEndpoint(ctx context.Context) (string, error) {
	info, err := c.client.ContainerInspect(ctx, c.containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", errors.New("container has no network settings")
	}

	if c.config.NetworkEnabled {
		port, _ := c.port()
		bindings := info.NetworkSettings.Ports[port]
		if len(bindings) == 0 || bindings[0].HostPort == "" {
			return "", fmt.Errorf("port %s is not published", port)
		}
		return "http://127.0.0.1:" + bindings[0].HostPort, nil
	}

	ep, ok := info.NetworkSettings.Networks[c.config.NetworkName]
	if !ok || ep.IPAddress == "" {
		return "", fmt.Errorf("container has no address on network %s", c.config.NetworkName)
	}
	return fmt.Sprintf("http://%s:%d", ep.IPAddress, c.config.ContainerPort), nil
}

func (c *Container) waitReady(ctx context.Context) error {
	gw, err := gateway.New(gateway.Config{URL: c.endpoint, Token: c.token, Logger: c.logger})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := gw.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

// logsTail returns the end of the container's output for diagnostics.
func (c *Container) logsTail() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := c.client.ContainerLogs(ctx, c.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return ""
	}
	defer rc.Close()

	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, limit: logTailBytes}
	_, _ = stdcopy.StdCopy(w, w, rc)
	return strings.TrimSpace(buf.String())
}

// remove force-removes the container. Callers hold c.mu.
func (c *Container) remove() {
	if c.containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = c.client.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true})
	c.containerID = ""
	c.endpoint = ""
}

// Gateway returns a gateway client for the container's server.
func (c *Container) Gateway(kernelName string) (*gateway.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return nil, ErrNotRunning
	}
	return gateway.New(gateway.Config{
		URL:        c.endpoint,
		Token:      c.token,
		KernelName: kernelName,
		Logger:     c.logger,
	})
}

// Stop stops the container. AutoRemove deletes it afterwards.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	timeout := 10
	if err := c.client.ContainerStop(ctx, c.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		c.logger.Debug("container stop failed, removing", "container", shortID(c.containerID), "error", err)
		c.remove()
	}

	c.running = false
	c.containerID = ""
	c.endpoint = ""
	return nil
}

// Alive reports whether the container is still running.
func (c *Container) Alive(ctx context.Context) bool {
	c.mu.RLock()
	id, running := c.containerID, c.running
	c.mu.RUnlock()
	if !running {
		return false
	}
	info, err := c.client.ContainerInspect(ctx, id)
	if err != nil || info.State == nil {
		return false
	}
	return info.State.Running
}

// IsRunning returns true if the container was started and not stopped.
func (c *Container) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// ContainerID returns the ID of the running container, or empty string if not running.
func (c *Container) ContainerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.containerID
}

// Endpoint returns the gateway base URL.
func (c *Container) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// Config returns a copy of the container configuration.
func (c *Container) Config() ContainerConfig {
	return c.config
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func itoa(n int) string { return strconv.Itoa(n) }

func expand(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}
