package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/hkuds/cellbox/internal/gateway"
	"github.com/hkuds/cellbox/internal/kernel"
)

// Default local gateway values.
const (
	DefaultLocalHost         = "127.0.0.1"
	DefaultLocalStartTimeout = 60 * time.Second
	MaxStderrTail            = 8 * 1024
)

// DefaultLocalCommand starts a kernel gateway on {host}:{port}.
var DefaultLocalCommand = []string{
	"jupyter", "kernelgateway",
	"--KernelGatewayApp.ip={host}",
	"--KernelGatewayApp.port={port}",
	"--KernelGatewayApp.auth_token={token}",
	"--KernelGatewayApp.port_retries=0",
}

// LocalConfig configures a gateway process on this machine.
type LocalConfig struct {
	// Command is the gateway command line. "{host}", "{port}" and
	// "{token}" are substituted. Default: DefaultLocalCommand
	Command []string

	// Host is the interface the gateway binds. Default: 127.0.0.1
	Host string

	// WorkDir is the gateway process working directory.
	// If empty, uses the current directory.
	WorkDir string

	// Env is added to the inherited environment.
	Env []string

	// StartTimeout bounds waiting for the gateway to answer.
	// Default: 60s
	StartTimeout time.Duration
}

// LocalGateway runs one kernel gateway process shared by all sessions. It
// is used when Docker is not available; kernels are not isolated from the
// host.
type LocalGateway struct {
	config LocalConfig
	token  string
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	endpoint string
	exited   chan struct{}
	stderr   *limitedWriter
}

// NewLocalGateway returns a gateway that is started on first use.
func NewLocalGateway(cfg LocalConfig, logger *slog.Logger) *LocalGateway {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultLocalCommand
	}
	if cfg.Host == "" {
		cfg.Host = DefaultLocalHost
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultLocalStartTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalGateway{
		config: cfg,
		token:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		logger: logger,
	}
}

// Start launches the gateway process unless it is already running, and
// waits until it answers.
func (g *LocalGateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.runningLocked() {
		return nil
	}

	port, err := freePort(g.config.Host)
	if err != nil {
		return fmt.Errorf("failed to reserve port: %w", err)
	}
	args := expand(g.config.Command, map[string]string{
		"{host}":  g.config.Host,
		"{port}":  strconv.Itoa(port),
		"{token}": g.token,
	})

	cmd := exec.Command(args[0], args[1:]...)
	if g.config.WorkDir != "" {
		dir, err := filepath.Abs(g.config.WorkDir)
		if err != nil {
			return fmt.Errorf("invalid working directory: %w", err)
		}
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("working directory does not exist: %w", err)
		}
		cmd.Dir = dir
	}
	if len(g.config.Env) > 0 {
		cmd.Env = append(os.Environ(), g.config.Env...)
	}
	stderr := &limitedWriter{w: &bytes.Buffer{}, limit: MaxStderrTail}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	g.cmd, g.exited, g.stderr = cmd, exited, stderr
	g.endpoint = "http://" + net.JoinHostPort(g.config.Host, strconv.Itoa(port))

	if err := g.waitReady(ctx); err != nil {
		g.stopLocked()
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("gateway did not become ready: %w\n%s", err, tail)
		}
		return fmt.Errorf("gateway did not become ready: %w", err)
	}

	g.logger.Info("local kernel gateway started", "endpoint", g.endpoint, "pid", cmd.Process.Pid)
	return nil
}

func (g *LocalGateway) waitReady(ctx context.Context) error {
	gw, err := gateway.New(gateway.Config{URL: g.endpoint, Token: g.token, Logger: g.logger})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.config.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		err := gw.Ping(pingCtx)
		pingCancel()
		if err == nil {
			return nil
		}
		select {
		case <-g.exited:
			return errors.New("gateway process exited")
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (g *LocalGateway) runningLocked() bool {
	if g.cmd == nil {
		return false
	}
	select {
	case <-g.exited:
		return false
	default:
		return true
	}
}

// IsRunning reports whether the gateway process is alive.
func (g *LocalGateway) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runningLocked()
}

// Alive reports whether the gateway process is alive.
func (g *LocalGateway) Alive(context.Context) bool {
	return g.IsRunning()
}

// Gateway returns a client for the running process.
func (g *LocalGateway) Gateway(kernelName string) (*gateway.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.runningLocked() {
		return nil, ErrNotRunning
	}
	return gateway.New(gateway.Config{
		URL:        g.endpoint,
		Token:      g.token,
		KernelName: kernelName,
		Logger:     g.logger,
	})
}

// Stop terminates the gateway process and its kernels.
func (g *LocalGateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
	return nil
}

func (g *LocalGateway) stopLocked() {
	if g.cmd == nil {
		return
	}
	if g.runningLocked() {
		_ = g.cmd.Process.Signal(os.Interrupt)
		select {
		case <-g.exited:
		case <-time.After(5 * time.Second):
			_ = g.cmd.Process.Kill()
			<-g.exited
		}
	}
	g.cmd = nil
	g.endpoint = ""
}

// Stderr returns the tail of the process error output.
func (g *LocalGateway) Stderr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stderr == nil {
		return ""
	}
	return g.stderr.String()
}

// LocalLauncher launches kernels on a LocalGateway, starting it on demand.
type LocalLauncher struct {
	gateway    *LocalGateway
	kernelName string
}

var _ kernel.Launcher = (*LocalLauncher)(nil)

// NewLocalLauncher returns a launcher backed by g.
func NewLocalLauncher(g *LocalGateway, kernelName string) *LocalLauncher {
	return &LocalLauncher{gateway: g, kernelName: kernelName}
}

// Launch starts a kernel on the local gateway.
func (l *LocalLauncher) Launch(ctx context.Context, sessionID string) (kernel.Kernel, error) {
	if err := l.gateway.Start(ctx); err != nil {
		return nil, err
	}
	gw, err := l.gateway.Gateway(l.kernelName)
	if err != nil {
		return nil, err
	}
	return gw.Launch(ctx, sessionID)
}

// Close stops the gateway process.
func (l *LocalLauncher) Close() error {
	return l.gateway.Stop(context.Background())
}

// freePort asks the kernel for an unused TCP port on host.
func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// limitedWriter keeps at most limit bytes and discards the rest. It is
// safe for concurrent use.
type limitedWriter struct {
	mu      sync.Mutex
	w       *bytes.Buffer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	originalLen := len(p)

	if lw.written >= lw.limit {
		return originalLen, nil
	}

	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = lw.w.Write(p)
	lw.written += n
	return originalLen, err
}

func (lw *limitedWriter) String() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.String()
}

// IsDockerAvailable checks if Docker is available and accessible.
func IsDockerAvailable(ctx context.Context) bool {
	cli, err := NewDockerClient()
	if err != nil {
		return false
	}
	defer cli.Close()
	return pingDocker(ctx, cli) == nil
}

func pingDocker(ctx context.Context, cli *client.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}
