package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hkuds/cellbox/internal/gateway"
	"github.com/hkuds/cellbox/internal/kernel"
)

// Backend names.
const (
	BackendDocker  = "docker"
	BackendLocal   = "local"
	BackendGateway = "gateway"
)

// BackendConfig selects and configures where kernels run.
type BackendConfig struct {
	// Backend is one of docker, local or gateway. Default: docker
	Backend    string
	KernelName string

	Container ContainerConfig
	PoolSize  int

	Local LocalConfig

	GatewayURL   string
	GatewayToken string

	Logger *slog.Logger
}

// Backend is a kernel.Launcher together with the resources behind it.
type Backend struct {
	kernel.Launcher
	name    string
	closeFn func() error
}

// Name returns the backend actually in use.
func (b *Backend) Name() string { return b.name }

// Close releases the backend's hosts.
func (b *Backend) Close() error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

// NewBackend builds the configured backend. The docker backend falls back
// to a local gateway process when the daemon is not reachable.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Backend
	if name == "" {
		name = BackendDocker
	}

	switch name {
	case BackendDocker:
		if !IsDockerAvailable(ctx) {
			logger.Warn("docker is not available, falling back to a local kernel gateway")
			return newLocalBackend(cfg, logger), nil
		}
		start, err := ContainerStarter(cfg.Container, logger)
		if err != nil {
			return nil, err
		}
		pool := NewPool(start, cfg.PoolSize, logger)
		if cfg.PoolSize > 0 {
			pool.WarmupAsync(cfg.PoolSize)
		}
		l := NewContainerLauncher(pool, cfg.KernelName, logger)
		return &Backend{Launcher: l, name: BackendDocker, closeFn: l.Close}, nil

	case BackendLocal:
		return newLocalBackend(cfg, logger), nil

	case BackendGateway:
		gw, err := gateway.New(gateway.Config{
			URL:        cfg.GatewayURL,
			Token:      cfg.GatewayToken,
			KernelName: cfg.KernelName,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{Launcher: gw, name: BackendGateway}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func newLocalBackend(cfg BackendConfig, logger *slog.Logger) *Backend {
	l := NewLocalLauncher(NewLocalGateway(cfg.Local, logger), cfg.KernelName)
	return &Backend{Launcher: l, name: BackendLocal, closeFn: l.Close}
}
