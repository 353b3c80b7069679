package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hkuds/cellbox/internal/gateway"
	"github.com/hkuds/cellbox/internal/kernel"
)

// Host is an Instance that serves a kernel gateway.
type Host interface {
	Instance
	Gateway(kernelName string) (*gateway.Client, error)
	Alive(ctx context.Context) bool
}

// ContainerLauncher launches every kernel in its own container taken from
// a Pool. Shutting the kernel down stops the container.
type ContainerLauncher struct {
	pool       *Pool
	kernelName string
	logger     *slog.Logger
}

var _ kernel.Launcher = (*ContainerLauncher)(nil)

// NewContainerLauncher returns a launcher drawing hosts from pool.
func NewContainerLauncher(pool *Pool, kernelName string, logger *slog.Logger) *ContainerLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerLauncher{pool: pool, kernelName: kernelName, logger: logger}
}

// Launch starts a kernel in a fresh container.
func (l *ContainerLauncher) Launch(ctx context.Context, sessionID string) (kernel.Kernel, error) {
	inst, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	host, ok := inst.(Host)
	if !ok {
		l.release(ctx, inst)
		return nil, fmt.Errorf("pool instance %T does not serve a gateway", inst)
	}

	gw, err := host.Gateway(l.kernelName)
	if err != nil {
		l.release(ctx, inst)
		return nil, err
	}
	k, err := gw.Launch(ctx, sessionID)
	if err != nil {
		l.release(ctx, inst)
		return nil, fmt.Errorf("failed to start kernel: %w", err)
	}

	l.logger.Debug("kernel hosted", "session", sessionID, "kernel", k.ID(), "gateway", gw.URL())
	return &hostedKernel{Kernel: k, host: host, pool: l.pool}, nil
}

func (l *ContainerLauncher) release(ctx context.Context, inst Instance) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := l.pool.Release(ctx, inst); err != nil {
		l.logger.Warn("failed to release container", "error", err)
	}
}

// Close stops the pool.
func (l *ContainerLauncher) Close() error {
	return l.pool.Close()
}

// hostedKernel is a gateway kernel that owns its host.
type hostedKernel struct {
	kernel.Kernel
	host Host
	pool *Pool
}

func (k *hostedKernel) Alive(ctx context.Context) bool {
	return k.host.Alive(ctx) && k.Kernel.Alive(ctx)
}

func (k *hostedKernel) Shutdown(ctx context.Context) error {
	err := k.Kernel.Shutdown(ctx)
	if errors.Is(err, gateway.ErrKernelNotFound) {
		err = nil
	}
	return errors.Join(err, k.pool.Release(ctx, k.host))
}
