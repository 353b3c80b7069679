package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hkuds/cellbox/internal/bootstrap"
	"github.com/hkuds/cellbox/internal/config"
	"github.com/hkuds/cellbox/internal/engine"
	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/sandbox"
	"github.com/hkuds/cellbox/internal/session"
)

// stack is the in-process execution service built from a config.
type stack struct {
	backend  *sandbox.Backend
	registry *session.Registry
	engine   *engine.Engine
	history  *session.History
}

func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	backend, err := sandbox.NewBackend(ctx, backendConfig(cfg, logger))
	if err != nil {
		return nil, err
	}

	seq := bootstrap.New(bootstrap.Config{
		WorkingDir:   cfg.Kernel.WorkingDir,
		RBridge:      cfg.Kernel.Bridges.R,
		JuliaBridge:  cfg.Kernel.Bridges.Julia,
		PlotDefaults: cfg.Kernel.PlotDefaults,
		Extra:        cfg.Kernel.ExtraBootstrap,
		Timeout:      cfg.Execution.BootstrapTimeout(),
		Poll:         cfg.Execution.BootstrapPoll(),
		Logger:       logger,
	})
	registry := session.NewRegistry(backend, kernel.Options{
		ReadyTimeout: cfg.Execution.ReadyTimeout(),
		Bootstrapper: seq,
		Logger:       logger,
	})

	var history *session.History
	if cfg.History.Enabled {
		history, err = session.NewHistory(cfg.DataPath())
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		history.SetLimits(cfg.History.MaxCells, cfg.History.MaxOutputBytes)
	}

	var guard engine.Guard
	if cfg.Execution.GuardShellEscapes {
		guard = sandbox.GuardCode
	}

	eng := engine.New(registry, engine.Options{
		Timeout:            cfg.Execution.Timeout(),
		PollInterval:       cfg.Execution.PollInterval(),
		InterruptOnTimeout: cfg.Execution.InterruptOnTimeout,
		Guard:              guard,
		History:            history,
		Logger:             logger,
	})

	return &stack{backend: backend, registry: registry, engine: eng, history: history}, nil
}

func backendConfig(cfg *config.Config, logger *slog.Logger) sandbox.BackendConfig {
	container := sandbox.ContainerConfig{
		Image:          cfg.Docker.Image,
		MemoryMB:       cfg.Docker.MemoryMB,
		CPUs:           cfg.Docker.CPUs,
		MaxProcesses:   cfg.Docker.MaxProcesses,
		NetworkEnabled: cfg.Docker.NetworkEnabled,
		UseGVisor:      cfg.Docker.UseGVisor,
		WorkDir:        cfg.Kernel.WorkingDir,
		ContainerPort:  cfg.Docker.ContainerPort,
	}
	for _, m := range cfg.Docker.Mounts {
		container = container.AddMountPath(m.Source, m.Target, m.ReadOnly)
	}

	return sandbox.BackendConfig{
		Backend:    cfg.Backend,
		KernelName: cfg.Kernel.Name,
		Container:  container,
		PoolSize:   cfg.Docker.PoolSize,
		Local: sandbox.LocalConfig{
			Command: cfg.Local.Command,
			Host:    cfg.Local.Host,
		},
		GatewayURL:   cfg.Gateway.URL,
		GatewayToken: cfg.Gateway.Token,
		Logger:       logger,
	}
}

// Close shuts every session down, then the backend.
func (s *stack) Close(ctx context.Context) error {
	return errors.Join(s.registry.Shutdown(ctx), s.backend.Close())
}
