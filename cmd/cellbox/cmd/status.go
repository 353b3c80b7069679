package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/cellbox/internal/sandbox"
	"github.com/hkuds/cellbox/internal/server"
	"github.com/hkuds/cellbox/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	Long:  "Display the cellbox configuration, backend reachability and whether a server is running.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probe := tui.Probe{}
	if cfg.Backend == sandbox.BackendDocker {
		probe.DockerAvailable = sandbox.IsDockerAvailable(ctx)
	}
	health, err := server.NewClient(serverURL(cfg)).Health(ctx)
	probe.ServerErr = err
	probe.Sessions = health.Sessions

	return tui.ShowStatus(cmd.OutOrStdout(), cfg, probe)
}
