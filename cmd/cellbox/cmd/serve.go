package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/cellbox/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP execution service",
	Long:  "Start the HTTP service that executes cells on per-session kernels until interrupted.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if maxIdle := cfg.Sessions.MaxIdle(); maxIdle > 0 {
		go st.registry.Janitor(ctx, cfg.Sessions.EvictInterval(), maxIdle)
	}

	srv := server.New(st.engine, st.history, server.Options{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Backend: st.backend.Name(),
		Version: Version,
		Logger:  logger,
	})

	fmt.Printf("Backend: %s (kernel: %s)\n", st.backend.Name(), cfg.Kernel.Name)
	fmt.Printf("Listening on http://%s. Press Ctrl+C to stop.\n", srv.Addr())

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	fmt.Println("\nShutting down...")
	return nil
}
