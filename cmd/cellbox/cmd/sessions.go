package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/cellbox/internal/server"
	"github.com/hkuds/cellbox/internal/tui"
)

var (
	sessionsEndpoint string
	evictMaxIdle     time.Duration
	historyLast      int
	historyDelete    bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage sessions of a running server",
	RunE:  runSessionsList,
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close [SESSION...]",
	Short: "Close sessions (all of them when none is named)",
	RunE:  runSessionsClose,
}

var sessionsEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Close sessions idle for longer than --max-idle",
	Args:  cobra.NoArgs,
	RunE:  runSessionsEvict,
}

var sessionsInterruptCmd = &cobra.Command{
	Use:   "interrupt SESSION",
	Short: "Interrupt the running cell of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsInterrupt,
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history [SESSION]",
	Short: "Show the recorded cells of a session, or list stored histories",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsHistory,
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsEndpoint, "server", "", "server URL (default from config)")
	sessionsEvictCmd.Flags().DurationVar(&evictMaxIdle, "max-idle", time.Hour, "idle time after which a session is closed")
	sessionsHistoryCmd.Flags().IntVarP(&historyLast, "last", "n", 10, "number of cells to show (0 for all)")
	sessionsHistoryCmd.Flags().BoolVar(&historyDelete, "delete", false, "forget the recorded cells of SESSION")

	sessionsCmd.AddCommand(sessionsCloseCmd)
	sessionsCmd.AddCommand(sessionsEvictCmd)
	sessionsCmd.AddCommand(sessionsInterruptCmd)
	sessionsCmd.AddCommand(sessionsHistoryCmd)
}

func sessionsClient() (*server.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	endpoint := sessionsEndpoint
	if endpoint == "" {
		endpoint = serverURL(cfg)
	}
	return server.NewClient(endpoint), nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	c, err := sessionsClient()
	if err != nil {
		return err
	}
	infos, err := c.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), tui.RenderSessions(infos, time.Now()))
	return nil
}

func runSessionsClose(cmd *cobra.Command, args []string) error {
	c, err := sessionsClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if len(args) == 0 {
		if err := c.CloseAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "All sessions closed.")
		return nil
	}
	for _, id := range args {
		if err := c.CloseSession(ctx, id); err != nil {
			return fmt.Errorf("failed to close %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Closed %s\n", id)
	}
	return nil
}

func runSessionsEvict(cmd *cobra.Command, args []string) error {
	c, err := sessionsClient()
	if err != nil {
		return err
	}
	evicted, err := c.Evict(cmd.Context(), evictMaxIdle)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d session(s)\n", len(evicted))
	for _, id := range evicted {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
	}
	return nil
}

func runSessionsInterrupt(cmd *cobra.Command, args []string) error {
	c, err := sessionsClient()
	if err != nil {
		return err
	}
	return c.Interrupt(cmd.Context(), args[0])
}

func runSessionsHistory(cmd *cobra.Command, args []string) error {
	c, err := sessionsClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		if historyDelete {
			return errors.New("--delete needs a session id")
		}
		infos, err := c.Histories(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(out, tui.RenderHistories(infos))
		return nil
	}
	if historyDelete {
		deleted, err := c.DeleteHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if deleted {
			fmt.Fprintf(out, "Deleted history of %s\n", args[0])
		} else {
			fmt.Fprintf(out, "No history for %s\n", args[0])
		}
		return nil
	}

	cells, err := c.History(cmd.Context(), args[0], historyLast)
	if err != nil {
		return err
	}
	for _, cell := range cells {
		fmt.Fprintf(out, "[%s] %s %s (%s, %s)\n", cell.StartedAt.Format(time.TimeOnly), cell.CellID, cell.Language, cell.Status, cell.Duration.Round(time.Millisecond))
		fmt.Fprintln(out, cell.Code)
		for _, ev := range cell.Outputs {
			if err := tui.WriteEvent(out, ev); err != nil {
				return err
			}
		}
		fmt.Fprintln(out)
	}
	return nil
}
