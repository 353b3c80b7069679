package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/cellbox/internal/engine"
	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/server"
	"github.com/hkuds/cellbox/internal/tui"
)

var (
	execSession  string
	execCell     string
	execLang     string
	execTimeout  time.Duration
	execStream   bool
	execRemote   bool
	execEndpoint string
)

var execCmd = &cobra.Command{
	Use:   "exec [CODE|-]",
	Short: "Execute a cell",
	Long: `Execute a cell and print its output. CODE is read from stdin when it is "-"
or omitted. By default a kernel is started in-process for this one cell; with
--remote the cell runs on a session of a running "cellbox serve".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execSession, "session", "s", "cli", "session id")
	execCmd.Flags().StringVar(&execCell, "cell", "", "cell id stamped on output (random when empty)")
	execCmd.Flags().StringVarP(&execLang, "lang", "l", "python", "cell language: python, r or julia")
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "execution timeout (default from config)")
	execCmd.Flags().BoolVar(&execStream, "stream", false, "print output as it arrives")
	execCmd.Flags().BoolVarP(&execRemote, "remote", "r", false, "run on a running server")
	execCmd.Flags().StringVar(&execEndpoint, "server", "", "server URL for --remote (default from config)")
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readCode(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	lang, err := engine.ParseLanguage(execLang)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	emit := func(ev output.Event) error {
		return tui.WriteEvent(out, ev)
	}

	if execRemote {
		endpoint := execEndpoint
		if endpoint == "" {
			endpoint = serverURL(cfg)
		}
		c := server.NewClient(endpoint)
		params := server.ExecuteParams{
			Code:           code,
			CellID:         execCell,
			Language:       string(lang),
			TimeoutSeconds: execTimeout.Seconds(),
		}
		if execStream {
			return c.Stream(ctx, execSession, params, emit)
		}
		events, err := c.Execute(ctx, execSession, params)
		if err != nil {
			return err
		}
		return printAll(events, emit)
	}

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = st.Close(shutdownCtx)
	}()

	req := engine.Request{
		SessionID: execSession,
		CellID:    execCell,
		Code:      code,
		Language:  lang,
		Timeout:   execTimeout,
	}
	if execStream {
		seq, err := st.engine.Stream(ctx, req)
		if err != nil {
			return err
		}
		for ev := range seq {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}
	events, err := st.engine.Execute(ctx, req)
	if err != nil {
		return err
	}
	return printAll(events, emit)
}

func printAll(events []output.Event, emit func(output.Event) error) error {
	for _, ev := range events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func readCode(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read code: %w", err)
	}
	code := string(data)
	if strings.TrimSpace(code) == "" {
		return "", errors.New("no code given")
	}
	return code, nil
}
