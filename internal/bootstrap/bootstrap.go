// Package bootstrap prepares a freshly started kernel before its first user
// cell: cross-language bridges, plot defaults and the working directory.
package bootstrap

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/output"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultPoll    = 2 * time.Second
)

const (
	// RBridge loads the rpy2 magics that back "%%R" cells.
	RBridge = "%load_ext rpy2.ipython"
	// JuliaBridge exposes the Julia runtime as jl.
	JuliaBridge = "from juliacall import Main as jl"
	// PlotDefaults applies the serif matplotlib style used for charts.
	PlotDefaults = "import matplotlib.pyplot as plt\n" +
		"plt.rcParams['font.family'] = 'serif'\n" +
		"plt.rcParams['font.serif'] = ['Times New Roman'] + plt.rcParams['font.serif']"
)

// Config selects the setup commands.
type Config struct {
	WorkingDir   string
	RBridge      bool
	JuliaBridge  bool
	PlotDefaults bool
	Extra        []string

	// Timeout bounds each command. Poll is the wait slice between
	// deadline checks.
	Timeout time.Duration
	Poll    time.Duration

	Logger *slog.Logger
}

// SanitizePath escapes p for use inside a single-quoted Python literal.
func SanitizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	return strings.ReplaceAll(p, `'`, `\'`)
}

// Commands returns the setup commands in run order. Bridges come first so
// the working directory change is the last thing a user cell depends on.
func Commands(cfg Config) []string {
	var cmds []string
	if cfg.RBridge {
		cmds = append(cmds, RBridge)
	}
	if cfg.JuliaBridge {
		cmds = append(cmds, JuliaBridge)
	}
	if cfg.PlotDefaults {
		cmds = append(cmds, PlotDefaults)
	}
	if cfg.WorkingDir != "" {
		cmds = append(cmds, "import os; os.chdir('"+SanitizePath(cfg.WorkingDir)+"')")
	}
	for _, c := range cfg.Extra {
		if strings.TrimSpace(c) != "" {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

// Sequencer runs the setup commands on a kernel client. Failures are
// logged and folded into the outcome; they never abort the sequence.
type Sequencer struct {
	commands []string
	timeout  time.Duration
	poll     time.Duration
	logger   *slog.Logger
}

var _ kernel.Bootstrapper = (*Sequencer)(nil)

// New builds a Sequencer from cfg.
func New(cfg Config) *Sequencer {
	s := &Sequencer{
		commands: Commands(cfg),
		timeout:  cfg.Timeout,
		poll:     cfg.Poll,
		logger:   cfg.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.poll <= 0 {
		s.poll = DefaultPoll
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Commands returns the commands the sequencer runs.
func (s *Sequencer) Commands() []string {
	return append([]string(nil), s.commands...)
}

// Bootstrap runs every command in order and reports how many succeeded.
func (s *Sequencer) Bootstrap(ctx context.Context, client *kernel.Client) kernel.BootstrapOutcome {
	if len(s.commands) == 0 {
		return kernel.BootstrapSkipped
	}

	failed := 0
	for i, code := range s.commands {
		if ctx.Err() != nil {
			return kernel.BootstrapFailed
		}
		if err := s.run(ctx, client, code); err != nil {
			failed++
			s.logger.Warn("bootstrap command failed",
				"step", i+1,
				"command", firstLine(code),
				"error", err,
			)
		}
	}

	switch failed {
	case 0:
		return kernel.BootstrapSuccess
	case len(s.commands):
		return kernel.BootstrapFailed
	default:
		return kernel.BootstrapPartial
	}
}

func (s *Sequencer) run(ctx context.Context, client *kernel.Client, code string) error {
	p, err := client.Submit(ctx, code)
	if err != nil {
		return err
	}
	defer p.Close()

	var firstErr string
	res, err := kernel.Drain(ctx, p, time.Now().Add(s.timeout), s.poll, func(ev output.Event) bool {
		if ev.Kind == output.KindError && firstErr == "" {
			firstErr = ev.Text
		}
		return true
	})
	switch {
	case err != nil:
		return err
	case res.TimedOut:
		return &CommandError{Reason: "timed out after " + s.timeout.String()}
	case res.Closed:
		return &CommandError{Reason: "connection closed"}
	case res.Errors > 0:
		return &CommandError{Reason: lastLine(firstErr)}
	}
	return nil
}

// CommandError reports a setup command that did not complete cleanly.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return "bootstrap command: " + e.Reason
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
