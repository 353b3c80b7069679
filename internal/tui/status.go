package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hkuds/cellbox/internal/config"
)

// Status display styles.
var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("205")).
				MarginBottom(1).
				Padding(0, 1)

	statusBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2).
			Width(64)

	statusSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39")).
				MarginTop(1)

	statusLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252")).
				Width(20)

	statusValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("255"))

	statusEnabledStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("82")).
				Bold(true)

	statusDisabledStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	statusWarningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)
)

// Probe holds what was found out about the environment at status time.
type Probe struct {
	DockerAvailable bool
	// ServerErr is nil when a running server answered its health check.
	ServerErr error
	// Sessions is the number of sessions reported by the server.
	Sessions int
}

// ShowStatus writes the configuration status to w.
func ShowStatus(w io.Writer, cfg *config.Config, probe Probe) error {
	var sb strings.Builder

	sb.WriteString(statusTitleStyle.Render("cellbox Status"))
	sb.WriteString("\n\n")

	sb.WriteString(statusSectionStyle.Render("Backend"))
	sb.WriteString("\n")
	sb.WriteString(renderBackendStatus(cfg, probe))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Kernel"))
	sb.WriteString("\n")
	sb.WriteString(renderKernelStatus(cfg))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Execution"))
	sb.WriteString("\n")
	sb.WriteString(renderExecutionStatus(cfg))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Server"))
	sb.WriteString("\n")
	sb.WriteString(renderServerStatus(cfg, probe))

	_, err := fmt.Fprintln(w, statusBoxStyle.Render(sb.String()))
	return err
}

func renderBackendStatus(cfg *config.Config, probe Probe) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Active", statusEnabledStyle.Render(cfg.Backend)))

	switch cfg.Backend {
	case "docker":
		if probe.DockerAvailable {
			sb.WriteString(renderStatusRow("Docker", statusEnabledStyle.Render("reachable")))
		} else {
			sb.WriteString(renderStatusRow("Docker", statusWarningStyle.Render("unreachable, local fallback")))
		}
		sb.WriteString(renderStatusRow("  Image", statusValueStyle.Render(cfg.Docker.Image)))
		sb.WriteString(renderStatusRow("  Limits", statusValueStyle.Render(
			fmt.Sprintf("%d MB, %.1f CPU, %d pids", cfg.Docker.MemoryMB, cfg.Docker.CPUs, cfg.Docker.MaxProcesses))))
		if cfg.Docker.NetworkEnabled {
			sb.WriteString(renderStatusRow("  Network", statusWarningStyle.Render("enabled")))
		} else {
			sb.WriteString(renderStatusRow("  Network", statusEnabledStyle.Render("isolated")))
		}
		sb.WriteString(renderStatusRow("  Warm Pool", statusValueStyle.Render(fmt.Sprintf("%d", cfg.Docker.PoolSize))))
	case "local":
		sb.WriteString(renderStatusRow("Isolation", statusWarningStyle.Render("none (host process)")))
	case "gateway":
		sb.WriteString(renderStatusRow("URL", statusValueStyle.Render(cfg.Gateway.URL)))
		if cfg.Gateway.Token != "" {
			sb.WriteString(renderStatusRow("Token", statusValueStyle.Render(maskToken(cfg.Gateway.Token))))
		}
	}

	return sb.String()
}

func renderKernelStatus(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Kernel Spec", statusValueStyle.Render(cfg.Kernel.Name)))
	sb.WriteString(renderStatusRow("Working Dir", statusValueStyle.Render(cfg.Kernel.WorkingDir)))
	sb.WriteString(renderStatusRow("R Bridge", enabledLabel(cfg.Kernel.Bridges.R)))
	sb.WriteString(renderStatusRow("Julia Bridge", enabledLabel(cfg.Kernel.Bridges.Julia)))
	if n := len(cfg.Kernel.ExtraBootstrap); n > 0 {
		sb.WriteString(renderStatusRow("Extra Setup", statusValueStyle.Render(fmt.Sprintf("%d command(s)", n))))
	}

	return sb.String()
}

func renderExecutionStatus(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Timeout", statusValueStyle.Render(cfg.Execution.Timeout().String())))
	sb.WriteString(renderStatusRow("Interrupt", enabledLabel(cfg.Execution.InterruptOnTimeout)))
	sb.WriteString(renderStatusRow("Shell Guard", enabledLabel(cfg.Execution.GuardShellEscapes)))
	if cfg.Sessions.MaxIdleSeconds > 0 {
		sb.WriteString(renderStatusRow("Idle Eviction", statusValueStyle.Render(cfg.Sessions.MaxIdle().String())))
	} else {
		sb.WriteString(renderStatusRow("Idle Eviction", statusDisabledStyle.Render("disabled")))
	}
	if cfg.History.Enabled {
		sb.WriteString(renderStatusRow("History", statusValueStyle.Render(cfg.DataPath())))
	} else {
		sb.WriteString(renderStatusRow("History", statusDisabledStyle.Render("disabled")))
	}

	return sb.String()
}

func renderServerStatus(cfg *config.Config, probe Probe) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Address", statusValueStyle.Render(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))))
	if probe.ServerErr != nil {
		sb.WriteString(renderStatusRow("State", statusErrorStyle.Render("not running")))
	} else {
		sb.WriteString(renderStatusRow("State", statusEnabledStyle.Render("running")))
		sb.WriteString(renderStatusRow("Sessions", statusValueStyle.Render(fmt.Sprintf("%d", probe.Sessions))))
	}

	return sb.String()
}

func enabledLabel(on bool) string {
	if on {
		return statusEnabledStyle.Render("enabled")
	}
	return statusDisabledStyle.Render("disabled")
}

// renderStatusRow renders a label-value row.
func renderStatusRow(label, value string) string {
	if label == "" {
		return fmt.Sprintf("  %s\n", value)
	}
	return fmt.Sprintf("  %s %s\n",
		statusLabelStyle.Render(label+":"),
		value,
	)
}

// maskToken masks a token for display.
func maskToken(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
