// Package tui renders execution output and status for the terminal.
package tui

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/session"
)

var (
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	imageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Italic(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	cellStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
)

// RenderEvent returns the terminal form of one output event. Images are
// summarised since a terminal cannot show them.
func RenderEvent(ev output.Event) string {
	switch ev.Kind {
	case output.KindError:
		return errorStyle.Render(ev.Text)
	case output.KindImage:
		size := base64.StdEncoding.DecodedLen(len(ev.Data))
		return imageStyle.Render(fmt.Sprintf("[%s image, %s]", ev.MIMEType, humanBytes(size)))
	default:
		return ev.Text
	}
}

// WriteEvent writes ev to w, ending non-text events with a newline.
func WriteEvent(w io.Writer, ev output.Event) error {
	s := RenderEvent(ev)
	if ev.Kind != output.KindText && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, err := io.WriteString(w, s)
	return err
}

// RenderSessions returns a table of sessions.
func RenderSessions(infos []session.Info, now time.Time) string {
	if len(infos) == 0 {
		return statusDisabledStyle.Render("no sessions") + "\n"
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%-24s %-14s %-10s %-5s %s", "SESSION", "STATE", "BOOTSTRAP", "BUSY", "IDLE")))
	sb.WriteString("\n")
	for _, info := range infos {
		idle := now.Sub(info.LastUsed).Round(time.Second)
		if idle < 0 {
			idle = 0
		}
		sb.WriteString(cellStyle.Render(fmt.Sprintf("%-24s %-14s %-10s %-5d %s",
			truncate(info.ID, 24), info.State, info.Bootstrap, info.Busy, idle)))
		sb.WriteString("\n")
	}
	return sb.String()
}

// RenderHistories returns a table of stored session histories.
func RenderHistories(infos []session.HistoryInfo) string {
	if len(infos) == 0 {
		return statusDisabledStyle.Render("no history") + "\n"
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%-24s %-6s %s", "SESSION", "CELLS", "UPDATED")))
	sb.WriteString("\n")
	for _, info := range infos {
		sb.WriteString(cellStyle.Render(fmt.Sprintf("%-24s %-6d %s",
			truncate(info.SessionID, 24), info.CellCount, info.UpdatedAt.Format(time.DateTime))))
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func humanBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
