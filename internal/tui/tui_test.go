package tui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hkuds/cellbox/internal/config"
	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/session"
)

func TestRenderEvent(t *testing.T) {
	if got := RenderEvent(output.Text("hello\n")); got != "hello\n" {
		t.Errorf("RenderEvent(text) = %q, want verbatim text", got)
	}

	got := RenderEvent(output.Error("ZeroDivisionError: division by zero"))
	if !strings.Contains(got, "ZeroDivisionError") {
		t.Errorf("RenderEvent(error) = %q, missing traceback", got)
	}

	got = RenderEvent(output.Image(output.MIMEPNG, strings.Repeat("A", 4096)))
	if !strings.Contains(got, "image/png") || !strings.Contains(got, "3.0 KB") {
		t.Errorf("RenderEvent(image) = %q, want mime and size", got)
	}
}

func TestWriteEvent(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEvent(&buf, output.Text("a")); err != nil {
		t.Fatal(err)
	}
	if err := WriteEvent(&buf, output.Error("boom")); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "a") || !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRenderSessions(t *testing.T) {
	now := time.Now()
	if got := RenderSessions(nil, now); !strings.Contains(got, "no sessions") {
		t.Errorf("RenderSessions(nil) = %q", got)
	}

	got := RenderSessions([]session.Info{{
		ID:        "analysis-1",
		State:     "bootstrapped",
		Bootstrap: kernel.BootstrapSuccess,
		LastUsed:  now.Add(-90 * time.Second),
	}}, now)
	for _, want := range []string{"SESSION", "analysis-1", "bootstrapped", "success", "1m30s"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderSessions() missing %q in %q", want, got)
		}
	}
}

func TestRenderHistories(t *testing.T) {
	if got := RenderHistories(nil); !strings.Contains(got, "no history") {
		t.Errorf("RenderHistories(nil) = %q", got)
	}

	got := RenderHistories([]session.HistoryInfo{{SessionID: "team:a", CellCount: 7, UpdatedAt: time.Now()}})
	for _, want := range []string{"SESSION", "CELLS", "team:a", "7"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderHistories() missing %q in %q", want, got)
		}
	}
}

func TestShowStatus(t *testing.T) {
	cfg := config.DefaultConfig()
	var buf bytes.Buffer

	if err := ShowStatus(&buf, cfg, Probe{ServerErr: errors.New("refused")}); err != nil {
		t.Fatalf("ShowStatus failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"docker", "unreachable", "python3", "not running"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q", want)
		}
	}

	cfg.Backend = "gateway"
	cfg.Gateway.URL = "http://gw:8888"
	cfg.Gateway.Token = "abcdefghijkl"
	buf.Reset()
	if err := ShowStatus(&buf, cfg, Probe{Sessions: 3}); err != nil {
		t.Fatalf("ShowStatus failed: %v", err)
	}
	out = buf.String()
	if strings.Contains(out, "abcdefghijkl") {
		t.Error("token should be masked")
	}
	if !strings.Contains(out, "http://gw:8888") || !strings.Contains(out, "running") {
		t.Errorf("status = %q", out)
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("short"); got != "****" {
		t.Errorf("maskToken(short) = %q, want ****", got)
	}
	if got := maskToken("abcdefghijkl"); got != "abcd****ijkl" {
		t.Errorf("maskToken() = %q, want abcd****ijkl", got)
	}
}
