package session

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hkuds/cellbox/internal/output"
)

func testCell(id, text string) Cell {
	return Cell{
		CellID:    id,
		Language:  "python",
		Mode:      "blocking",
		Code:      "print(" + id + ")",
		Status:    StatusOK,
		Outputs:   []output.Event{output.Text(text).Stamp("req", id, "s")},
		StartedAt: time.Now(),
		Duration:  time.Second,
	}
}

func TestHistoryRecordAndReload(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHistory(dir)
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}

	if err := h.Record("chat:1", testCell("c1", "one")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := h.Record("chat:1", testCell("c2", "two")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	// A fresh store reads what the first one wrote.
	h2, err := NewHistory(dir)
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	tr := h2.Get("chat:1")
	if tr == nil {
		t.Fatal("Get() = nil, want transcript")
	}
	cells := tr.Last(0)
	if len(cells) != 2 {
		t.Fatalf("len(cells) = %d, want 2", len(cells))
	}
	if cells[1].CellID != "c2" {
		t.Errorf("cells[1].CellID = %q, want %q", cells[1].CellID, "c2")
	}
	if got := cells[0].Outputs[0].Text; got != "one" {
		t.Errorf("output text = %q, want %q", got, "one")
	}
	if cells[0].Duration != time.Second {
		t.Errorf("Duration = %v, want %v", cells[0].Duration, time.Second)
	}
}

func TestHistoryKeepsLastCells(t *testing.T) {
	h, err := NewHistory(t.TempDir())
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	h.SetLimits(3, 0)

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		if err := h.Record("s", testCell(id, id)); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	cells := h.Get("s").Last(0)
	if len(cells) != 3 {
		t.Fatalf("len(cells) = %d, want 3", len(cells))
	}
	if cells[0].CellID != "3" {
		t.Errorf("oldest kept = %q, want %q", cells[0].CellID, "3")
	}
}

func TestHistoryGetMissing(t *testing.T) {
	h, err := NewHistory(t.TempDir())
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	if tr := h.Get("nope"); tr != nil {
		t.Errorf("Get() = %+v, want nil", tr)
	}
}

func TestHistoryDeleteAndList(t *testing.T) {
	h, err := NewHistory(t.TempDir())
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	h.Record("a", testCell("1", "x"))
	h.Record("b", testCell("1", "y"))
	h.Record("b", testCell("2", "z"))

	infos := h.List()
	if len(infos) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(infos))
	}
	counts := map[string]int{}
	for _, info := range infos {
		counts[info.SessionID] = info.CellCount
	}
	if counts["b"] != 2 {
		t.Errorf("CellCount(b) = %d, want 2", counts["b"])
	}

	if !h.Delete("a") {
		t.Error("Delete(a) = false, want true")
	}
	if h.Delete("a") {
		t.Error("second Delete(a) = true, want false")
	}
	if len(h.List()) != 1 {
		t.Errorf("len(List()) after delete = %d, want 1", len(h.List()))
	}
}

func TestSafeKey(t *testing.T) {
	ids := []string{"simple", "chat:42", "chat_42", "../../etc/passwd", "etcpasswd", `a\b`, "a/b", "ab", "nul\x00byte"}
	seen := map[string]string{}
	for _, id := range ids {
		key := safeKey(id)
		if strings.ContainsAny(key, `/\.:`+"\x00") {
			t.Errorf("safeKey(%q) = %q, want a plain file name", id, key)
		}
		if other, ok := seen[key]; ok {
			t.Errorf("safeKey(%q) = safeKey(%q) = %q", id, other, key)
		}
		seen[key] = id
		if again := safeKey(id); again != key {
			t.Errorf("safeKey(%q) not stable: %q then %q", id, key, again)
		}
	}
}

func TestHistorySimilarIDsKeptApart(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHistory(dir)
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	if err := h.Record("team:a", testCell("c1", "from-colon")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := h.Record("team_a", testCell("c2", "from-underscore")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	h2, err := NewHistory(dir)
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	for id, want := range map[string]string{"team:a": "from-colon", "team_a": "from-underscore"} {
		tr := h2.Get(id)
		if tr == nil {
			t.Fatalf("Get(%q) = nil, want transcript", id)
		}
		if tr.SessionID != id {
			t.Errorf("Get(%q).SessionID = %q", id, tr.SessionID)
		}
		cells := tr.Last(0)
		if len(cells) != 1 {
			t.Fatalf("Get(%q) has %d cells, want 1", id, len(cells))
		}
		if got := cells[0].Outputs[0].Text; got != want {
			t.Errorf("Get(%q) output = %q, want %q", id, got, want)
		}
	}
}

func TestHistoryIgnoresFileOfOtherSession(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHistory(dir)
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	if err := h.Record("owner", testCell("c1", "secret")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	// A file whose metadata names another session is not served.
	if err := os.Rename(h.filePath("owner"), h.filePath("intruder")); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	h2, err := NewHistory(dir)
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	if tr := h2.Get("intruder"); tr != nil {
		t.Errorf("Get(intruder) = %+v, want nil", tr)
	}
}

func TestTrimToCellCount(t *testing.T) {
	cells := []Cell{{CellID: "1"}, {CellID: "2"}, {CellID: "3"}}

	if got := TrimToCellCount(cells, 0); len(got) != 3 {
		t.Errorf("TrimToCellCount(0) len = %d, want 3", len(got))
	}
	got := TrimToCellCount(cells, 2)
	if len(got) != 2 || got[0].CellID != "2" {
		t.Errorf("TrimToCellCount(2) = %+v", got)
	}

	got[0].CellID = "changed"
	if cells[1].CellID != "2" {
		t.Error("TrimToCellCount should return a copy")
	}
}

func TestTruncateOutputs(t *testing.T) {
	events := []output.Event{
		output.Text("hello"),
		output.Image(output.MIMEPNG, "AAAA"),
		output.Text(strings.Repeat("x", 20)),
		output.Text("dropped"),
	}

	got := TruncateOutputs(events, 10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Text != "hello" {
		t.Errorf("first = %q, want %q", got[0].Text, "hello")
	}
	if got[1].Kind != output.KindImage {
		t.Errorf("second kind = %v, want image", got[1].Kind)
	}
	if want := "xxxxx" + TruncatedMarker; got[2].Text != want {
		t.Errorf("third = %q, want %q", got[2].Text, want)
	}

	if got := TruncateOutputs(events, 0); len(got) != len(events) {
		t.Errorf("unlimited len = %d, want %d", len(got), len(events))
	}
}
