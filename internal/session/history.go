package session

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hkuds/cellbox/internal/output"
)

const (
	defaultMaxCells = 200
	historyFileExt  = ".jsonl"
)

// Cell statuses recorded in history.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusBlocked   = "blocked"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Cell is one executed request as kept in a session's history.
type Cell struct {
	CellID    string         `json:"cellId"`
	RequestID string         `json:"requestId,omitempty"`
	Language  string         `json:"language"`
	Mode      string         `json:"mode"`
	Code      string         `json:"code"`
	Status    string         `json:"status"`
	Outputs   []output.Event `json:"outputs"`
	StartedAt time.Time      `json:"startedAt"`
	Duration  time.Duration  `json:"durationNs"`
}

// transcriptMetadata is the first line of a history file
type transcriptMetadata struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transcript is the cell history of one session
type Transcript struct {
	SessionID string
	Cells     []Cell
	CreatedAt time.Time
	UpdatedAt time.Time
	mu        sync.RWMutex
}

func newTranscript(sessionID string) *Transcript {
	now := time.Now()
	return &Transcript{
		SessionID: sessionID,
		Cells:     make([]Cell, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Add appends a cell.
func (t *Transcript) Add(cell Cell) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Cells = append(t.Cells, cell)
	t.UpdatedAt = time.Now()
}

// Last returns a copy of the last n cells, or all when n <= 0.
func (t *Transcript) Last(n int) []Cell {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TrimToCellCount(t.Cells, n)
}

// Len returns the number of recorded cells.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Cells)
}

// HistoryInfo provides summary information about a stored history
type HistoryInfo struct {
	SessionID string    `json:"sessionId"`
	CellCount int       `json:"cellCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// History stores session transcripts as JSON lines files, one per session
type History struct {
	dir            string
	cache          map[string]*Transcript
	mu             sync.RWMutex
	maxCells       int
	maxOutputBytes int
}

// NewHistory creates a history store under dataDir/history.
func NewHistory(dataDir string) (*History, error) {
	dir := filepath.Join(dataDir, "history")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &History{
		dir:      dir,
		cache:    make(map[string]*Transcript),
		maxCells: defaultMaxCells,
	}, nil
}

// SetLimits bounds how many cells are kept per session and how many bytes
// of text output are kept per cell. Zero means unlimited.
func (h *History) SetLimits(maxCells, maxOutputBytes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxCells = maxCells
	h.maxOutputBytes = maxOutputBytes
}

// Record appends cell to the history of sessionID and persists it.
func (h *History) Record(sessionID string, cell Cell) error {
	h.mu.RLock()
	maxBytes := h.maxOutputBytes
	h.mu.RUnlock()

	cell.Outputs = TruncateOutputs(cell.Outputs, maxBytes)
	t := h.transcript(sessionID)
	t.Add(cell)
	return h.save(t)
}

// Get returns the transcript of sessionID, or nil when none exists.
func (h *History) Get(sessionID string) *Transcript {
	h.mu.RLock()
	if t, ok := h.cache[sessionID]; ok {
		h.mu.RUnlock()
		return t
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	// Double-check cache after acquiring write lock
	if t, ok := h.cache[sessionID]; ok {
		return t
	}
	t := h.loadFromFile(sessionID)
	if t != nil {
		h.cache[sessionID] = t
	}
	return t
}

func (h *History) transcript(sessionID string) *Transcript {
	if t := h.Get(sessionID); t != nil {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.cache[sessionID]; ok {
		return t
	}
	t := newTranscript(sessionID)
	h.cache[sessionID] = t
	return t
}

func (h *History) save(t *Transcript) error {
	h.mu.RLock()
	maxCells := h.maxCells
	h.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Only keep last maxCells cells
	if maxCells > 0 && len(t.Cells) > maxCells {
		t.Cells = TrimToCellCount(t.Cells, maxCells)
	}

	tmp := h.filePath(t.SessionID) + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create history file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	meta := transcriptMetadata{
		SessionID: t.SessionID,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if err := enc.Encode(meta); err != nil {
		file.Close()
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	for _, cell := range t.Cells {
		if err := enc.Encode(cell); err != nil {
			file.Close()
			return fmt.Errorf("failed to write cell: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush history: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close history file: %w", err)
	}
	return os.Rename(tmp, h.filePath(t.SessionID))
}

// Delete removes the history of sessionID from cache and disk
func (h *History) Delete(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.cache, sessionID)
	return os.Remove(h.filePath(sessionID)) == nil
}

// List returns information about every stored history
func (h *History) List() []HistoryInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var infos []HistoryInfo
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return infos
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), historyFileExt) {
			continue
		}
		info := h.loadInfo(filepath.Join(h.dir, entry.Name()))
		if info == nil {
			continue
		}
		if t, ok := h.cache[info.SessionID]; ok {
			info.CellCount = t.Len()
		}
		infos = append(infos, *info)
	}
	return infos
}

// filePath returns the file path for a session id
func (h *History) filePath(sessionID string) string {
	return filepath.Join(h.dir, safeKey(sessionID)+historyFileExt)
}

// safeKey maps a session id to a file name. Distinct ids never share a
// file; the id itself is kept in the metadata line.
func safeKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (h *History) loadFromFile(sessionID string) *Transcript {
	file, err := os.Open(h.filePath(sessionID))
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := newScanner(file)
	if !scanner.Scan() {
		return nil
	}
	var meta transcriptMetadata
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil
	}
	if meta.SessionID != sessionID {
		return nil
	}

	t := &Transcript{
		SessionID: meta.SessionID,
		Cells:     make([]Cell, 0),
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
	}
	for scanner.Scan() {
		var cell Cell
		if err := json.Unmarshal(scanner.Bytes(), &cell); err != nil {
			continue // Skip malformed cells
		}
		t.Cells = append(t.Cells, cell)
	}
	return t
}

// loadInfo loads only the metadata from a history file
func (h *History) loadInfo(path string) *HistoryInfo {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := newScanner(file)
	if !scanner.Scan() {
		return nil
	}
	var meta transcriptMetadata
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil
	}

	count := 0
	for scanner.Scan() {
		count++
	}
	return &HistoryInfo{
		SessionID: meta.SessionID,
		CellCount: count,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
	}
}

// Cells carry base64 images, so lines can be far larger than the default
// scanner buffer.
func newScanner(f *os.File) *bufio.Scanner {
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 64*1024*1024)
	return s
}
