package session

import (
	"github.com/hkuds/cellbox/internal/output"
)

// TruncatedMarker is appended to text output cut by TruncateOutputs.
const TruncatedMarker = "\n... [output truncated]"

// TrimToCellCount returns the last n cells. n <= 0 keeps all of them.
func TrimToCellCount(cells []Cell, maxCount int) []Cell {
	if maxCount <= 0 || maxCount >= len(cells) {
		result := make([]Cell, len(cells))
		copy(result, cells)
		return result
	}

	start := len(cells) - maxCount
	result := make([]Cell, maxCount)
	copy(result, cells[start:])
	return result
}

// TruncateOutputs caps the total text carried by events at maxBytes.
// Images are kept whole; text past the budget is cut and marked, later
// text events are dropped. maxBytes <= 0 keeps everything.
func TruncateOutputs(events []output.Event, maxBytes int) []output.Event {
	if maxBytes <= 0 {
		return events
	}

	result := make([]output.Event, 0, len(events))
	budget := maxBytes
	cut := false
	for _, ev := range events {
		if !ev.IsText() {
			result = append(result, ev)
			continue
		}
		if cut {
			continue
		}
		if len(ev.Text) > budget {
			ev.Text = ev.Text[:budget] + TruncatedMarker
			cut = true
		}
		budget -= len(ev.Text)
		result = append(result, ev)
	}
	return result
}
