// Package correlate matches raw kernel messages to the request that caused
// them and turns matching messages into output events.
package correlate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/protocol"
)

var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI removes terminal escape sequences and leaves every other
// character untouched.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// FormatTraceback joins traceback frames into plain text.
func FormatTraceback(frames []string) string {
	cleaned := make([]string, len(frames))
	for i, line := range frames {
		cleaned[i] = StripANSI(line)
	}
	return strings.Join(cleaned, "\n")
}

// Belongs reports whether msg was produced in reply to the request with the
// given correlation id.
func Belongs(msg protocol.Message, requestID string) bool {
	return requestID != "" && msg.ParentID() == requestID
}

// Classify turns one kernel message into zero or more output events. idle
// is true when the message is the status signal ending the request. The
// caller is responsible for checking correlation first.
func Classify(msg protocol.Message) (events []output.Event, idle bool) {
	switch msg.Type() {
	case protocol.MsgStream:
		c, err := protocol.Decode[protocol.StreamContent](msg)
		if err != nil {
			return nil, false
		}
		return []output.Event{output.Text(c.Text)}, false

	case protocol.MsgExecuteResult:
		c, err := protocol.Decode[protocol.DataContent](msg)
		if err != nil {
			return nil, false
		}
		text, _ := protocol.MIMEString(c.Data, "text/plain")
		return []output.Event{output.Text(text)}, false

	case protocol.MsgDisplayData:
		c, err := protocol.Decode[protocol.DataContent](msg)
		if err != nil {
			return nil, false
		}
		if ev, ok := displayEvent(c.Data); ok {
			return []output.Event{ev}, false
		}
		return nil, false

	case protocol.MsgError:
		c, err := protocol.Decode[protocol.ErrorContent](msg)
		if err != nil {
			return nil, false
		}
		return []output.Event{output.Error(errorText(c))}, false

	case protocol.MsgStatus:
		c, err := protocol.Decode[protocol.StatusContent](msg)
		if err != nil {
			return nil, false
		}
		return nil, c.ExecutionState == protocol.StateIdle
	}
	return nil, false
}

// displayEvent picks the richest representation of a display bundle:
// png, then jpeg, then plain text, then text extracted from html.
func displayEvent(data map[string]any) (output.Event, bool) {
	for _, mimeType := range []string{output.MIMEPNG, output.MIMEJPEG} {
		if payload, ok := protocol.MIMEString(data, mimeType); ok {
			return output.Image(mimeType, strings.TrimSpace(payload)), true
		}
	}
	if text, ok := protocol.MIMEString(data, "text/plain"); ok {
		return output.Text(text), true
	}
	if html, ok := protocol.MIMEString(data, "text/html"); ok {
		if text, err := htmlText(html); err == nil && text != "" {
			return output.Text(text), true
		}
	}
	return output.Event{}, false
}

func htmlText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style").Remove()

	var rows []string
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		rows = append(rows, strings.Join(cells, "\t"))
	})
	if len(rows) > 0 {
		return strings.Join(rows, "\n"), nil
	}
	return strings.TrimSpace(doc.Text()), nil
}

func errorText(c protocol.ErrorContent) string {
	if len(c.Traceback) > 0 {
		return FormatTraceback(c.Traceback)
	}
	return StripANSI(fmt.Sprintf("%s: %s", c.EName, c.EValue))
}
