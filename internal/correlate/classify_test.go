package correlate

import (
	"strings"
	"testing"

	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(t *testing.T, parent protocol.Message, msgType string, content any) protocol.Message {
	t.Helper()
	msg, err := protocol.Reply(parent, msgType, protocol.ChannelIOPub, content)
	require.NoError(t, err)
	return msg
}

func request(t *testing.T) protocol.Message {
	t.Helper()
	msg, err := protocol.NewExecuteRequest("s", "x")
	require.NoError(t, err)
	return msg
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[0;31mZeroDivisionError\x1b[0m: division by zero\n\x1b[1;32m----> 1\x1b[0m 1/0"
	out := StripANSI(in)
	assert.Equal(t, "ZeroDivisionError: division by zero\n----> 1 1/0", out)
	assert.NotContains(t, out, "\x1b")
}

func TestStripANSIPreservesOtherCharacters(t *testing.T) {
	in := "tab\there\r\nünïcode [brackets] \\slash"
	assert.Equal(t, in, StripANSI(in))
}

func TestBelongs(t *testing.T) {
	req := request(t)
	other := request(t)
	msg := reply(t, req, protocol.MsgStream, protocol.StreamContent{Name: "stdout", Text: "hi"})

	assert.True(t, Belongs(msg, req.Header.MsgID))
	assert.False(t, Belongs(msg, other.Header.MsgID))
	assert.False(t, Belongs(msg, ""))
}

func TestClassifyStream(t *testing.T) {
	events, idle := Classify(reply(t, request(t), protocol.MsgStream, protocol.StreamContent{Name: "stdout", Text: "2\n"}))
	require.Len(t, events, 1)
	assert.False(t, idle)
	assert.Equal(t, output.KindText, events[0].Kind)
	assert.Equal(t, "2\n", events[0].Text)
}

func TestClassifyExecuteResult(t *testing.T) {
	events, _ := Classify(reply(t, request(t), protocol.MsgExecuteResult, protocol.DataContent{
		Data: map[string]any{"text/plain": "4", "text/html": "<b>4</b>"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "4", events[0].Text)
}

func TestClassifyDisplayPNG(t *testing.T) {
	events, _ := Classify(reply(t, request(t), protocol.MsgDisplayData, protocol.DataContent{
		Data: map[string]any{"image/png": "iVBORw0KGgo=\n", "text/plain": "<Figure>"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, output.KindImage, events[0].Kind)
	assert.True(t, strings.HasPrefix(events[0].URL(), "data:image/png;base64,"))
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", events[0].URL())
}

func TestClassifyDisplayJPEG(t *testing.T) {
	events, _ := Classify(reply(t, request(t), protocol.MsgDisplayData, protocol.DataContent{
		Data: map[string]any{"image/jpeg": "/9j/4AAQ"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, output.MIMEJPEG, events[0].MIMEType)
}

func TestClassifyDisplayTextFallback(t *testing.T) {
	events, _ := Classify(reply(t, request(t), protocol.MsgDisplayData, protocol.DataContent{
		Data: map[string]any{"text/plain": "<IPython.core.display.HTML object>"},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, output.KindText, events[0].Kind)
}

func TestClassifyDisplayHTMLTable(t *testing.T) {
	html := `<table><thead><tr><th>a</th><th>b</th></tr></thead><tbody><tr><td>1</td><td>2</td></tr></tbody></table>`
	events, _ := Classify(reply(t, request(t), protocol.MsgDisplayData, protocol.DataContent{
		Data: map[string]any{"text/html": html},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "a\tb\n1\t2", events[0].Text)
}

func TestClassifyDisplayNothingUsable(t *testing.T) {
	events, idle := Classify(reply(t, request(t), protocol.MsgDisplayData, protocol.DataContent{
		Data: map[string]any{"application/vnd.custom+json": map[string]any{}},
	}))
	assert.Empty(t, events)
	assert.False(t, idle)
}

func TestClassifyError(t *testing.T) {
	events, _ := Classify(reply(t, request(t), protocol.MsgError, protocol.ErrorContent{
		EName:  "ZeroDivisionError",
		EValue: "division by zero",
		Traceback: []string{
			"\x1b[0;31m---------------------------------------------------------------------------\x1b[0m",
			"\x1b[0;31mZeroDivisionError\x1b[0m: division by zero",
		},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, output.KindError, events[0].Kind)
	assert.True(t, events[0].IsText())
	assert.Contains(t, events[0].Text, "ZeroDivisionError: division by zero")
	assert.NotContains(t, events[0].Text, "\x1b")
}

func TestClassifyErrorWithoutTraceback(t *testing.T) {
	events, _ := Classify(reply(t, request(t), protocol.MsgError, protocol.ErrorContent{EName: "NameError", EValue: "x"}))
	require.Len(t, events, 1)
	assert.Equal(t, "NameError: x", events[0].Text)
}

func TestClassifyStatus(t *testing.T) {
	_, idle := Classify(reply(t, request(t), protocol.MsgStatus, protocol.StatusContent{ExecutionState: protocol.StateBusy}))
	assert.False(t, idle)

	events, idle := Classify(reply(t, request(t), protocol.MsgStatus, protocol.StatusContent{ExecutionState: protocol.StateIdle}))
	assert.True(t, idle)
	assert.Empty(t, events)
}

func TestClassifyIgnoresOtherTypes(t *testing.T) {
	events, idle := Classify(reply(t, request(t), protocol.MsgExecuteReply, map[string]any{"status": "ok"}))
	assert.Empty(t, events)
	assert.False(t, idle)
}
