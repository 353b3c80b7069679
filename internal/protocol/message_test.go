package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecuteRequest(t *testing.T) {
	msg, err := NewExecuteRequest("sess", "x = 1")
	require.NoError(t, err)

	assert.NotEmpty(t, msg.Header.MsgID)
	assert.Equal(t, MsgExecuteRequest, msg.Type())
	assert.Equal(t, ChannelShell, msg.Channel)
	assert.Equal(t, "sess", msg.Header.Session)

	content, err := Decode[ExecuteRequestContent](msg)
	require.NoError(t, err)
	assert.Equal(t, "x = 1", content.Code)
	assert.True(t, content.StopOnError)
}

func TestRequestIDsAreUnique(t *testing.T) {
	a, err := NewExecuteRequest("s", "1")
	require.NoError(t, err)
	b, err := NewExecuteRequest("s", "1")
	require.NoError(t, err)
	assert.NotEqual(t, a.Header.MsgID, b.Header.MsgID)
}

func TestReplyCarriesParent(t *testing.T) {
	req, err := NewExecuteRequest("s", "1")
	require.NoError(t, err)
	reply, err := Reply(req, MsgStatus, ChannelIOPub, StatusContent{ExecutionState: StateIdle})
	require.NoError(t, err)

	assert.Equal(t, req.Header.MsgID, reply.ParentID())
	status, err := Decode[StatusContent](reply)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.ExecutionState)
}

func TestMessageRoundTripWithEmptyParent(t *testing.T) {
	raw := `{"header":{"msg_id":"a","msg_type":"status","session":"s","username":"u","version":"5.3"},
		"parent_header":{},"metadata":{},"content":{"execution_state":"starting"},"channel":"iopub"}`
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Empty(t, msg.ParentID())
	assert.Equal(t, ChannelIOPub, msg.Channel)
}

func TestDecodeInvalidContent(t *testing.T) {
	msg := Message{Header: Header{MsgType: MsgStream}, Content: json.RawMessage(`[1,2]`)}
	_, err := Decode[StreamContent](msg)
	assert.Error(t, err)
}

func TestMIMEString(t *testing.T) {
	data := map[string]any{
		"text/plain": "2",
		"text/html":  []any{"<b>", "x", "</b>"},
	}

	s, ok := MIMEString(data, "text/plain")
	assert.True(t, ok)
	assert.Equal(t, "2", s)

	s, ok = MIMEString(data, "text/html")
	assert.True(t, ok)
	assert.Equal(t, "<b>x</b>", s)

	_, ok = MIMEString(data, "image/png")
	assert.False(t, ok)
}
