// Package protocol holds the Jupyter messaging types exchanged with kernels
// over the kernel gateway channels websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the messaging protocol version stamped on outgoing headers.
const Version = "5.3"

// Channels multiplexed over one kernel connection.
const (
	ChannelShell   = "shell"
	ChannelIOPub   = "iopub"
	ChannelControl = "control"
	ChannelStdin   = "stdin"
)

// Message types the sandbox sends or understands.
const (
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgStream            = "stream"
	MsgExecuteResult     = "execute_result"
	MsgDisplayData       = "display_data"
	MsgError             = "error"
	MsgStatus            = "status"
)

// Kernel execution states reported by status messages.
const (
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateStarting = "starting"
)

// Header identifies a message. Parent headers reuse the same shape and are
// empty for unsolicited messages.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date,omitempty"`
	Version  string `json:"version"`
}

// Message is a single Jupyter message as framed by the websocket channels
// endpoint.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel,omitempty"`
	Buffers      []any           `json:"buffers,omitempty"`
}

// Type returns the message type.
func (m Message) Type() string {
	return m.Header.MsgType
}

// ParentID returns the msg_id of the request this message replies to.
func (m Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// StreamContent is the content of a stream message.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DataContent is the content of execute_result and display_data messages.
type DataContent struct {
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount int            `json:"execution_count,omitempty"`
}

// ErrorContent is the content of an error message.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// StatusContent is the content of a status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// ExecuteRequestContent is the content of an execute_request message.
type ExecuteRequestContent struct {
	Code            string            `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    bool              `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     bool              `json:"stop_on_error"`
}

// Decode unmarshals the content of m into v.
func Decode[T any](m Message) (T, error) {
	var v T
	if len(m.Content) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(m.Content, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s content: %w", m.Header.MsgType, err)
	}
	return v, nil
}

// NewSessionID returns an identifier for a client's messaging session.
func NewSessionID() string {
	return uuid.NewString()
}

// NewRequest builds a message with a fresh msg_id.
func NewRequest(session, msgType, channel string, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s content: %w", msgType, err)
	}
	return Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			MsgType:  msgType,
			Session:  session,
			Username: "cellbox",
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			Version:  Version,
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
	}, nil
}

// NewExecuteRequest builds an execute_request for code on the shell channel.
func NewExecuteRequest(session, code string) (Message, error) {
	return NewRequest(session, MsgExecuteRequest, ChannelShell, ExecuteRequestContent{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]string{},
		StopOnError:     true,
	})
}

// NewKernelInfoRequest builds the readiness probe request.
func NewKernelInfoRequest(session string) (Message, error) {
	return NewRequest(session, MsgKernelInfoRequest, ChannelShell, struct{}{})
}

// Reply builds a message answering parent. Used by kernels and fakes.
func Reply(parent Message, msgType, channel string, content any) (Message, error) {
	msg, err := NewRequest(parent.Header.Session, msgType, channel, content)
	if err != nil {
		return Message{}, err
	}
	msg.ParentHeader = parent.Header
	return msg, nil
}

// MIMEString returns the representation stored under mimeType. Bundles may
// store multi-line values as a list of strings, which are joined.
func MIMEString(data map[string]any, mimeType string) (string, bool) {
	v, ok := data[mimeType]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case []any:
		var sb strings.Builder
		for _, part := range val {
			if s, ok := part.(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String(), true
	case []string:
		return strings.Join(val, ""), true
	default:
		return fmt.Sprint(val), true
	}
}
