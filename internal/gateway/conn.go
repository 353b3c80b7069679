package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/protocol"
)

const closeGracePeriod = time.Second

// Conn is one channels websocket. Every message carries its channel name.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ kernel.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{ws: ws, logger: logger}
}

// Send writes msg. A ctx deadline bounds the write.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Recv reads the next JSON message. Binary frames carry buffers this
// client never requests and are skipped.
func (c *Conn) Recv() (protocol.Message, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("skipping malformed kernel message", "error", err)
			continue
		}
		return msg, nil
	}
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
