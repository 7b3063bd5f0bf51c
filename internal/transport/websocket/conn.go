package websocket

import (
	"fmt"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/room"
	"github.com/magx-io/magx/internal/state"
)

const writeWait = 5 * time.Second

// conn is a room.Client over one websocket.
type conn struct {
	ws        *gws.Conn
	sessionID string
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ room.Client = (*conn)(nil)

func (c *conn) SessionID() string { return c.sessionID }

func (c *conn) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection for %s is closed", c.sessionID)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *conn) Handshake(bool) error { return c.write(Frame{T: EventConnected}) }

func (c *conn) Send(msgType string, data any) error {
	f, err := dataFrame(EventMessage, msgType, data)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msgType, err)
	}
	return c.write(f)
}

func (c *conn) Snapshot(s any) error {
	f, err := dataFrame(EventSnapshot, "", s)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return c.write(f)
}

func (c *conn) Patch(patches []state.Patch) error {
	return c.write(Frame{T: EventPatch, Patches: patches})
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.ws.WriteControl(gws.PingMessage, nil, time.Now().Add(writeWait))
}

// Terminate sends an error frame for abnormal codes, then closes the socket.
// The read loop notices the close and reports the disconnect.
func (c *conn) Terminate(code room.ErrorCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	deadline := time.Now().Add(writeWait)
	if code != room.CodeNormalClose {
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteJSON(Frame{T: EventError, Code: int(code), Message: reason})
	}
	msg := gws.FormatCloseMessage(int(code), reason)
	if err := c.ws.WriteControl(gws.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("writing close frame", zap.Error(err))
	}
	_ = c.ws.Close()
}

// release closes the socket after the read loop ended.
func (c *conn) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	_ = c.ws.Close()
}
