package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
)

// ClientConn is the client side of the room protocol.
type ClientConn struct {
	ws *gws.Conn
	mu sync.Mutex
}

// RoomURL builds the websocket URL for roomID on a server whose HTTP base
// address is base (http:// or https://).
func RoomURL(base, prefix, roomID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = prefix + "/ws/" + url.PathEscape(roomID)
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// Dial opens a connection to a room URL built by RoomURL.
func Dial(ctx context.Context, rawURL string) (*ClientConn, error) {
	ws, resp, err := gws.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing room: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dialing room: %w", err)
	}
	return &ClientConn{ws: ws}, nil
}

// Read waits up to timeout for the next frame. A timeout <= 0 waits forever.
func (c *ClientConn) Read(timeout time.Duration) (Frame, error) {
	var f Frame
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = c.ws.SetReadDeadline(deadline)
	if err := c.ws.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Write sends f.
func (c *ClientConn) Write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

// Handshake waits for the connected frame and answers it.
func (c *ClientConn) Handshake(reconnect bool, timeout time.Duration) error {
	f, err := c.Read(timeout)
	if err != nil {
		return fmt.Errorf("waiting for connected: %w", err)
	}
	if f.T == EventError {
		return fmt.Errorf("room refused connection: %d %s", f.Code, f.Message)
	}
	if f.T != EventConnected {
		return fmt.Errorf("expected connected frame, got %d", f.T)
	}
	reply := EventJoined
	if reconnect {
		reply = EventReconnected
	}
	return c.Write(Frame{T: reply})
}

// Send sends a room message.
func (c *ClientConn) Send(msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msgType, err)
	}
	return c.Write(Frame{T: EventMessage, Type: msgType, Data: raw})
}

// Leave closes the connection with a normal closure, which the server treats
// as a consented leave.
func (c *ClientConn) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "leave")
	err := c.ws.WriteControl(gws.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
	return err
}

// Close drops the connection without a close handshake.
func (c *ClientConn) Close() error { return c.ws.Close() }
