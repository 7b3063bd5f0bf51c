package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/magx-io/magx/internal/transport/websocket"
)

// WSClient is a room protocol test client.
type WSClient struct {
	*websocket.ClientConn
	t *testing.T
}

// NewWSClient dials a room URL and returns a test client.
//
// Precondition: rawURL must come from websocket.RoomURL for a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, rawURL string) *WSClient {
	t.Helper()
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := websocket.Dial(ctx, rawURL)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", rawURL, err, time.Since(start))
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &WSClient{ClientConn: conn, t: t}
}

// ReadUntil reads frames until match accepts one or timeout elapses. It
// returns every frame read, the match last.
func (c *WSClient) ReadUntil(match func(websocket.Frame) bool, timeout time.Duration) []websocket.Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []websocket.Frame
	for {
		f, err := c.Read(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("reading frames: got %d frames, error: %v", len(seen), err)
		}
		seen = append(seen, f)
		if match(f) {
			return seen
		}
	}
}

// ReadMessage reads until a message frame of msgType arrives.
func (c *WSClient) ReadMessage(msgType string, timeout time.Duration) websocket.Frame {
	c.t.Helper()
	frames := c.ReadUntil(func(f websocket.Frame) bool {
		return f.T == websocket.EventMessage && f.Type == msgType
	}, timeout)
	return frames[len(frames)-1]
}

// MustHandshake completes the connect handshake or fails the test.
func (c *WSClient) MustHandshake(reconnect bool) {
	c.t.Helper()
	if err := c.Handshake(reconnect, 5*time.Second); err != nil {
		c.t.Fatalf("handshake: %v", err)
	}
}
