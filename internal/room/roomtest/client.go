// Package roomtest provides an in-memory room.Client for tests of packages
// built on the room manager.
package roomtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/magx-io/magx/internal/room"
	"github.com/magx-io/magx/internal/state"
)

// Message is one Send recorded by a Client.
type Message struct {
	Type string
	Data any
}

// Client records everything the manager pushes to it.
type Client struct {
	id         string
	handshakes chan bool

	mu        sync.Mutex
	sent      []Message
	snapshots []any
	patches   []state.Patch
	closed    bool
	code      room.ErrorCode
}

var _ room.Client = (*Client)(nil)

// NewClient creates a Client for session id.
func NewClient(id string) *Client {
	return &Client{id: id, handshakes: make(chan bool, 4)}
}

func (c *Client) SessionID() string { return c.id }

func (c *Client) Handshake(reconnect bool) error {
	c.handshakes <- reconnect
	return nil
}

func (c *Client) Send(msgType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Message{Type: msgType, Data: data})
	return nil
}

func (c *Client) Snapshot(s any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, s)
	return nil
}

func (c *Client) Patch(p []state.Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches = append(c.patches, p...)
	return nil
}

func (c *Client) Terminate(code room.ErrorCode, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
}

// Messages returns the payloads of every message of msgType, in order.
func (c *Client) Messages(msgType string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, m := range c.sent {
		if m.Type == msgType {
			out = append(out, m.Data)
		}
	}
	return out
}

// Patches returns every patch delivered so far.
func (c *Client) Patches() []state.Patch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]state.Patch(nil), c.patches...)
}

// Snapshots returns every snapshot delivered so far.
func (c *Client) Snapshots() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.snapshots...)
}

// Closed reports whether the connection was terminated and with what code.
func (c *Client) Closed() (room.ErrorCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.closed
}

// Attach connects c to roomID and answers its handshake.
func Attach(t *testing.T, m *room.Manager, roomID string, c *Client) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), roomID, c) }()
	select {
	case reconnect := <-c.handshakes:
		sig := room.SignalJoined
		if reconnect {
			sig = room.SignalReconnected
		}
		require.True(t, m.Signal(roomID, c, sig))
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no handshake")
	}
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	return nil
}
