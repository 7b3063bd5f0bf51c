package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/cache"
	"github.com/magx-io/magx/internal/state"
)

type sentMessage struct {
	Type string
	Data any
}

// fakeClient records everything the manager pushes to a connection.
type fakeClient struct {
	id         string
	handshakes chan bool

	mu         sync.Mutex
	sent       []sentMessage
	snapshots  []any
	patches    [][]state.Patch
	terminated bool
	code       ErrorCode
	reason     string
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id, handshakes: make(chan bool, 4)}
}

func (c *fakeClient) SessionID() string { return c.id }

func (c *fakeClient) Handshake(reconnect bool) error {
	c.handshakes <- reconnect
	return nil
}

func (c *fakeClient) Send(msgType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{Type: msgType, Data: data})
	return nil
}

func (c *fakeClient) Snapshot(s any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, s)
	return nil
}

func (c *fakeClient) Patch(p []state.Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches = append(c.patches, p)
	return nil
}

func (c *fakeClient) Terminate(code ErrorCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
	c.code = code
	c.reason = reason
}

func (c *fakeClient) closeCode() (ErrorCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.terminated
}

func (c *fakeClient) messages(msgType string) []any {
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

func (c *fakeClient) allPatches() []state.Patch {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []state.Patch
	for _, batch := range c.patches {
		out = append(out, batch...)
	}
	return out
}

func (c *fakeClient) batches() [][]state.Patch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]state.Patch(nil), c.patches...)
}

func (c *fakeClient) snapshotCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *cache.Local[RoomRecord]) {
	t.Helper()
	if opts.ProcessID == "" {
		opts.ProcessID = "p1"
	}
	// Timers and flush loops outlive individual assertions; a test logger
	// would panic when they log after the test returns.
	opts.Logger = zap.NewNop()
	reg := cache.NewLocal[RoomRecord]()
	m := NewManager(reg, opts)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, reg
}

// attach runs the connect handshake for c to completion.
func attach(t *testing.T, m *Manager, roomID string, c *fakeClient) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), roomID, c) }()
	select {
	case reconnect := <-c.handshakes:
		sig := SignalJoined
		if reconnect {
			sig = SignalReconnected
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

func record(t *testing.T, reg *cache.Local[RoomRecord], id string) *RoomRecord {
	t.Helper()
	rec, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func clientStatus(m *Manager, roomID, sessionID string) (ClientStatus, bool) {
	r, err := m.room(roomID)
	if err != nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.clients[sessionID]
	if !ok || ref == nil {
		return "", ok
	}
	return ref.Status, true
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
