package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/magx-io/magx/internal/api"
	"github.com/magx-io/magx/internal/auth"
	"github.com/magx-io/magx/internal/balancer"
	"github.com/magx-io/magx/internal/cache"
	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/ipc/memory"
	"github.com/magx-io/magx/internal/room"
	"github.com/magx-io/magx/internal/transport/websocket"
)

// syncBuffer is a bytes.Buffer safe for a command writing while a test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newServer(t *testing.T) (*httptest.Server, *room.Manager) {
	t.Helper()
	ctx := context.Background()
	ipcm := ipc.NewManager(memory.NewBus().Conn(), ipc.Options{ProcessID: "p1", Logger: zap.NewNop()})
	require.NoError(t, ipcm.Start(ctx))
	rooms := room.NewManager(cache.NewLocal[room.RoomRecord](), room.Options{
		ProcessID: "p1", PatchRate: 10 * time.Millisecond, Logger: zap.NewNop(),
	})
	rooms.Define("chat", room.Relay(), room.TypeOptions{})
	sessions := auth.NewSessionAuth(cache.NewLocal[auth.Session](), bcrypt.MinCost)

	apiSrv := api.New(sessions, balancer.New(ipcm, rooms, zap.NewNop()), "", zap.NewNop())
	mux := http.NewServeMux()
	apiSrv.Register(mux)
	mux.Handle(websocket.Pattern(apiSrv.Prefix()), websocket.NewHandler(sessions, rooms, websocket.Options{Logger: zap.NewNop()}))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		rooms.Shutdown(context.Background())
		_ = ipcm.Close(context.Background())
	})
	return srv, rooms
}

func run(t *testing.T, srv *httptest.Server, token string, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	full := append([]string{"--server", srv.URL}, args...)
	if token != "" {
		full = append(full, "--token", token)
	}
	root.SetArgs(full)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCmd_ShowsHelpWhenNoSubcommand(t *testing.T) {
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs(nil)
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "Usage:")
	assert.Contains(t, buf.String(), "magxctl")
}

func TestRootCmd_RejectsUnknownFlags(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--unknown-flag", "value"})
	assert.Error(t, root.Execute())
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"nick=al", "level=3", "admin=true", `tags=["a"]`, "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"nick": "al", "level": float64(3), "admin": true, "tags": []any{"a"}, "empty": "",
	}, got)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePairs([]string{"=x"})
	assert.Error(t, err)

	got, err = parsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAuthAndRoomCommands(t *testing.T) {
	srv, _ := newServer(t)

	out, _, err := run(t, srv, "", "auth", "alice", "--data", "nick=al")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	out, _, err = run(t, srv, "", "verify", token)
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "nick: al")

	out, _, err = run(t, srv, token, "rooms", "create", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "host:    alice")
	id := strings.Fields(out)[0]

	out, _, err = run(t, srv, token, "rooms", "list", "--name", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, _, err = run(t, srv, token, "rooms", "lock", id)
	require.NoError(t, err)
	assert.Contains(t, out, "locked=true")

	_, _, err = run(t, srv, token, "rooms", "close", id)
	require.NoError(t, err)

	_, errOut, err := run(t, srv, token, "rooms", "get", id)
	require.Error(t, err)
	assert.Contains(t, errOut, "404")
}

func TestRoomCommandsRequireToken(t *testing.T) {
	srv, _ := newServer(t)
	_, errOut, err := run(t, srv, "", "rooms", "list")
	require.Error(t, err)
	assert.Contains(t, errOut, "MAGX_TOKEN")
}

func TestWatchStreamsAndLeaves(t *testing.T) {
	srv, rooms := newServer(t)
	out, _, err := run(t, srv, "", "auth", "alice")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	out, _, err = run(t, srv, token, "rooms", "create", "chat")
	require.NoError(t, err)
	id := strings.Fields(out)[0]

	root := NewRootCmd()
	var stdout, stderr syncBuffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	root.SetArgs([]string{"--server", srv.URL, "--token", token, "watch", id})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), room.MsgRoomState)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, stdout.String(), "snapshot")

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, stderr.String(), "left "+id)

	require.Eventually(t, func() bool {
		rec, err := rooms.GetRoom(context.Background(), id)
		return err == nil && rec == nil
	}, 2*time.Second, 10*time.Millisecond, "the host leaving empties and disposes the room")
}
