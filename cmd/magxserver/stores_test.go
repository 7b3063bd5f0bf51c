package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/magx-io/magx/internal/config"
	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/ipc/memory"
	"github.com/magx-io/magx/internal/room"
)

func publishRoundTrip(t *testing.T, b ipc.Backend) {
	t.Helper()
	ctx := context.Background()
	got := make(chan string, 1)
	require.NoError(t, b.Subscribe(ctx, "ping", func(p []byte) { got <- string(p) }))
	require.NoError(t, b.Publish(ctx, "ping", []byte("pong")))
	select {
	case s := <-got:
		assert.Equal(t, "pong", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestOpenBackend_Memory(t *testing.T) {
	b, svc, err := openBackend(context.Background(), config.IPCConfig{Backend: "memory"}, "p1", zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, svc)
	t.Cleanup(func() { _ = b.Close() })
	publishRoundTrip(t, b)
}

func TestOpenBackend_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	b, svc, err := openBackend(context.Background(), config.IPCConfig{Backend: "redis", RedisAddr: mr.Addr()}, "p1", zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, svc)
	t.Cleanup(func() { _ = b.Close() })
	publishRoundTrip(t, b)
}

func TestOpenBackend_HostedBrokerAcceptsPeers(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	local, svc, err := openBackend(ctx, config.IPCConfig{Backend: "broker", BrokerListen: "127.0.0.1:0"}, "master", logger)
	require.NoError(t, err)
	require.NotNil(t, svc)
	go func() { _ = svc.Start(ctx) }()
	t.Cleanup(func() {
		_ = local.Close()
		_ = svc.Stop(ctx)
	})
	publishRoundTrip(t, local)
}

func TestOpenBackend_Unknown(t *testing.T) {
	_, _, err := openBackend(context.Background(), config.IPCConfig{Backend: "carrier-pigeon"}, "p1", zap.NewNop())
	assert.ErrorContains(t, err, "unknown ipc backend")
}

func startIPC(t *testing.T, bus *memory.Bus, pid string) *ipc.Manager {
	t.Helper()
	m := ipc.NewManager(bus.Conn(), ipc.Options{ProcessID: pid, Logger: zap.NewNop()})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestOpenStores_IPCRegistrySharedByOwner(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	cfg := config.Config{Registry: config.RegistryConfig{Backend: "ipc", Owner: "master"}}

	master := startIPC(t, bus, "master")
	owned, err := openStores(ctx, cfg, master, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, master.Start(ctx))

	worker := startIPC(t, bus, "worker")
	remote, err := openStores(ctx, cfg, worker, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, worker.Start(ctx))

	require.NoError(t, remote.Rooms.Set(ctx, "r1", room.RoomRecord{ID: "r1", PID: "worker", Name: "chat"}))
	got, err := owned.Rooms.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "worker", got.PID)
}

func TestOpenStores_LocalAndUnknown(t *testing.T) {
	ctx := context.Background()
	m := startIPC(t, memory.NewBus(), "p1")

	s, err := openStores(ctx, config.Config{Registry: config.RegistryConfig{Backend: "local"}}, m, zap.NewNop())
	require.NoError(t, err)
	s.Close()
	assert.NotNil(t, s.Rooms)
	assert.NotNil(t, s.Sessions)

	_, err = openStores(ctx, config.Config{Registry: config.RegistryConfig{Backend: "etcd"}}, m, zap.NewNop())
	assert.ErrorContains(t, err, "unknown registry backend")
}

func newRooms(t *testing.T) (*room.Manager, *room.Inspector) {
	t.Helper()
	m := startIPC(t, memory.NewBus(), "p1")
	require.NoError(t, m.Start(context.Background()))
	s, err := openStores(context.Background(), config.Config{Registry: config.RegistryConfig{Backend: "local"}}, m, zap.NewNop())
	require.NoError(t, err)
	insp := room.NewInspector(s.Rooms, m, zap.NewNop())
	rooms := room.NewManager(insp, room.Options{ProcessID: "p1", Logger: zap.NewNop()})
	t.Cleanup(func() { rooms.Shutdown(context.Background()) })
	return rooms, insp
}

func TestDefineRoomTypes_BuiltinsWithoutCatalog(t *testing.T) {
	rooms, insp := newRooms(t)
	require.NoError(t, defineRoomTypes(rooms, insp, config.RoomsConfig{}))
	assert.ElementsMatch(t, []string{"relay", "lobby"}, rooms.Types())
}

func TestDefineRoomTypes_FromCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.lua"), []byte(`
function on_message(client, type, data)
  room.send(client, type, data)
end
`), 0o644))
	path := filepath.Join(dir, "rooms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rooms:
  - name: chat
    behavior: relay
  - name: echo
    behavior: script
    script: echo.lua
`), 0o644))

	rooms, insp := newRooms(t)
	require.NoError(t, defineRoomTypes(rooms, insp, config.RoomsConfig{Catalog: path, ScriptInstructionLimit: 10000}))
	assert.ElementsMatch(t, []string{"chat", "echo"}, rooms.Types())

	rec, err := rooms.CreateRoom(context.Background(), "S1", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", rec.Name)
}

func TestDefineRoomTypes_BadCatalog(t *testing.T) {
	rooms, insp := newRooms(t)
	err := defineRoomTypes(rooms, insp, config.RoomsConfig{Catalog: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
