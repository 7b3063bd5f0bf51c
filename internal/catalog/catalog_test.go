package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/cache"
	"github.com/magx-io/magx/internal/room"
)

const validCatalogYAML = `
rooms:
  - name: lobby
    behavior: lobby
    params:
      watch: [chat]
  - name: chat
    behavior: relay
    patch_rate: 100ms
    params:
      maxPlayers: 8
      reconnectionTimeout: 5
  - name: tictactoe
    behavior: script
    script: scripts/tictactoe.lua
`

func TestLoadFromBytes_Valid(t *testing.T) {
	c, err := LoadFromBytes([]byte(validCatalogYAML))
	require.NoError(t, err)
	require.Len(t, c.Rooms, 3)

	chat := c.Rooms[1]
	assert.Equal(t, "chat", chat.Name)
	assert.Equal(t, BehaviorRelay, chat.Behavior)
	assert.Equal(t, 100*time.Millisecond, chat.PatchRate)
	assert.Equal(t, 8, chat.Params["maxPlayers"])
	assert.Equal(t, []any{"chat"}, c.Rooms[0].Params["watch"])
}

func TestLoadFromBytes_ReportsEveryProblem(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
rooms:
  - name: a
    behavior: relay
  - name: a
    behavior: teleport
  - behavior: script
  - name: b
    behavior: lobby
    script: x.lua
    patch_rate: -1s
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "duplicate name")
	assert.Contains(t, msg, `unknown behavior "teleport"`)
	assert.Contains(t, msg, "name must not be empty")
	assert.Contains(t, msg, "script rooms need a script path")
	assert.Contains(t, msg, "script is only valid for script rooms")
	assert.Contains(t, msg, "patch_rate must not be negative")
}

func TestLoadFromBytes_Empty(t *testing.T) {
	_, err := LoadFromBytes([]byte("rooms: []\n"))
	assert.ErrorContains(t, err, "no rooms")
}

func TestLoadFromBytes_BadYAML(t *testing.T) {
	_, err := LoadFromBytes([]byte("rooms: [\n"))
	assert.ErrorContains(t, err, "parsing catalog YAML")
}

func TestLoadFromFile_ResolvesScriptPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rooms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validCatalogYAML), 0o644))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scripts", "tictactoe.lua"), c.Rooms[2].Script)
	assert.Empty(t, c.Rooms[1].Script)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestInstall_DefinesTypesWithParams(t *testing.T) {
	c, err := LoadFromBytes([]byte(`
rooms:
  - name: chat
    behavior: relay
    params:
      topic: general
`))
	require.NoError(t, err)
	m := room.NewManager(cache.NewLocal[room.RoomRecord](), room.Options{ProcessID: "p1", Logger: zap.NewNop()})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	var seen map[string]any
	err = c.Install(m, map[string]Builder{
		BehaviorRelay: func(Entry) (room.Factory, error) {
			return func() *room.Behavior {
				return &room.Behavior{OnCreate: func(_ context.Context, _ *room.Room, params map[string]any) error {
					seen = params
					return nil
				}}
			}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"chat"}, m.Types())

	_, err = m.CreateRoom(context.Background(), "S1", "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, "general", seen["topic"])
}

func TestInstall_MissingBuilder(t *testing.T) {
	c, err := LoadFromBytes([]byte(validCatalogYAML))
	require.NoError(t, err)
	m := room.NewManager(cache.NewLocal[room.RoomRecord](), room.Options{ProcessID: "p1", Logger: zap.NewNop()})
	err = c.Install(m, map[string]Builder{})
	assert.ErrorContains(t, err, "no builder")
}
