package balancer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/magx-io/magx/internal/cache"
	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/ipc/memory"
	"github.com/magx-io/magx/internal/room"
)

// staticIPC is a cluster view with a fixed membership and no transport.
type staticIPC struct {
	self string
	pids []string
}

func (s staticIPC) ProcessID() string                    { return s.self }
func (s staticIPC) Pids() []string                       { return s.pids }
func (s staticIPC) OnRequest(string, ipc.RequestHandler) {}
func (s staticIPC) RequestProcess(context.Context, string, string, any, any) error {
	return ipc.ErrTimeout
}

func seed(t require.TestingT, reg room.Registry, pid string, clientsPerRoom ...int) {
	for i, n := range clientsPerRoom {
		clients := make([]string, n)
		for j := range clients {
			clients[j] = fmt.Sprintf("%s-c%d", pid, j)
		}
		id := fmt.Sprintf("%s-r%d", pid, i)
		require.NoError(t, reg.Set(context.Background(), id, room.RoomRecord{ID: id, PID: pid, Name: "t", Clients: clients}))
	}
}

func staticBalancer(self string, pids ...string) (*Balancer, *cache.Local[room.RoomRecord]) {
	reg := cache.NewLocal[room.RoomRecord]()
	rooms := room.NewManager(reg, room.Options{ProcessID: self, Logger: zap.NewNop()})
	return New(staticIPC{self: self, pids: pids}, rooms, zap.NewNop()), reg
}

func TestFindProcessForRoom_LowestProductWins(t *testing.T) {
	b, reg := staticBalancer("B", "A", "B")
	seed(t, reg, "A", 1)
	seed(t, reg, "B", 5)

	pid, err := b.FindProcessForRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", pid)
}

func TestFindProcessForRoom_ManySmallRoomsBeatFewLargeOnes(t *testing.T) {
	b, reg := staticBalancer("A", "A", "B")
	seed(t, reg, "A", 1, 1, 1) // 3 rooms × 3 clients = 9
	seed(t, reg, "B", 10)      // 1 room × 10 clients = 10

	pid, err := b.FindProcessForRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", pid)
}

func TestFindProcessForRoom_TiesGoLocal(t *testing.T) {
	b, _ := staticBalancer("C", "A", "B", "C")
	pid, err := b.FindProcessForRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "C", pid)
}

func TestFindProcessForRoom_ReapsDeadOwners(t *testing.T) {
	ctx := context.Background()
	b, reg := staticBalancer("A", "A")
	seed(t, reg, "ghost", 3, 3)
	seed(t, reg, "A", 1)

	loads, err := b.Loads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Load{{PID: "A", Rooms: 1, Clients: 1}}, loads)
	assert.Equal(t, 1, reg.Len())
}

func TestPropertyPickHasMinimalScore(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "processes")
		loads := make([]Load, n)
		for i := range loads {
			loads[i] = Load{
				PID:     fmt.Sprintf("p%d", i),
				Rooms:   rapid.IntRange(0, 5).Draw(t, "rooms"),
				Clients: rapid.IntRange(0, 20).Draw(t, "clients"),
			}
		}
		local := loads[rapid.IntRange(0, n-1).Draw(t, "local")].PID
		got := pick(local, loads)

		lowest := loads[0].Score()
		var gotScore, localScore int
		for _, l := range loads {
			if l.Score() < lowest {
				lowest = l.Score()
			}
			if l.PID == got {
				gotScore = l.Score()
			}
			if l.PID == local {
				localScore = l.Score()
			}
		}
		if gotScore != lowest {
			t.Fatalf("picked %s with score %d, minimum is %d", got, gotScore, lowest)
		}
		if localScore == lowest && got != local {
			t.Fatalf("local %s ties at %d but %s was picked", local, lowest, got)
		}
	})
}

type cluster struct {
	reg       *cache.Local[room.RoomRecord]
	balancers map[string]*Balancer
}

// newCluster starts processes on one in-process bus sharing one registry.
func newCluster(t *testing.T, pids ...string) *cluster {
	t.Helper()
	ctx := context.Background()
	bus := memory.NewBus()
	c := &cluster{reg: cache.NewLocal[room.RoomRecord](), balancers: map[string]*Balancer{}}
	for _, pid := range pids {
		m := ipc.NewManager(bus.Conn(), ipc.Options{ProcessID: pid, Logger: zap.NewNop()})
		require.NoError(t, m.Start(ctx))
		rooms := room.NewManager(c.reg, room.Options{ProcessID: pid, Logger: zap.NewNop()})
		rooms.Define("t", func() *room.Behavior { return &room.Behavior{} }, room.TypeOptions{})
		c.balancers[pid] = New(m, rooms, zap.NewNop())
		t.Cleanup(func() {
			rooms.Shutdown(context.Background())
			_ = m.Close(context.Background())
		})
	}
	return c
}

func TestCreateRoom_PlacedOnIdlerPeer(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "p1", "p2")
	seed(t, c.reg, "p1", 2)

	rec, err := c.balancers["p1"].CreateRoom(ctx, "S1", "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "p2", rec.PID)
	assert.Equal(t, []string{"S1"}, rec.Clients)
	assert.Len(t, c.balancers["p2"].Rooms().LocalRooms(), 1)
	assert.Empty(t, c.balancers["p1"].Rooms().LocalRooms())
}

func TestForwarding_RoomOperationsReachOwner(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "p1", "p2")
	rec, err := c.balancers["p2"].Rooms().CreateRoom(ctx, "S1", "t", nil)
	require.NoError(t, err)
	front := c.balancers["p1"]

	joined, err := front.JoinRoom(ctx, "S2", rec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, joined.Clients)

	locked := true
	updated, err := front.UpdateRoom(ctx, "S1", rec.ID, room.RoomUpdate{Locked: &locked})
	require.NoError(t, err)
	assert.True(t, updated.Locked)

	_, err = front.JoinRoom(ctx, "S3", rec.ID, nil)
	assert.ErrorIs(t, err, room.ErrRoomLocked)
	var remote *ipc.RemoteError
	assert.ErrorAs(t, err, &remote, "a forwarded rejection is an application error")
	assert.NotErrorIs(t, err, ipc.ErrTimeout)

	_, err = front.UpdateRoom(ctx, "S2", rec.ID, room.RoomUpdate{Locked: &locked})
	assert.ErrorIs(t, err, room.ErrUnauthorized)
	assert.ErrorIs(t, front.CloseRoom(ctx, "S3", rec.ID), room.ErrUnauthorized)

	require.NoError(t, front.LeaveRoom(ctx, "S2", rec.ID))
	got, err := c.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, got.Clients)

	require.NoError(t, front.CloseRoom(ctx, "S1", rec.ID))
	got, err = c.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestForwarding_UnknownRoom(t *testing.T) {
	c := newCluster(t, "p1")
	_, err := c.balancers["p1"].JoinRoom(context.Background(), "S1", "nope", nil)
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestForwarding_UnreachableOwnerTimesOut(t *testing.T) {
	ctx := context.Background()
	b, reg := staticBalancer("p1", "p1", "p2")
	seed(t, reg, "p2", 1)
	_, err := b.JoinRoom(ctx, "S1", "p2-r0", nil)
	assert.ErrorIs(t, err, ipc.ErrTimeout)
}
