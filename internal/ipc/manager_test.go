package ipc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/ipc/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startManager(t *testing.T, bus *memory.Bus, id string, opts ipc.Options) *ipc.Manager {
	t.Helper()
	opts.ProcessID = id
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	m := ipc.NewManager(bus.Conn(), opts)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestDiscovery_AllProcessesSeeEachOther(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{})
	b := startManager(t, bus, "b", ipc.Options{})
	c := startManager(t, bus, "c", ipc.Options{})

	want := []string{"a", "b", "c"}
	for _, m := range []*ipc.Manager{a, b, c} {
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, m.Pids())
		}, time.Second, 5*time.Millisecond, "process %s", m.ProcessID())
	}
}

func TestDiscovery_LateJoinerLearnsStateOfPeers(t *testing.T) {
	bus := memory.NewBus()
	startManager(t, bus, "a", ipc.Options{State: ipc.ProcessState{"rooms": 2}})
	b := startManager(t, bus, "b", ipc.Options{})

	require.Eventually(t, func() bool { return len(b.Instances()) == 2 }, time.Second, 5*time.Millisecond)
	for _, inst := range b.Instances() {
		if inst.ID == "a" {
			assert.False(t, inst.Local)
			assert.EqualValues(t, 2, inst.State["rooms"])
		} else {
			assert.True(t, inst.Local)
		}
	}
}

func TestClose_PeersDropProcessImmediately(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{})
	b := startManager(t, bus, "b", ipc.Options{})
	require.Eventually(t, func() bool { return len(a.Pids()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close(context.Background()))

	require.Eventually(t, func() bool { return len(a.Pids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, a.Pids())
}

func TestHeartbeat_RunsOnlyWithPeers(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{})
	assert.False(t, a.HeartbeatRunning())

	b := startManager(t, bus, "b", ipc.Options{})
	require.Eventually(t, a.HeartbeatRunning, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close(context.Background()))
	require.Eventually(t, func() bool { return !a.HeartbeatRunning() }, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_CrashedPeerExpires(t *testing.T) {
	bus := memory.NewBus()
	interval := 20 * time.Millisecond
	a := startManager(t, bus, "a", ipc.Options{HeartbeatInterval: interval})

	conn := bus.Conn()
	b := ipc.NewManager(conn, ipc.Options{ProcessID: "b", HeartbeatInterval: interval, Logger: zap.NewNop()})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	require.Eventually(t, func() bool { return len(a.Pids()) == 2 }, time.Second, 5*time.Millisecond)

	// Dropping the connection without announcing departure simulates a crash.
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(a.Pids()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeat_LivePeerIsRefreshed(t *testing.T) {
	bus := memory.NewBus()
	interval := 20 * time.Millisecond
	a := startManager(t, bus, "a", ipc.Options{HeartbeatInterval: interval})
	startManager(t, bus, "b", ipc.Options{HeartbeatInterval: interval})
	require.Eventually(t, func() bool { return len(a.Pids()) == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(10 * interval)
	assert.Equal(t, []string{"a", "b"}, a.Pids())
}

func TestSweep_DropsOnlyExpiredPeers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	bus := memory.NewBus()
	interval := time.Hour
	a := startManager(t, bus, "a", ipc.Options{HeartbeatInterval: interval, Now: clock.Now})
	startManager(t, bus, "b", ipc.Options{HeartbeatInterval: interval, Now: clock.Now})
	require.Eventually(t, func() bool { return len(a.Pids()) == 2 }, time.Second, 5*time.Millisecond)

	clock.Advance(interval)
	assert.Empty(t, a.Sweep(), "peer is within twice the interval")

	clock.Advance(interval + time.Second)
	assert.Equal(t, []string{"b"}, a.Sweep())
	assert.Equal(t, []string{"a"}, a.Pids())
}

func TestSetState_PropagatesOnPublish(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{})
	b := startManager(t, bus, "b", ipc.Options{})
	require.Eventually(t, func() bool { return len(b.Pids()) == 2 }, time.Second, 5*time.Millisecond)

	a.SetState(ipc.ProcessState{"clients": 7})
	require.NoError(t, a.PublishState(context.Background()))

	require.Eventually(t, func() bool {
		for _, inst := range b.Instances() {
			if inst.ID == "a" {
				v, ok := inst.State["clients"].(float64)
				return ok && v == 7
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRequestProcess_ReturnsHandlerResult(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{})
	b := startManager(t, bus, "b", ipc.Options{})

	b.OnRequest("echo", func(_ context.Context, data json.RawMessage) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in["msg"], "by": "b"}, nil
	})

	var out map[string]string
	err := a.RequestProcess(context.Background(), "b", "echo", map[string]string{"msg": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo": "hi", "by": "b"}, out)
}

func TestRequestProcess_HandlerErrorIsRemoteError(t *testing.T) {
	errGone := errors.New("thing gone")
	ipc.RegisterErrorKind("test_thing_gone", errGone)

	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{})
	b := startManager(t, bus, "b", ipc.Options{})
	b.OnRequest("fetch", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("fetching 42: %w", errGone)
	})
	b.OnRequest("explode", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	err := a.RequestProcess(context.Background(), "b", "fetch", nil, nil)
	require.Error(t, err)
	var remote *ipc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "test_thing_gone", remote.Kind)
	assert.Equal(t, "fetching 42: thing gone", remote.Message)
	assert.ErrorIs(t, err, errGone)
	assert.NotErrorIs(t, err, ipc.ErrTimeout)

	err = a.RequestProcess(context.Background(), "b", "explode", nil, nil)
	require.ErrorAs(t, err, &remote)
	assert.Empty(t, remote.Kind)
	assert.Equal(t, "boom", remote.Message)
}

func TestRequestProcess_UnknownMethodTimesOut(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{Timeout: 50 * time.Millisecond})
	startManager(t, bus, "b", ipc.Options{})

	start := time.Now()
	err := a.RequestProcess(context.Background(), "b", "missing", nil, nil)
	assert.ErrorIs(t, err, ipc.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRequestProcess_UnknownProcessTimesOut(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{Timeout: 30 * time.Millisecond})

	err := a.RequestProcess(context.Background(), "nobody", "anything", nil, nil)
	assert.ErrorIs(t, err, ipc.ErrTimeout)
}

func TestRequestProcess_ContextCancelled(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{Timeout: time.Minute})
	startManager(t, bus, "b", ipc.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.RequestProcess(ctx, "b", "missing", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestProcess_DelayAgainstTimeout(t *testing.T) {
	const timeout = 100 * time.Millisecond
	cases := []struct {
		name    string
		delay   time.Duration
		timeout bool
	}{
		{"well under", 0, false},
		{"under", 40 * time.Millisecond, false},
		{"over", 150 * time.Millisecond, true},
		{"far over", 300 * time.Millisecond, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := memory.NewBus()
			a := startManager(t, bus, "a", ipc.Options{Timeout: timeout})
			b := startManager(t, bus, "b", ipc.Options{Logger: zap.NewNop()})
			b.OnRequest("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
				select {
				case <-time.After(tc.delay):
				case <-ctx.Done():
				}
				return "done", nil
			})

			var out string
			err := a.RequestProcess(context.Background(), "b", "slow", nil, &out)
			if tc.timeout {
				assert.ErrorIs(t, err, ipc.ErrTimeout)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "done", out)
		})
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := memory.NewBus()
	a := startManager(t, bus, "a", ipc.Options{})
	b := startManager(t, bus, "b", ipc.Options{})

	got := make(chan string, 1)
	require.NoError(t, b.Subscribe(context.Background(), "greetings", func(payload []byte) {
		var s string
		_ = json.Unmarshal(payload, &s)
		got <- s
	}))
	require.NoError(t, a.Publish(context.Background(), "greetings", "hello"))

	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	require.NoError(t, b.Unsubscribe(context.Background(), "greetings"))
	require.NoError(t, a.Publish(context.Background(), "greetings", "again"))
	select {
	case s := <-got:
		t.Fatalf("delivered after unsubscribe: %q", s)
	case <-time.After(20 * time.Millisecond):
	}
}

// Every live process converges on the same membership once joins and leaves settle.
func TestPropertyMembershipConverges(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "processes")
		bus := memory.NewBus()
		managers := make([]*ipc.Manager, n)
		for i := range managers {
			managers[i] = ipc.NewManager(bus.Conn(), ipc.Options{ProcessID: fmt.Sprintf("p%d", i)})
			require.NoError(rt, managers[i].Start(context.Background()))
		}

		var live []string
		var alive []*ipc.Manager
		for i, m := range managers {
			if rapid.Bool().Draw(rt, fmt.Sprintf("leave%d", i)) {
				require.NoError(rt, m.Close(context.Background()))
				continue
			}
			live = append(live, m.ProcessID())
			alive = append(alive, m)
		}

		for _, m := range alive {
			if !assert.Eventually(t, func() bool { return assert.ObjectsAreEqual(live, m.Pids()) }, time.Second, 2*time.Millisecond) {
				rt.Fatalf("process %s has %v, want %v", m.ProcessID(), m.Pids(), live)
			}
		}
		for _, m := range alive {
			_ = m.Close(context.Background())
		}
	})
}
