package natsbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/ipc/natsbus"
	"github.com/magx-io/magx/internal/testutil"
)

func natsURL(t *testing.T) string {
	t.Helper()
	return testutil.NATSURL(t)
}

func TestConn_PublishSubscribe(t *testing.T) {
	url := natsURL(t)
	sub, err := natsbus.Dial(url, "sub", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sub.Close()
	pub, err := natsbus.Dial(url, "pub", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pub.Close()

	got := make(chan string, 1)
	require.NoError(t, sub.Subscribe(context.Background(), "magx-test:news", func(p []byte) { got <- string(p) }))
	require.NoError(t, pub.Publish(context.Background(), "magx-test:news", []byte("hello")))

	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestManagersOverNATS(t *testing.T) {
	url := natsURL(t)
	ca, err := natsbus.Dial(url, "a", nil)
	require.NoError(t, err)
	cb, err := natsbus.Dial(url, "b", nil)
	require.NoError(t, err)

	opts := ipc.Options{InstanceName: "magx-test-" + t.Name()}
	opts.ProcessID = "a"
	a := ipc.NewManager(ca, opts)
	opts.ProcessID = "b"
	b := ipc.NewManager(cb, opts)
	defer a.Close(context.Background())
	defer b.Close(context.Background())

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return len(a.Pids()) == 2 && len(b.Pids()) == 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestConn_ClosedRejectsPublish(t *testing.T) {
	url := natsURL(t)
	c, err := natsbus.Dial(url, "closed", nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish(context.Background(), "x", nil), ipc.ErrClosed)
}
