package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/magx-io/magx/internal/state"
)

func newBuffer() *tracking {
	return &tracking{pending: make(map[string]state.Patch)}
}

func TestTracking_SamePathCoalesces(t *testing.T) {
	b := newBuffer()
	b.add(state.Patch{Op: state.OpReplace, Path: "/x", Value: 1.0})
	b.add(state.Patch{Op: state.OpReplace, Path: "/y", Value: 1.0})
	b.add(state.Patch{Op: state.OpReplace, Path: "/x", Value: 2.0})

	assert.Equal(t, []state.Patch{
		{Op: state.OpReplace, Path: "/y", Value: 1.0},
		{Op: state.OpReplace, Path: "/x", Value: 2.0},
	}, b.take())
	assert.Nil(t, b.take())
}

func TestTracking_AddRemovePairKeepsLastOrder(t *testing.T) {
	b := newBuffer()
	b.add(state.Patch{Op: state.OpAdd, Path: "/p", Value: "a"})
	b.add(state.Patch{Op: state.OpRemove, Path: "/p"})

	got := b.take()
	require.Len(t, got, 2)
	assert.Equal(t, state.OpAdd, got[0].Op)
	assert.Equal(t, state.OpRemove, got[1].Op)
}

// Each flushed batch holds exactly one patch per op+path, carrying the last
// value written for it.
func TestPropertyCoalescing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := newBuffer()
		last := map[string]state.Patch{}
		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			p := state.Patch{
				Op:    rapid.SampledFrom([]string{state.OpAdd, state.OpReplace}).Draw(t, "op"),
				Path:  rapid.SampledFrom([]string{"/a", "/b", "/c", "/d"}).Draw(t, "path"),
				Value: float64(rapid.IntRange(0, 9).Draw(t, "v")),
			}
			b.add(p)
			last[p.Key()] = p
		}
		batch := b.take()
		if len(batch) != len(last) {
			t.Fatalf("batch has %d patches, want %d", len(batch), len(last))
		}
		for _, p := range batch {
			if last[p.Key()] != p {
				t.Fatalf("%s delivered %v, want %v", p.Key(), p.Value, last[p.Key()].Value)
			}
		}
	})
}

func TestTracking_HaltDiscardsAndIsIdempotent(t *testing.T) {
	disposed := 0
	b := &tracking{
		conn:    newFakeClient("S1"),
		dispose: func() { disposed++ },
		pending: make(map[string]state.Patch),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run(time.Hour)
	b.add(state.Patch{Op: state.OpAdd, Path: "/x"})
	b.halt()
	b.halt()
	b.add(state.Patch{Op: state.OpAdd, Path: "/y"})
	assert.Equal(t, 1, disposed)
	assert.Nil(t, b.take())
}

func trackedRoom(t *testing.T, rate time.Duration) (*Manager, string, *state.Document) {
	t.Helper()
	doc := state.NewDocument(nil)
	m, _ := newTestManager(t, Options{})
	m.Define("t", func() *Behavior {
		return &Behavior{OnCreate: func(_ context.Context, r *Room, _ map[string]any) error {
			r.SetTracker(doc)
			return nil
		}}
	}, TypeOptions{PatchRate: rate})
	rec, err := m.CreateRoom(context.Background(), "S1", "t", nil)
	require.NoError(t, err)
	return m, rec.ID, doc
}

func TestTracking_ReplacesCoalesceToLatest(t *testing.T) {
	m, id, doc := trackedRoom(t, 200*time.Millisecond)
	require.NoError(t, doc.Set("", "/score", 0))
	c := newFakeClient("S1")
	require.NoError(t, attach(t, m, id, c))

	require.NoError(t, doc.Set("", "/score", 1))
	require.NoError(t, doc.Set("", "/score", 2))

	require.Eventually(t, func() bool { return len(c.allPatches()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []state.Patch{{Op: state.OpReplace, Path: "/score", Value: float64(2)}}, c.allPatches())
}

func TestUpdateTrackingParams_ResubscribesWithFilter(t *testing.T) {
	m, id, doc := trackedRoom(t, 20*time.Millisecond)
	c := newFakeClient("S1")
	require.NoError(t, attach(t, m, id, c))

	require.NoError(t, m.UpdateTrackingParams(id, "S1", state.Params{Paths: []string{"/public"}}))
	assert.Equal(t, 2, c.snapshotCount())

	require.NoError(t, doc.Set("", "/private/x", 1))
	require.NoError(t, doc.Set("", "/public/x", 1))
	require.Eventually(t, func() bool { return len(c.allPatches()) > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	for _, p := range c.allPatches() {
		assert.Equal(t, "/public/x", p.Path)
	}

	assert.ErrorIs(t, m.UpdateTrackingParams(id, "S2", state.Params{}), ErrNotConnected)
}

func TestTracking_OwnPatchesAreNotEchoed(t *testing.T) {
	m, id, doc := trackedRoom(t, 20*time.Millisecond)
	c := newFakeClient("S1")
	require.NoError(t, attach(t, m, id, c))

	require.NoError(t, doc.Set("S1", "/mine", 1))
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, c.allPatches())
}
