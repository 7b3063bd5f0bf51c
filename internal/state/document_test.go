package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func collect(d *Document, params Params) (*[]Patch, func()) {
	var got []Patch
	dispose := d.OnPatch(func(p Patch) { got = append(got, p) }, params)
	return &got, dispose
}

func TestDocument_SetEmitsAddThenReplace(t *testing.T) {
	d := NewDocument(nil)
	got, _ := collect(d, Params{})

	require.NoError(t, d.Set("", "/players/a", map[string]any{"connected": true}))
	require.NoError(t, d.Set("", "/players/a/connected", false))

	require.Len(t, *got, 2)
	assert.Equal(t, Patch{Op: OpAdd, Path: "/players/a", Value: map[string]any{"connected": true}}, (*got)[0])
	assert.Equal(t, Patch{Op: OpReplace, Path: "/players/a/connected", Value: false}, (*got)[1])

	v, ok := d.Get("/players/a/connected")
	require.True(t, ok)
	assert.Equal(t, false, v)
}

func TestDocument_RemoveDeletesKey(t *testing.T) {
	d := NewDocument(map[string]any{"players": map[string]any{"a": 1}})
	got, _ := collect(d, Params{})

	require.NoError(t, d.Remove("", "/players/a"))
	_, ok := d.Get("/players/a")
	assert.False(t, ok)
	assert.Equal(t, []Patch{{Op: OpRemove, Path: "/players/a"}}, *got)
}

func TestDocument_OriginIsNotEchoed(t *testing.T) {
	d := NewDocument(nil)
	mine, _ := collect(d, Params{ClientID: "a"})
	theirs, _ := collect(d, Params{ClientID: "b"})

	require.NoError(t, d.Set("a", "/x", 1))
	assert.Empty(t, *mine)
	assert.Len(t, *theirs, 1)
}

func TestDocument_PathFilter(t *testing.T) {
	d := NewDocument(nil)
	got, _ := collect(d, Params{Paths: []string{"/public"}})

	require.NoError(t, d.Set("", "/public/score", 3))
	require.NoError(t, d.Set("", "/private/secret", "x"))
	require.NoError(t, d.Set("", "/publicity", "no"))

	require.Len(t, *got, 1)
	assert.Equal(t, "/public/score", (*got)[0].Path)

	snap := d.Snapshot(Params{Paths: []string{"/public"}})
	assert.Equal(t, map[string]any{"public": map[string]any{"score": float64(3)}}, snap)
}

func TestDocument_SnapshotIsACopy(t *testing.T) {
	d := NewDocument(map[string]any{"a": map[string]any{"b": 1}})
	snap := d.Snapshot(Params{}).(map[string]any)
	snap["a"].(map[string]any)["b"] = 2

	v, _ := d.Get("/a/b")
	assert.Equal(t, float64(1), v)
}

func TestDocument_DisposeStopsDelivery(t *testing.T) {
	d := NewDocument(nil)
	got, dispose := collect(d, Params{})
	dispose()
	dispose()
	require.NoError(t, d.Set("", "/x", 1))
	assert.Empty(t, *got)

	other, _ := collect(d, Params{})
	d.Dispose()
	require.NoError(t, d.Set("", "/y", 1))
	assert.Empty(t, *other)
}

func TestDocument_Arrays(t *testing.T) {
	d := NewDocument(map[string]any{"list": []any{"a", "b", "c"}})
	require.NoError(t, d.Apply("", Patch{Op: OpAdd, Path: "/list/-", Value: "d"}))
	require.NoError(t, d.Apply("", Patch{Op: OpReplace, Path: "/list/0", Value: "z"}))
	require.NoError(t, d.Remove("", "/list/1"))

	v, _ := d.Get("/list")
	assert.Equal(t, []any{"z", "c", "d"}, v)
}

func TestDocument_InvalidPatches(t *testing.T) {
	d := NewDocument(map[string]any{"n": 1})
	assert.ErrorIs(t, d.Apply("", Patch{Op: "move", Path: "/n"}), ErrInvalidPatch)
	assert.ErrorIs(t, d.Apply("", Patch{Op: OpAdd, Path: "n"}), ErrInvalidPatch)
	assert.ErrorIs(t, d.Apply("", Patch{Op: OpAdd, Path: "/"}), ErrInvalidPatch)
	assert.ErrorIs(t, d.Apply("", Patch{Op: OpAdd, Path: "/n/x", Value: 1}), ErrInvalidPatch)
}

func TestParams_Visible(t *testing.T) {
	p := Params{Paths: []string{"/a/", "/b"}}
	assert.True(t, p.Visible("/a/x"))
	assert.True(t, p.Visible("/b"))
	assert.True(t, p.Visible("/b/c"))
	assert.False(t, p.Visible("/bc"))
	assert.True(t, Params{}.Visible("/anything"))
}

// Any sequence of sets ends with Get returning the last value written per path.
func TestPropertyLastSetWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := NewDocument(nil)
		want := map[string]float64{}
		n := rapid.IntRange(1, 30).Draw(t, "ops")
		for i := 0; i < n; i++ {
			key := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "key")
			val := float64(rapid.IntRange(0, 100).Draw(t, "val"))
			if err := d.Set("", "/k/"+key, val); err != nil {
				t.Fatal(err)
			}
			want[key] = val
		}
		for k, v := range want {
			got, ok := d.Get("/k/" + k)
			if !ok || got != v {
				t.Fatalf("/k/%s = %v, want %v", k, got, v)
			}
		}
	})
}
