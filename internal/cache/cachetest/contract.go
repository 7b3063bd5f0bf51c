// Package cachetest holds the behavioural contract every cache.Cache
// implementation must pass.
package cachetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magx-io/magx/internal/cache"
)

// Item is the value type used by the contract.
type Item struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Locked bool              `json:"locked"`
	Count  int               `json:"count"`
	Tags   []string          `json:"tags"`
	Meta   map[string]string `json:"meta"`
}

// Run exercises c, which must start empty.
func Run(t *testing.T, c cache.Cache[Item]) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		got, err := c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("remove missing", func(t *testing.T) {
		assert.NoError(t, c.Remove(ctx, "missing"))
	})

	a := Item{ID: "a", Name: "lobby", Count: 1, Tags: []string{"x"}, Meta: map[string]string{"mode": "ffa", "map": "dust"}}
	b := Item{ID: "b", Name: "lobby", Locked: true, Count: 3, Tags: []string{"x", "y"}, Meta: map[string]string{"mode": "ctf"}}
	d := Item{ID: "d", Name: "relay", Count: 0, Tags: []string{}, Meta: map[string]string{}}

	t.Run("set and get", func(t *testing.T) {
		for _, it := range []Item{a, b, d} {
			require.NoError(t, c.Set(ctx, it.ID, it))
		}
		got, err := c.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, a, *got)
	})

	t.Run("set replaces", func(t *testing.T) {
		a.Count = 2
		require.NoError(t, c.Set(ctx, "a", a))
		got, err := c.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.Count)
	})

	t.Run("find many by scalar", func(t *testing.T) {
		got, err := c.FindMany(ctx, cache.Query{"name": "lobby"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids(got))
	})

	t.Run("find many with type sensitive match", func(t *testing.T) {
		got, err := c.FindMany(ctx, cache.Query{"locked": false, "name": "lobby"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(got))

		got, err = c.FindMany(ctx, cache.Query{"locked": "false"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("find many by nested subset", func(t *testing.T) {
		got, err := c.FindMany(ctx, cache.Query{"meta": map[string]any{"mode": "ffa"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(got))
	})

	t.Run("find many empty query returns all", func(t *testing.T) {
		got, err := c.FindMany(ctx, cache.Query{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "d"}, ids(got))
	})

	t.Run("find many without match is empty", func(t *testing.T) {
		got, err := c.FindMany(ctx, cache.Query{"name": "nope"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("find one", func(t *testing.T) {
		got, err := c.FindOne(ctx, cache.Query{"name": "relay"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "d", got.ID)

		got, err = c.FindOne(ctx, cache.Query{"name": "nope"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, c.Remove(ctx, "b"))
		got, err := c.Get(ctx, "b")
		require.NoError(t, err)
		assert.Nil(t, got)
		_, err = cache.Require(ctx, c, "b")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
