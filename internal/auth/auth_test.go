package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"

	"github.com/magx-io/magx/internal/cache"
)

func newAuth() (*SessionAuth, *cache.Local[Session]) {
	store := cache.NewLocal[Session]()
	return NewSessionAuth(store, bcrypt.MinCost), store
}

func TestSignVerify_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a, _ := newAuth()

	token, s, err := a.Sign(ctx, "player-1", map[string]any{"nick": "bob"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "player-1."))

	got, err := a.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "bob", got.Data["nick"])
}

func TestSign_GeneratesID(t *testing.T) {
	a, _ := newAuth()
	token, s, err := a.Sign(context.Background(), "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.True(t, strings.HasPrefix(token, s.ID+"."))
}

func TestSign_RejectsDottedID(t *testing.T) {
	a, _ := newAuth()
	_, _, err := a.Sign(context.Background(), "a.b", nil)
	assert.Error(t, err)
}

func TestStore_HoldsOnlyHash(t *testing.T) {
	ctx := context.Background()
	a, store := newAuth()
	token, _, err := a.Sign(ctx, "p", nil)
	require.NoError(t, err)
	_, secret, _ := strings.Cut(token, ".")

	s, err := store.Get(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotContains(t, s.SecretHash, secret)
}

func TestVerify_Rejects(t *testing.T) {
	ctx := context.Background()
	a, _ := newAuth()
	token, _, err := a.Sign(ctx, "p", nil)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":        "",
		"no separator": "p",
		"no secret":    "p.",
		"unknown id":   "q." + strings.SplitN(token, ".", 2)[1],
		"wrong secret": "p.deadbeef",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(ctx, tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestSign_ReissueInvalidatesOldToken(t *testing.T) {
	ctx := context.Background()
	a, _ := newAuth()
	old, _, err := a.Sign(ctx, "p", nil)
	require.NoError(t, err)
	fresh, _, err := a.Sign(ctx, "p", nil)
	require.NoError(t, err)

	_, err = a.Verify(ctx, old)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = a.Verify(ctx, fresh)
	assert.NoError(t, err)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	a, _ := newAuth()
	token, _, err := a.Sign(ctx, "p", nil)
	require.NoError(t, err)
	require.NoError(t, a.Revoke(ctx, "p"))
	require.NoError(t, a.Revoke(ctx, "p"))
	_, err = a.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// Property: a token verifies only for the session it was issued for.
func TestPropertyTokenBoundToSession(t *testing.T) {
	ctx := context.Background()
	a, _ := newAuth()
	ta, _, err := a.Sign(ctx, "alpha", nil)
	require.NoError(t, err)
	_, _, err = a.Sign(ctx, "beta", nil)
	require.NoError(t, err)
	_, secret, _ := strings.Cut(ta, ".")

	rapid.Check(t, func(rt *rapid.T) {
		mutated := []byte(secret)
		i := rapid.IntRange(0, len(mutated)-1).Draw(rt, "index")
		mutated[i] = rapid.SampledFrom([]byte("0123456789abcdef")).Filter(func(b byte) bool {
			return b != mutated[i]
		}).Draw(rt, "char")
		if _, err := a.Verify(ctx, "alpha."+string(mutated)); err == nil {
			rt.Fatalf("mutated secret verified")
		}
		if _, err := a.Verify(ctx, "beta."+secret); err == nil {
			rt.Fatalf("alpha's secret verified for beta")
		}
	})
}
