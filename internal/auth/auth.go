// Package auth issues and verifies session tokens.
//
// A token is "<session id>.<secret>". Only a bcrypt hash of the secret is kept
// in the session store, so a leaked store does not leak usable tokens.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/magx-io/magx/internal/cache"
)

// ErrInvalidToken is returned when a token is malformed, unknown or does not
// match its session's secret.
var ErrInvalidToken = errors.New("invalid session token")

const secretBytes = 24

// Session is the stored form of an issued session.
type Session struct {
	ID         string         `json:"id"`
	Data       map[string]any `json:"data,omitempty"`
	SecretHash string         `json:"secretHash"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// SessionAuth signs and verifies session tokens against a session store.
type SessionAuth struct {
	store cache.Cache[Session]
	cost  int
}

// NewSessionAuth creates a SessionAuth over store.
//
// Precondition: store must not be nil. A cost of zero selects bcrypt.DefaultCost.
func NewSessionAuth(store cache.Cache[Session], cost int) *SessionAuth {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &SessionAuth{store: store, cost: cost}
}

// Sign creates or replaces the session id with data and returns its token.
// An empty id is replaced by a fresh uuid.
//
// Postcondition: any token previously issued for id stops verifying.
func (a *SessionAuth) Sign(ctx context.Context, id string, data map[string]any) (string, Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if strings.Contains(id, ".") {
		return "", Session{}, fmt.Errorf("session id %q must not contain '.'", id)
	}
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", Session{}, fmt.Errorf("generating secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.cost)
	if err != nil {
		return "", Session{}, fmt.Errorf("hashing secret: %w", err)
	}
	s := Session{ID: id, Data: data, SecretHash: string(hash), CreatedAt: time.Now().UTC()}
	if err := a.store.Set(ctx, id, s); err != nil {
		return "", Session{}, fmt.Errorf("storing session %s: %w", id, err)
	}
	return id + "." + secret, s, nil
}

// Verify resolves token to its session.
func (a *SessionAuth) Verify(ctx context.Context, token string) (Session, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return Session{}, ErrInvalidToken
	}
	s, err := a.store.Get(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("reading session %s: %w", id, err)
	}
	if s == nil {
		return Session{}, ErrInvalidToken
	}
	if bcrypt.CompareHashAndPassword([]byte(s.SecretHash), []byte(secret)) != nil {
		return Session{}, ErrInvalidToken
	}
	return *s, nil
}

// Revoke deletes the session id. Revoking an unknown session is a no-op.
func (a *SessionAuth) Revoke(ctx context.Context, id string) error {
	if err := a.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("removing session %s: %w", id, err)
	}
	return nil
}
