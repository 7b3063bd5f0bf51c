// Package ipccache proxies a cache.Cache to the process that owns it.
//
// The owner runs a Server holding the real caches by collection name. Every
// other process uses a Client, which forwards each operation as an ipc
// request (cache.set, cache.get, cache.remove, cache.findOne, cache.findMany).
package ipccache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/magx-io/magx/internal/cache"
	"github.com/magx-io/magx/internal/ipc"
)

const (
	methodSet      = "cache.set"
	methodGet      = "cache.get"
	methodRemove   = "cache.remove"
	methodFindOne  = "cache.findOne"
	methodFindMany = "cache.findMany"
)

type request struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Query      cache.Query     `json:"query,omitempty"`
}

// collection is a cache.Cache[T] seen through JSON.
type collection interface {
	set(ctx context.Context, key string, value json.RawMessage) error
	get(ctx context.Context, key string) (any, error)
	remove(ctx context.Context, key string) error
	findOne(ctx context.Context, q cache.Query) (any, error)
	findMany(ctx context.Context, q cache.Query) (any, error)
}

type typed[T any] struct{ c cache.Cache[T] }

func (t typed[T]) set(ctx context.Context, key string, value json.RawMessage) error {
	var v T
	if err := json.Unmarshal(value, &v); err != nil {
		return fmt.Errorf("decoding value for %s: %w", key, err)
	}
	return t.c.Set(ctx, key, v)
}

func (t typed[T]) get(ctx context.Context, key string) (any, error) {
	return t.c.Get(ctx, key)
}

func (t typed[T]) remove(ctx context.Context, key string) error {
	return t.c.Remove(ctx, key)
}

func (t typed[T]) findOne(ctx context.Context, q cache.Query) (any, error) {
	return t.c.FindOne(ctx, q)
}

func (t typed[T]) findMany(ctx context.Context, q cache.Query) (any, error) {
	return t.c.FindMany(ctx, q)
}

// Server answers cache requests for the collections registered on it.
type Server struct {
	mu          sync.RWMutex
	collections map[string]collection
}

// NewServer registers the cache methods on m.
//
// Postcondition: m answers cache.* requests for every collection later
// added with Register.
func NewServer(m *ipc.Manager) *Server {
	s := &Server{collections: make(map[string]collection)}
	m.OnRequest(methodSet, s.handle(func(ctx context.Context, c collection, r request) (any, error) {
		return nil, c.set(ctx, r.Key, r.Value)
	}))
	m.OnRequest(methodGet, s.handle(func(ctx context.Context, c collection, r request) (any, error) {
		return c.get(ctx, r.Key)
	}))
	m.OnRequest(methodRemove, s.handle(func(ctx context.Context, c collection, r request) (any, error) {
		return nil, c.remove(ctx, r.Key)
	}))
	m.OnRequest(methodFindOne, s.handle(func(ctx context.Context, c collection, r request) (any, error) {
		return c.findOne(ctx, r.Query)
	}))
	m.OnRequest(methodFindMany, s.handle(func(ctx context.Context, c collection, r request) (any, error) {
		return c.findMany(ctx, r.Query)
	}))
	return s
}

// Register exposes c under name on s.
func Register[T any](s *Server, name string, c cache.Cache[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[name] = typed[T]{c: c}
}

func (s *Server) handle(fn func(context.Context, collection, request) (any, error)) ipc.RequestHandler {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		var r request
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decoding cache request: %w", err)
		}
		s.mu.RLock()
		c, ok := s.collections[r.Collection]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown cache collection %q", r.Collection)
		}
		return fn(ctx, c, r)
	}
}

// Requester is the part of ipc.Manager a Client needs.
type Requester interface {
	RequestProcess(ctx context.Context, target, method string, data any, out any) error
}

// Client is a cache.Cache[T] whose data lives on the owner process.
type Client[T any] struct {
	ipc        Requester
	owner      string
	collection string
}

var _ cache.Cache[struct{}] = (*Client[struct{}])(nil)

// NewClient returns a Client for collection hosted by owner.
func NewClient[T any](r Requester, owner, collection string) *Client[T] {
	return &Client[T]{ipc: r, owner: owner, collection: collection}
}

func (c *Client[T]) call(ctx context.Context, method string, r request, out any) error {
	r.Collection = c.collection
	if err := c.ipc.RequestProcess(ctx, c.owner, method, r, out); err != nil {
		return fmt.Errorf("%s %s on %s: %w", method, c.collection, c.owner, err)
	}
	return nil
}

// Set forwards to the owner.
func (c *Client[T]) Set(ctx context.Context, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return c.call(ctx, methodSet, request{Key: key, Value: raw}, nil)
}

// Get forwards to the owner.
func (c *Client[T]) Get(ctx context.Context, key string) (*T, error) {
	var out *T
	if err := c.call(ctx, methodGet, request{Key: key}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Remove forwards to the owner.
func (c *Client[T]) Remove(ctx context.Context, key string) error {
	return c.call(ctx, methodRemove, request{Key: key}, nil)
}

// FindOne forwards to the owner.
func (c *Client[T]) FindOne(ctx context.Context, q cache.Query) (*T, error) {
	var out *T
	if err := c.call(ctx, methodFindOne, request{Query: q}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindMany forwards to the owner.
func (c *Client[T]) FindMany(ctx context.Context, q cache.Query) ([]T, error) {
	out := []T{}
	if err := c.call(ctx, methodFindMany, request{Query: q}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
