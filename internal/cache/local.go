package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Local is an in-process Cache. Values are stored in their JSON encoding, so
// callers never share memory with the cache.
type Local[T any] struct {
	mu    sync.RWMutex
	items map[string]json.RawMessage
}

var _ Cache[struct{}] = (*Local[struct{}])(nil)

// NewLocal creates an empty Local cache.
func NewLocal[T any]() *Local[T] {
	return &Local[T]{items: make(map[string]json.RawMessage)}
}

// Set stores value under key.
func (c *Local[T]) Set(_ context.Context, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	c.mu.Lock()
	c.items[key] = raw
	c.mu.Unlock()
	return nil
}

// Get returns the value for key, or nil when absent.
func (c *Local[T]) Get(_ context.Context, key string) (*T, error) {
	c.mu.RLock()
	raw, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decode[T](key, raw)
}

// Remove deletes key.
func (c *Local[T]) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// FindOne returns the first match in key order, or nil.
func (c *Local[T]) FindOne(_ context.Context, q Query) (*T, error) {
	found, err := c.find(q, 1)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// FindMany returns every match in key order.
func (c *Local[T]) FindMany(_ context.Context, q Query) ([]T, error) {
	return c.find(q, 0)
}

// Len returns the number of stored entries.
func (c *Local[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Local[T]) find(q Query, limit int) ([]T, error) {
	var nq map[string]any
	if len(q) > 0 {
		var err error
		if nq, err = toDocument(map[string]any(q)); err != nil {
			return nil, fmt.Errorf("normalizing query: %w", err)
		}
	}

	c.mu.RLock()
	keys := make([]string, 0, len(c.items))
	snapshot := make(map[string]json.RawMessage, len(c.items))
	for k, raw := range c.items {
		keys = append(keys, k)
		snapshot[k] = raw
	}
	c.mu.RUnlock()
	sort.Strings(keys)

	out := []T{}
	for _, k := range keys {
		if nq != nil {
			var doc map[string]any
			if err := json.Unmarshal(snapshot[k], &doc); err != nil || !matchDoc(doc, nq) {
				continue
			}
		}
		v, err := decode[T](k, snapshot[k])
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func decode[T any](key string, raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &v, nil
}
