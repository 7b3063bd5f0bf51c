// Package cache defines the key/value contract shared by the room registry and
// the session store, and an in-process implementation of it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrNotFound is returned by Require when the key has no value.
var ErrNotFound = errors.New("cache entry not found")

// Query selects items by partial structural equality. See Match.
type Query map[string]any

// Cache stores values of T under string keys.
//
// Every implementation must satisfy the same semantics: Get of a missing key
// returns nil and no error, Remove of a missing key is a no-op, Set replaces
// unconditionally (last writer wins), and Find* apply Match to the JSON form
// of each stored value.
type Cache[T any] interface {
	Set(ctx context.Context, key string, value T) error
	Get(ctx context.Context, key string) (*T, error)
	Remove(ctx context.Context, key string) error
	FindOne(ctx context.Context, q Query) (*T, error)
	FindMany(ctx context.Context, q Query) ([]T, error)
}

// Require is Get that turns a missing key into ErrNotFound.
func Require[T any](ctx context.Context, c Cache[T], key string) (T, error) {
	var zero T
	v, err := c.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return *v, nil
}

// Match reports whether item satisfies q. Every key in q must exist in item
// with an equal value of the same JSON type; nested objects in q match
// recursively against nested objects in item, so a query may name a subset
// of a nested object's fields. Arrays and scalars compare by deep equality.
//
// Both sides are normalized through JSON first, so an int in q matches the
// same number stored as float64.
func Match(item any, q Query) (bool, error) {
	if len(q) == 0 {
		return true, nil
	}
	doc, err := toDocument(item)
	if err != nil {
		return false, err
	}
	nq, err := toDocument(map[string]any(q))
	if err != nil {
		return false, fmt.Errorf("normalizing query: %w", err)
	}
	return matchDoc(doc, nq), nil
}

func matchDoc(doc, q map[string]any) bool {
	for k, want := range q {
		got, ok := doc[k]
		if !ok {
			return false
		}
		if wantObj, ok := want.(map[string]any); ok {
			gotObj, ok := got.(map[string]any)
			if !ok || !matchDoc(gotObj, wantObj) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func toDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document is not an object: %w", err)
	}
	return doc, nil
}
