package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/magx-io/magx/internal/cache"
)

// DocumentCache is a cache.Cache backed by the cache_entries JSONB table.
// Each collection is an independent key space.
type DocumentCache[T any] struct {
	db         *pgxpool.Pool
	collection string
}

var _ cache.Cache[struct{}] = (*DocumentCache[struct{}])(nil)

// NewDocumentCache creates a DocumentCache for collection.
//
// Precondition: db must be a valid, open connection pool with migrations applied.
func NewDocumentCache[T any](db *pgxpool.Pool, collection string) *DocumentCache[T] {
	return &DocumentCache[T]{db: db, collection: collection}
}

// Set upserts value under key.
func (c *DocumentCache[T]) Set(ctx context.Context, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	_, err = c.db.Exec(ctx,
		`INSERT INTO cache_entries (collection, key, data)
		 VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		c.collection, key, raw,
	)
	if err != nil {
		return fmt.Errorf("storing %s/%s: %w", c.collection, key, err)
	}
	return nil
}

// Get returns the value for key, or nil when absent.
func (c *DocumentCache[T]) Get(ctx context.Context, key string) (*T, error) {
	var raw []byte
	err := c.db.QueryRow(ctx,
		`SELECT data FROM cache_entries WHERE collection = $1 AND key = $2`,
		c.collection, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s/%s: %w", c.collection, key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", c.collection, key, err)
	}
	return &v, nil
}

// Remove deletes key.
func (c *DocumentCache[T]) Remove(ctx context.Context, key string) error {
	_, err := c.db.Exec(ctx,
		`DELETE FROM cache_entries WHERE collection = $1 AND key = $2`,
		c.collection, key,
	)
	if err != nil {
		return fmt.Errorf("removing %s/%s: %w", c.collection, key, err)
	}
	return nil
}

// FindOne returns the first match in key order, or nil.
func (c *DocumentCache[T]) FindOne(ctx context.Context, q cache.Query) (*T, error) {
	found, err := c.find(ctx, q, 1)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// FindMany returns every match in key order.
func (c *DocumentCache[T]) FindMany(ctx context.Context, q cache.Query) ([]T, error) {
	return c.find(ctx, q, 0)
}

// find narrows with JSONB containment and then applies cache.Match, because
// containment treats arrays as sets where Match requires equality.
func (c *DocumentCache[T]) find(ctx context.Context, q cache.Query, limit int) ([]T, error) {
	if q == nil {
		q = cache.Query{}
	}
	filter, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	rows, err := c.db.Query(ctx,
		`SELECT data FROM cache_entries
		 WHERE collection = $1 AND data @> $2::jsonb
		 ORDER BY key`,
		c.collection, filter,
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", c.collection, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", c.collection, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decoding %s document: %w", c.collection, err)
		}
		if ok, err := cache.Match(doc, q); err != nil || !ok {
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s document: %w", c.collection, err)
		}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", c.collection, err)
	}
	return out, nil
}

// Clear removes every entry of the collection.
func (c *DocumentCache[T]) Clear(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, `DELETE FROM cache_entries WHERE collection = $1`, c.collection); err != nil {
		return fmt.Errorf("clearing %s: %w", c.collection, err)
	}
	return nil
}
