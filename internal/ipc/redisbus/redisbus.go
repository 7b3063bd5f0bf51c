// Package redisbus implements ipc.Backend on redis pub/sub.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/ipc"
)

// Conn is one process's redis pub/sub endpoint. Publishing goes through the
// shared client. Each subscribed channel gets its own PubSub whose
// confirmation is awaited before Subscribe returns, so a publish issued right
// after Subscribe is never missed.
type Conn struct {
	rdb    *redis.Client
	logger *zap.Logger
	owned  bool

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}

	mu sync.Mutex
	h  ipc.Handler
}

func (s *subscription) handler() ipc.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

var _ ipc.Backend = (*Conn)(nil)

// Dial connects to the redis server at addr and verifies it with a PING.
//
// Postcondition: Returns a Conn that owns its client, or an error.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*Conn, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	c := New(rdb, logger)
	c.owned = true
	return c, nil
}

// New wraps an existing client. Closing the Conn does not close rdb.
func New(rdb *redis.Client, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		rdb:    rdb,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Publish sends payload to every subscriber of channel.
func (c *Conn) Publish(ctx context.Context, channel string, payload []byte) error {
	if c.isClosed() {
		return ipc.ErrClosed
	}
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe replaces the handler for channel, subscribing on first use.
func (c *Conn) Subscribe(ctx context.Context, channel string, h ipc.Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ipc.ErrClosed
	}
	if s, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		s.mu.Lock()
		s.h = h
		s.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	s := &subscription{pubsub: pubsub, done: make(chan struct{}), h: h}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pubsub.Close()
		return ipc.ErrClosed
	}
	if prev, ok := c.subs[channel]; ok {
		// Lost a race with a concurrent Subscribe on the same channel.
		c.mu.Unlock()
		_ = pubsub.Close()
		prev.mu.Lock()
		prev.h = h
		prev.mu.Unlock()
		return nil
	}
	c.subs[channel] = s
	c.mu.Unlock()

	go c.receive(s)
	return nil
}

func (c *Conn) receive(s *subscription) {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		if h := s.handler(); h != nil {
			h([]byte(msg.Payload))
		}
	}
}

// Unsubscribe drops the handler for channel.
func (c *Conn) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	s, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.h = nil
	s.mu.Unlock()
	if err := s.pubsub.Close(); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", channel, err)
	}
	return nil
}

// Close stops delivery on every channel and, for a dialed Conn, closes the client.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	var firstErr error
	for channel, s := range subs {
		if err := s.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing subscription %s: %w", channel, err)
		}
		<-s.done
	}
	if c.owned {
		if err := c.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		c.logger.Debug("closing redis backend", zap.Error(firstErr))
	}
	return firstErr
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
