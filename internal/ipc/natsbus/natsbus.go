// Package natsbus implements ipc.Backend on core NATS subjects.
//
// Channel names are used verbatim as subjects, so they must not contain
// whitespace or wildcard tokens.
package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/ipc"
)

// Conn is one process's NATS endpoint.
type Conn struct {
	nc     *nats.Conn
	logger *zap.Logger
	owned  bool

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

var _ ipc.Backend = (*Conn)(nil)

// Dial connects to the NATS server at url, reconnecting indefinitely.
func Dial(url, name string, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	c := New(nc, logger)
	c.owned = true
	return c, nil
}

// New wraps an existing connection. Closing the Conn does not close nc.
func New(nc *nats.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{nc: nc, logger: logger, subs: make(map[string]*nats.Subscription)}
}

// Publish sends payload on the subject named channel.
func (c *Conn) Publish(_ context.Context, channel string, payload []byte) error {
	if c.isClosed() {
		return ipc.ErrClosed
	}
	if err := c.nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe replaces the handler for channel. It returns once the server has
// processed the subscription.
func (c *Conn) Subscribe(ctx context.Context, channel string, h ipc.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ipc.ErrClosed
	}
	if prev, ok := c.subs[channel]; ok {
		_ = prev.Unsubscribe()
	}
	sub, err := c.nc.Subscribe(channel, func(msg *nats.Msg) { h(msg.Data) })
	if err != nil {
		delete(c.subs, channel)
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	c.subs[channel] = sub
	if err := c.nc.FlushWithContext(ctx); err != nil {
		c.logger.Debug("flushing nats subscription", zap.String("channel", channel), zap.Error(err))
	}
	return nil
}

// Unsubscribe drops the subscription on channel.
func (c *Conn) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("unsubscribing from %s: %w", channel, err)
	}
	return nil
}

// Close drops every subscription and, for a dialed Conn, closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if c.owned {
		c.nc.Close()
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
