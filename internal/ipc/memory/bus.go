// Package memory provides an in-process ipc.Backend. Every Conn opened on the
// same Bus sees the others' publications, which lets several Managers form a
// cluster inside one test binary or one single-node server.
package memory

import (
	"context"
	"sync"

	"github.com/magx-io/magx/internal/ipc"
)

// Bus routes publications between the Conns opened on it.
type Bus struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{conns: make(map[*Conn]struct{})}
}

// Conn opens a new Backend attached to the bus.
func (b *Bus) Conn() *Conn {
	c := &Conn{bus: b, subs: make(map[string]ipc.Handler)}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// deliver hands payload to every subscriber of channel. Handlers run on the
// publishing goroutine with no bus lock held.
func (b *Bus) deliver(channel string, payload []byte) {
	b.mu.Lock()
	targets := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		if h := c.handler(channel); h != nil {
			h(append([]byte(nil), payload...))
		}
	}
}

func (b *Bus) detach(c *Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// Conn is one process's view of a Bus. It implements ipc.Backend.
type Conn struct {
	bus *Bus

	mu     sync.Mutex
	subs   map[string]ipc.Handler
	closed bool
}

var _ ipc.Backend = (*Conn)(nil)

func (c *Conn) handler(channel string) ipc.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.subs[channel]
}

// Publish delivers payload to every Conn subscribed to channel, this one included.
func (c *Conn) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ipc.ErrClosed
	}
	c.bus.deliver(channel, payload)
	return nil
}

// Subscribe replaces the handler for channel.
func (c *Conn) Subscribe(_ context.Context, channel string, h ipc.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ipc.ErrClosed
	}
	c.subs[channel] = h
	return nil
}

// Unsubscribe removes the handler for channel.
func (c *Conn) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, channel)
	return nil
}

// Close detaches the Conn. Later Publish and Subscribe calls return ipc.ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]ipc.Handler)
	c.mu.Unlock()
	c.bus.detach(c)
	return nil
}
