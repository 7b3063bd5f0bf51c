// Package ipc provides publish/subscribe messaging, correlated request/response
// over pub/sub and liveness-tracked process discovery between server processes.
//
// A Manager is built on top of a Backend, the only transport-specific piece.
// Backends exist for an in-process bus (package memory), redis (redisbus),
// nats (natsbus) and a gRPC broker relaying between a master and its
// worker processes (broker).
package ipc

import "context"

// Handler receives the raw payload published on a subscribed channel.
// Handlers are invoked from the backend's delivery goroutine and must not block
// for long.
type Handler func(payload []byte)

// Backend is the minimal pub/sub primitive a Manager needs.
//
// A Backend represents one process's endpoint. At most one handler is kept per
// channel; subscribing again replaces the handler. Unsubscribing from a channel
// that has no subscription is a no-op.
type Backend interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}
