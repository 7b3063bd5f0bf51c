// Package room owns the rooms hosted by one process: seat reservations, the
// client connect and reconnect handshake, per-client patch distribution and the
// room summaries persisted to the shared registry.
package room

import (
	"context"
	"encoding/json"

	"github.com/magx-io/magx/internal/cache"
	"github.com/magx-io/magx/internal/state"
)

// RoomRecord is the process-independent summary of a room kept in the registry.
type RoomRecord struct {
	ID      string         `json:"id"`
	PID     string         `json:"pid"`
	Port    int            `json:"port"`
	Name    string         `json:"name"`
	HostID  string         `json:"hostId"`
	Locked  bool           `json:"locked"`
	Data    map[string]any `json:"data"`
	Clients []string       `json:"clients"`
}

// Registry is the shared store of room records, keyed by room id.
type Registry = cache.Cache[RoomRecord]

// RoomUpdate changes host-controlled room fields. Nil fields are left alone.
type RoomUpdate struct {
	Data   map[string]any `json:"data,omitempty"`
	HostID *string        `json:"hostId,omitempty"`
	Locked *bool          `json:"locked,omitempty"`
}

// ClientStatus is the connection state of a seated client.
type ClientStatus string

// Client statuses.
const (
	StatusConnecting   ClientStatus = "connecting"
	StatusConnected    ClientStatus = "connected"
	StatusDisconnected ClientStatus = "disconnected"
	StatusReconnected  ClientStatus = "reconnected"
)

// Signal is a handshake completion sent by the transport.
type Signal int

// Handshake signals.
const (
	SignalJoined Signal = iota + 1
	SignalReconnected
	signalClosed
)

// Client is the transport-side endpoint of one client connection.
//
// Implementations must not call back into the Manager synchronously from any
// of these methods; Terminate in particular reports the disconnect later,
// from the transport's own goroutine.
type Client interface {
	SessionID() string
	// Handshake tells the remote side to answer with SignalJoined, or with
	// SignalReconnected when reconnect is true.
	Handshake(reconnect bool) error
	Send(msgType string, data any) error
	Snapshot(snapshot any) error
	Patch(patches []state.Patch) error
	Terminate(code ErrorCode, reason string)
}

// ClientRef is a seated client as seen by room behaviors.
type ClientRef struct {
	ID             string
	Status         ClientStatus
	TrackingParams state.Params
	// Options are the join options of the seat reservation.
	Options map[string]any

	conn        Client
	pendingConn Client
	handshake   chan Signal
	tracking    *tracking
	wake        chan struct{}
	leaving     bool
	// leaveDeferred is set when OnLeave already ran for this disconnect.
	leaveDeferred bool
}

// Send delivers a message to the client when it is connected.
func (c *ClientRef) Send(msgType string, data any) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Send(msgType, data)
}

// Behavior is a room type: a fixed set of optional hooks. Absent hooks are
// skipped. Every hook runs with the room's lock held, so hooks of one room
// never interleave.
type Behavior struct {
	// OnCreate receives the type's params merged with the creator's options
	// under the "options" key. It may install a state tracker with SetTracker.
	OnCreate func(ctx context.Context, r *Room, params map[string]any) error
	// OnJoin runs when a reserved client completes its handshake. An error
	// rejects the connection and frees the seat.
	OnJoin func(ctx context.Context, r *Room, c *ClientRef, options map[string]any) error
	// OnMessage handles a message from a connected client.
	OnMessage func(ctx context.Context, r *Room, c *ClientRef, msgType string, data json.RawMessage) error
	// OnLeave runs when a live client disconnects or leaves. It may call
	// WaitReconnection; the client is kept if it is connected again on return.
	OnLeave func(ctx context.Context, r *Room, c *ClientRef, consented bool) error
	// OnClose runs once when the room is torn down.
	OnClose func(ctx context.Context, r *Room)
}

// Factory builds the behavior for one new room.
type Factory func() *Behavior

// Observer is notified of room and client lifecycle events. Callbacks run
// with the room lock held and must not call back into the same room.
type Observer interface {
	RoomCreated(rec RoomRecord)
	RoomRemoved(roomID string)
	ClientConnected(roomID, sessionID string, reconnected bool)
	ClientDisconnected(roomID, sessionID string)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnRoomCreated        func(rec RoomRecord)
	OnRoomRemoved        func(roomID string)
	OnClientConnected    func(roomID, sessionID string, reconnected bool)
	OnClientDisconnected func(roomID, sessionID string)
}

func (o ObserverFuncs) RoomCreated(rec RoomRecord) {
	if o.OnRoomCreated != nil {
		o.OnRoomCreated(rec)
	}
}

func (o ObserverFuncs) RoomRemoved(roomID string) {
	if o.OnRoomRemoved != nil {
		o.OnRoomRemoved(roomID)
	}
}

func (o ObserverFuncs) ClientConnected(roomID, sessionID string, reconnected bool) {
	if o.OnClientConnected != nil {
		o.OnClientConnected(roomID, sessionID, reconnected)
	}
}

func (o ObserverFuncs) ClientDisconnected(roomID, sessionID string) {
	if o.OnClientDisconnected != nil {
		o.OnClientDisconnected(roomID, sessionID)
	}
}
