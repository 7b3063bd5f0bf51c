// Package websocket bridges gorilla websocket connections to the room
// manager.
//
// Every frame is a JSON object whose "t" field names the event:
//
//	server -> client: connected, message, snapshot, patch, error
//	client -> server: joined, reconnected, message
//
// A client answers connected with joined on its first attach to a seat and
// with reconnected when it resumes one.
package websocket

import (
	"encoding/json"

	"github.com/magx-io/magx/internal/state"
)

// Event identifies a frame.
type Event int

// Frame events.
const (
	EventError       Event = 0
	EventConnected   Event = 1
	EventReconnected Event = 2
	EventJoined      Event = 3
	EventMessage     Event = 4
	EventSnapshot    Event = 11
	EventPatch       Event = 12
)

// Frame is one websocket text message.
type Frame struct {
	T       Event           `json:"t"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Patches []state.Patch   `json:"patches,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

func dataFrame(t Event, msgType string, v any) (Frame, error) {
	f := Frame{T: t, Type: msgType}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return Frame{}, err
		}
		f.Data = raw
	}
	return f, nil
}
