package room

import (
	"errors"

	"github.com/magx-io/magx/internal/ipc"
)

// ErrorCode is the numeric close code a terminated client connection carries.
type ErrorCode int

// Close codes.
const (
	CodeNormalClose        ErrorCode = 1000
	CodeJoinError          ErrorCode = 4000
	CodeUnauthorized       ErrorCode = 4001
	CodeReconnectError     ErrorCode = 4002
	CodeReservationExpired ErrorCode = 4003
	CodeRoomNotFound       ErrorCode = 4004
	CodeConnectionTimeout  ErrorCode = 4005
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNormalClose:
		return "normal close"
	case CodeJoinError:
		return "join error"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeReconnectError:
		return "reconnect error"
	case CodeReservationExpired:
		return "reservation expired"
	case CodeRoomNotFound:
		return "room not found"
	case CodeConnectionTimeout:
		return "connection timeout"
	}
	return "unknown"
}

var (
	// ErrRoomNotFound is returned for an unknown room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomLocked is returned when joining a locked room.
	ErrRoomLocked = errors.New("room is locked")
	// ErrAlreadyJoined is returned when a session already holds a seat.
	ErrAlreadyJoined = errors.New("client already in room")
	// ErrUnauthorized is returned when a non-host attempts a host-only action.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownRoomType is returned when creating a room of an undefined type.
	ErrUnknownRoomType = errors.New("unknown room type")
	// ErrReconnectTimeout is returned when a reconnection wait expires.
	ErrReconnectTimeout = errors.New("reconnection timeout")
	// ErrRoomTerminated is returned by waits and handshakes interrupted by room close.
	ErrRoomTerminated = errors.New("room terminated")
	// ErrNoReservation is returned when a socket attaches without a seat.
	ErrNoReservation = errors.New("reservation expired")
	// ErrConnectionTimeout is returned when the client never completes the handshake.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrJoinRejected wraps the error returned by a room's join hook.
	ErrJoinRejected = errors.New("join rejected")
	// ErrNotConnected is returned for messages from a client that is not connected.
	ErrNotConnected = errors.New("client not connected")
)

func init() {
	for kind, err := range map[string]error{
		"room_not_found":     ErrRoomNotFound,
		"room_locked":        ErrRoomLocked,
		"already_joined":     ErrAlreadyJoined,
		"unauthorized":       ErrUnauthorized,
		"unknown_room_type":  ErrUnknownRoomType,
		"reconnect_timeout":  ErrReconnectTimeout,
		"room_terminated":    ErrRoomTerminated,
		"no_reservation":     ErrNoReservation,
		"connection_timeout": ErrConnectionTimeout,
		"join_rejected":      ErrJoinRejected,
		"not_connected":      ErrNotConnected,
	} {
		ipc.RegisterErrorKind(kind, err)
	}
}
