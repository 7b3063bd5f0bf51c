package ipc

import (
	"errors"
	"sync"
)

// ErrTimeout is returned by RequestProcess when no response arrives in time.
// It is distinct from a RemoteError, which means the target answered with a failure.
var ErrTimeout = errors.New("ipc request timeout")

// ErrClosed is returned when publishing through a closed backend or manager.
var ErrClosed = errors.New("ipc backend closed")

// RemoteError is an application error returned by a remote request handler.
type RemoteError struct {
	// Kind names a registered error kind, empty when the error was not classified.
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

// Unwrap returns the sentinel registered for Kind so errors.Is works across processes.
func (e *RemoteError) Unwrap() error {
	if e.Kind == "" {
		return nil
	}
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for _, k := range kinds {
		if k.name == e.Kind {
			return k.err
		}
	}
	return nil
}

type errorKind struct {
	name string
	err  error
}

var (
	kindsMu sync.RWMutex
	kinds   []errorKind
)

// RegisterErrorKind associates a stable name with a sentinel error. A handler
// error matching the sentinel travels as that kind and unwraps to the same
// sentinel on the requesting process.
//
// Precondition: name must be non-empty and err non-nil.
func RegisterErrorKind(name string, err error) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	for i, k := range kinds {
		if k.name == name {
			kinds[i].err = err
			return
		}
	}
	kinds = append(kinds, errorKind{name: name, err: err})
}

func toRemoteError(err error) *RemoteError {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return &RemoteError{Kind: k.name, Message: err.Error()}
		}
	}
	return &RemoteError{Message: err.Error()}
}
