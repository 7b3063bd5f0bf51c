package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/state"
)

func (c *ClientRef) signal(s Signal) {
	if c.handshake == nil {
		return
	}
	select {
	case c.handshake <- s:
	default:
	}
}

// Connect attaches a transport connection to its seat in roomID and runs the
// handshake. It blocks until the client signals SignalJoined (first attach)
// or SignalReconnected (reconnect), the connection timeout elapses, the room
// closes or ctx ends. On any failure c has been terminated with the matching
// close code.
func (m *Manager) Connect(ctx context.Context, roomID string, c Client) error {
	r, err := m.room(roomID)
	if err != nil {
		c.Terminate(CodeRoomNotFound, "room not found")
		return err
	}
	sid := c.SessionID()
	logger := r.logger.With(zap.String("session_id", sid))

	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		c.Terminate(CodeRoomNotFound, "room not found")
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	ref, ok := r.clients[sid]
	reconnect := false
	switch {
	case !ok:
		r.mu.Unlock()
		logger.Info("connection without reservation rejected")
		c.Terminate(CodeReservationExpired, "seat reservation expired")
		return ErrNoReservation
	case ref == nil:
		res := r.reservations[sid]
		res.timer.Stop()
		delete(r.reservations, sid)
		ref = &ClientRef{ID: sid, Status: StatusConnecting, Options: res.options, conn: c}
		r.clients[sid] = ref
	case ref.Status == StatusConnecting:
		// The first attach is still handshaking; the newer socket wins.
		ref.conn.Terminate(CodeReconnectError, "replaced by a newer connection")
		ref.signal(signalClosed)
		ref = &ClientRef{ID: sid, Status: StatusConnecting, Options: ref.Options, conn: c}
		r.clients[sid] = ref
	default:
		reconnect = true
		if ref.conn != nil {
			r.stopTracking(ref)
			ref.conn.Terminate(CodeReconnectError, "replaced by a newer connection")
			ref.conn = nil
			ref.Status = StatusDisconnected
		}
		if ref.pendingConn != nil {
			ref.pendingConn.Terminate(CodeReconnectError, "replaced by a newer connection")
			ref.signal(signalClosed)
		}
		ref.pendingConn = c
	}
	hs := make(chan Signal, 1)
	ref.handshake = hs
	r.mu.Unlock()

	if err := c.Handshake(reconnect); err != nil {
		logger.Debug("handshake send failed", zap.Error(err))
	}

	timer := time.NewTimer(m.connectionTimeout)
	defer timer.Stop()
	var sig Signal
	var waitErr error
	select {
	case sig = <-hs:
	case <-timer.C:
		waitErr = ErrConnectionTimeout
	case <-r.done:
		waitErr = ErrRoomTerminated
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ref.handshake == hs {
		ref.handshake = nil
	}
	if r.terminated {
		c.Terminate(CodeRoomNotFound, "room closed")
		return ErrRoomTerminated
	}
	if reconnect {
		return r.finishReconnect(ctx, ref, c, sig, waitErr, logger)
	}
	return r.finishJoin(ctx, ref, c, sig, waitErr, logger)
}

func (r *Room) finishJoin(ctx context.Context, ref *ClientRef, c Client, sig Signal, waitErr error, logger *zap.Logger) error {
	if r.clients[ref.ID] != ref || ref.conn != c {
		return fmt.Errorf("%w: %s", ErrNotConnected, ref.ID)
	}
	if waitErr == nil && sig != SignalJoined {
		waitErr = ErrNotConnected
	}
	if waitErr != nil {
		r.removeSeat(ref.ID)
		if errors.Is(waitErr, ErrConnectionTimeout) {
			c.Terminate(CodeConnectionTimeout, "connection timeout")
		}
		logger.Info("join handshake failed", zap.Error(waitErr))
		if err := r.persist(ctx); err != nil {
			logger.Warn("persisting room", zap.Error(err))
		}
		return waitErr
	}

	if r.behavior.OnJoin != nil {
		if err := r.behavior.OnJoin(ctx, r, ref, ref.Options); err != nil {
			if r.terminated {
				c.Terminate(CodeRoomNotFound, "room closed")
				return ErrRoomTerminated
			}
			r.removeSeat(ref.ID)
			c.Terminate(CodeJoinError, err.Error())
			logger.Info("join rejected", zap.Error(err))
			if perr := r.persist(ctx); perr != nil {
				logger.Warn("persisting room", zap.Error(perr))
			}
			return fmt.Errorf("%w: %w", ErrJoinRejected, err)
		}
	}
	ref.Status = StatusConnected
	r.startTracking(ref)
	r.manager.notify(func(o Observer) { o.ClientConnected(r.record.ID, ref.ID, false) })
	logger.Info("client joined")
	return nil
}

func (r *Room) finishReconnect(ctx context.Context, ref *ClientRef, c Client, sig Signal, waitErr error, logger *zap.Logger) error {
	if ref.pendingConn != c {
		// Superseded by a newer socket, which already terminated this one.
		return fmt.Errorf("%w: %s", ErrNotConnected, ref.ID)
	}
	ref.pendingConn = nil
	if r.clients[ref.ID] != ref {
		c.Terminate(CodeReservationExpired, "reconnection window elapsed")
		return ErrReconnectTimeout
	}
	if waitErr == nil && sig != SignalReconnected {
		waitErr = ErrNotConnected
	}
	if waitErr != nil {
		if errors.Is(waitErr, ErrConnectionTimeout) {
			c.Terminate(CodeConnectionTimeout, "connection timeout")
		}
		logger.Info("reconnect handshake failed", zap.Error(waitErr))
		switch {
		case ref.leaving:
			// OnLeave is still waiting and decides the client's fate.
		case ref.leaveDeferred:
			ref.leaveDeferred = false
			r.drop(ctx, ref)
		default:
			r.leave(ctx, ref, false)
		}
		return waitErr
	}

	ref.conn = c
	ref.leaveDeferred = false
	ref.Status = StatusReconnected
	r.startTracking(ref)
	ref.Status = StatusConnected
	if ref.wake != nil {
		close(ref.wake)
		ref.wake = nil
	}
	r.manager.notify(func(o Observer) { o.ClientConnected(r.record.ID, ref.ID, true) })
	logger.Info("client reconnected")
	return nil
}

// Signal delivers a transport handshake signal for c. It reports whether a
// handshake was waiting for it.
func (m *Manager) Signal(roomID string, c Client, s Signal) bool {
	r, err := m.room(roomID)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.clients[c.SessionID()]
	if ref == nil || ref.handshake == nil {
		return false
	}
	if ref.conn != c && ref.pendingConn != c {
		return false
	}
	ref.signal(s)
	return true
}

// Disconnected reports that c's transport connection closed. consented marks
// a deliberate leave by the client. Reports for connections that no longer
// own their seat are ignored.
func (m *Manager) Disconnected(ctx context.Context, roomID string, c Client, consented bool) {
	r, err := m.room(roomID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return
	}
	ref := r.clients[c.SessionID()]
	switch {
	case ref == nil:
		return
	case ref.pendingConn == c:
		ref.signal(signalClosed)
		return
	case ref.conn != c:
		return
	case ref.Status == StatusConnecting:
		ref.signal(signalClosed)
		return
	}
	r.logger.Info("client disconnected", zap.String("session_id", ref.ID), zap.Bool("consented", consented))
	r.leave(ctx, ref, consented)
}

// Message hands a client message to the room's OnMessage hook.
func (m *Manager) Message(ctx context.Context, roomID string, c Client, msgType string, data json.RawMessage) error {
	r, err := m.room(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.clients[c.SessionID()]
	if r.terminated || ref == nil || ref.conn != c || ref.Status != StatusConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.SessionID())
	}
	if r.behavior.OnMessage == nil {
		return nil
	}
	if err := r.behavior.OnMessage(ctx, r, ref, msgType, data); err != nil {
		return fmt.Errorf("handling %s message: %w", msgType, err)
	}
	return nil
}

// UpdateTrackingParams restarts sessionID's patch stream under params. Patches
// accumulated under the old params are discarded and a fresh snapshot is sent.
func (m *Manager) UpdateTrackingParams(roomID, sessionID string, params state.Params) error {
	r, err := m.room(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.clients[sessionID]
	if ref == nil || ref.Status != StatusConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}
	r.stopTracking(ref)
	ref.TrackingParams = params
	r.startTracking(ref)
	return nil
}
