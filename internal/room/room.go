package room

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/state"
)

type reservation struct {
	options map[string]any
	timer   *time.Timer
}

// Room is one hosted room. Its exported methods are meant to be called from
// behavior hooks, which already hold the room lock.
type Room struct {
	manager   *Manager
	behavior  *Behavior
	logger    *zap.Logger
	patchRate time.Duration

	mu           sync.Mutex
	record       RoomRecord
	tracker      state.Tracker
	clients      map[string]*ClientRef // nil value: reserved seat
	seats        []string
	reservations map[string]*reservation
	terminated   bool
	done         chan struct{}
}

func (r *Room) ID() string             { return r.record.ID }
func (r *Room) Name() string           { return r.record.Name }
func (r *Room) HostID() string         { return r.record.HostID }
func (r *Room) Locked() bool           { return r.record.Locked }
func (r *Room) Data() map[string]any   { return r.record.Data }
func (r *Room) Logger() *zap.Logger    { return r.logger }
func (r *Room) Manager() *Manager      { return r.manager }
func (r *Room) Tracker() state.Tracker { return r.tracker }

// SetTracker installs the state tracker whose patches are streamed to clients.
// It only affects clients whose tracking starts afterwards, so it belongs in OnCreate.
func (r *Room) SetTracker(t state.Tracker) { r.tracker = t }

// Record returns a copy of the room's current summary.
func (r *Room) Record() RoomRecord {
	rec := r.record
	rec.Clients = slices.Clone(r.seats)
	if rec.Clients == nil {
		rec.Clients = []string{}
	}
	return rec
}

// Client returns the live client with id, or nil for unknown and reserved seats.
func (r *Room) Client(id string) *ClientRef { return r.clients[id] }

// Clients returns the connected clients in seat order.
func (r *Room) Clients() []*ClientRef {
	out := make([]*ClientRef, 0, len(r.seats))
	for _, id := range r.seats {
		if c := r.clients[id]; c != nil && c.Status == StatusConnected {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends a message to every connected client except the listed ids.
func (r *Room) Broadcast(msgType string, data any, except ...string) {
	for _, c := range r.Clients() {
		if slices.Contains(except, c.ID) {
			continue
		}
		if err := c.Send(msgType, data); err != nil {
			r.logger.Debug("broadcast send failed", zap.String("session_id", c.ID), zap.Error(err))
		}
	}
}

// Send delivers a message to one connected client.
func (r *Room) Send(clientID, msgType string, data any) error {
	c := r.clients[clientID]
	if c == nil || c.Status != StatusConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, clientID)
	}
	return c.Send(msgType, data)
}

// Lock closes the room to new joins and persists the summary.
func (r *Room) Lock() error { return r.setLocked(true) }

// Unlock reopens the room to joins and persists the summary.
func (r *Room) Unlock() error { return r.setLocked(false) }

func (r *Room) setLocked(locked bool) error {
	if r.record.Locked == locked {
		return nil
	}
	r.record.Locked = locked
	return r.persist(context.Background())
}

// SetData replaces the room's public data and persists the summary.
func (r *Room) SetData(data map[string]any) error {
	r.record.Data = data
	return r.persist(context.Background())
}

// Go runs fn asynchronously under the room lock. It is dropped if the room has
// been torn down by then.
func (r *Room) Go(fn func(r *Room)) {
	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.terminated {
			return
		}
		fn(r)
	}()
}

// WaitReconnection blocks an OnLeave hook until the client reconnects. A zero
// timeout waits until the room closes, the seat is given up or ctx ends. The
// room lock is released while waiting.
func (r *Room) WaitReconnection(ctx context.Context, clientID string, timeout time.Duration) error {
	if r.terminated {
		return ErrRoomTerminated
	}
	ref := r.clients[clientID]
	if ref == nil {
		return fmt.Errorf("%w: %s is not seated", ErrReconnectTimeout, clientID)
	}
	if ref.Status == StatusConnected {
		return nil
	}
	if ref.wake == nil {
		ref.wake = make(chan struct{})
	}
	wake := ref.wake
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	r.mu.Unlock()
	select {
	case <-wake:
	case <-deadline:
	case <-r.done:
	case <-ctx.Done():
	}
	r.mu.Lock()

	switch {
	case r.terminated:
		return ErrRoomTerminated
	case r.clients[clientID] != ref:
		return fmt.Errorf("%w: %s left the room", ErrReconnectTimeout, clientID)
	case ref.Status == StatusConnected:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return ErrReconnectTimeout
}

func (r *Room) reserve(sessionID string, options map[string]any) {
	res := &reservation{options: options}
	res.timer = time.AfterFunc(r.manager.reservationTTL, func() { r.expire(sessionID, res) })
	r.reservations[sessionID] = res
	r.clients[sessionID] = nil
	r.seats = append(r.seats, sessionID)
}

func (r *Room) expire(sessionID string, res *reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated || r.reservations[sessionID] != res {
		return
	}
	r.logger.Info("seat reservation expired", zap.String("session_id", sessionID))
	delete(r.reservations, sessionID)
	r.removeSeat(sessionID)
	if err := r.persist(context.Background()); err != nil {
		r.logger.Warn("persisting room", zap.Error(err))
	}
}

// removeSeat forgets sessionID entirely: slot, seat order and reservation.
// A reconnection wait on the seat is woken.
func (r *Room) removeSeat(sessionID string) {
	if ref := r.clients[sessionID]; ref != nil && ref.wake != nil {
		close(ref.wake)
		ref.wake = nil
	}
	if res := r.reservations[sessionID]; res != nil {
		res.timer.Stop()
		delete(r.reservations, sessionID)
	}
	delete(r.clients, sessionID)
	r.seats = slices.DeleteFunc(r.seats, func(s string) bool { return s == sessionID })
}

// persist writes the summary to the registry, or tears the room down when no
// seat is left.
func (r *Room) persist(ctx context.Context) error {
	if r.terminated {
		return nil
	}
	if len(r.clients) == 0 {
		r.teardown(ctx)
		return nil
	}
	if err := r.manager.registry.Set(ctx, r.record.ID, r.Record()); err != nil {
		return fmt.Errorf("persisting room %s: %w", r.record.ID, err)
	}
	return nil
}

// leave runs the leave flow for a live client. The client survives only if
// OnLeave returns with it connected again.
func (r *Room) leave(ctx context.Context, ref *ClientRef, consented bool) {
	r.stopTracking(ref)
	ref.Status = StatusDisconnected
	ref.conn = nil
	ref.leaving = true
	if r.behavior.OnLeave != nil {
		if err := r.behavior.OnLeave(ctx, r, ref, consented); err != nil {
			r.logger.Debug("leave hook", zap.String("session_id", ref.ID), zap.Error(err))
		}
	}
	ref.leaving = false
	if r.terminated || r.clients[ref.ID] != ref || ref.Status == StatusConnected {
		return
	}
	if ref.pendingConn != nil {
		// A reconnect handshake is still in flight; it drops the client if it fails.
		ref.leaveDeferred = true
		return
	}
	r.drop(ctx, ref)
}

func (r *Room) drop(ctx context.Context, ref *ClientRef) {
	r.removeSeat(ref.ID)
	r.manager.notify(func(o Observer) { o.ClientDisconnected(r.record.ID, ref.ID) })
	if err := r.persist(ctx); err != nil {
		r.logger.Warn("persisting room", zap.Error(err))
	}
}

// teardown disposes the room. OnClose runs while clients are still attached,
// then each live client is taken through OnLeave and terminated.
func (r *Room) teardown(ctx context.Context) {
	if r.terminated {
		return
	}
	r.terminated = true
	close(r.done)
	if r.behavior.OnClose != nil {
		r.behavior.OnClose(ctx, r)
	}

	for _, id := range slices.Clone(r.seats) {
		ref := r.clients[id]
		if ref == nil {
			continue
		}
		r.stopTracking(ref)
		conn := ref.conn
		if conn != nil {
			ref.Status = StatusDisconnected
			if r.behavior.OnLeave != nil {
				if err := r.behavior.OnLeave(ctx, r, ref, true); err != nil {
					r.logger.Debug("leave hook", zap.String("session_id", id), zap.Error(err))
				}
			}
			conn.Terminate(CodeNormalClose, "room closed")
		}
		if ref.pendingConn != nil {
			ref.pendingConn.Terminate(CodeRoomNotFound, "room closed")
		}
	}
	for _, res := range r.reservations {
		res.timer.Stop()
	}
	r.reservations = map[string]*reservation{}
	r.clients = map[string]*ClientRef{}
	r.seats = nil

	if r.tracker != nil {
		r.tracker.Dispose()
	}
	if err := r.manager.registry.Remove(ctx, r.record.ID); err != nil {
		r.logger.Warn("removing room from registry", zap.Error(err))
	}
	r.manager.forget(r.record.ID)
	r.manager.notify(func(o Observer) { o.RoomRemoved(r.record.ID) })
	r.logger.Info("room disposed")
}
