// Package balancer places new rooms on the least loaded process and routes
// room operations to the process that owns each room.
package balancer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/cache"
	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/room"
)

// RPC methods served by every process.
const (
	MethodCreateRoom = "createRoom"
	MethodJoinRoom   = "joinRoom"
	MethodUpdateRoom = "updateRoom"
	MethodLeaveRoom  = "leaveRoom"
	MethodCloseRoom  = "closeRoom"
)

// IPC is the part of ipc.Manager the balancer needs.
type IPC interface {
	ProcessID() string
	Pids() []string
	OnRequest(method string, h ipc.RequestHandler)
	RequestProcess(ctx context.Context, target, method string, data any, out any) error
}

// Load is one live process's share of the cluster's rooms.
type Load struct {
	PID     string `json:"pid"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
}

// Score is the placement cost: rooms × clients.
func (l Load) Score() int { return l.Rooms * l.Clients }

type roomRequest struct {
	SessionID string           `json:"sessionId"`
	RoomID    string           `json:"roomId,omitempty"`
	Name      string           `json:"name,omitempty"`
	Options   map[string]any   `json:"options,omitempty"`
	Update    *room.RoomUpdate `json:"update,omitempty"`
}

// Balancer fronts the local room manager with cluster-wide placement.
type Balancer struct {
	ipc    IPC
	rooms  *room.Manager
	logger *zap.Logger
}

// New creates a Balancer and registers the room RPC methods on ipcm so peers
// can forward operations to this process.
func New(ipcm IPC, rooms *room.Manager, logger *zap.Logger) *Balancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Balancer{ipc: ipcm, rooms: rooms, logger: logger}
	b.register()
	return b
}

// Rooms returns the local room manager.
func (b *Balancer) Rooms() *room.Manager { return b.rooms }

func (b *Balancer) registry() room.Registry { return b.rooms.Registry() }

// GetRoom reads roomID from the registry. It returns nil for unknown rooms.
func (b *Balancer) GetRoom(ctx context.Context, roomID string) (*room.RoomRecord, error) {
	return b.rooms.GetRoom(ctx, roomID)
}

// GetRooms lists the rooms of the named types, or every room when no name is given.
func (b *Balancer) GetRooms(ctx context.Context, names ...string) ([]room.RoomRecord, error) {
	return b.rooms.GetRooms(ctx, names...)
}

// Loads reaps records owned by processes that are no longer live and returns
// the load of every live process, sorted by pid.
func (b *Balancer) Loads(ctx context.Context) ([]Load, error) {
	pids := b.ipc.Pids()
	loads := make(map[string]*Load, len(pids))
	for _, pid := range pids {
		loads[pid] = &Load{PID: pid}
	}
	recs, err := b.registry().FindMany(ctx, cache.Query{})
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	for _, rec := range recs {
		l, ok := loads[rec.PID]
		if !ok {
			b.logger.Info("reaping room of dead process",
				zap.String("room_id", rec.ID), zap.String("process_id", rec.PID))
			if err := b.registry().Remove(ctx, rec.ID); err != nil {
				b.logger.Warn("reaping room", zap.String("room_id", rec.ID), zap.Error(err))
			}
			continue
		}
		l.Rooms++
		l.Clients += len(rec.Clients)
	}
	out := make([]Load, 0, len(loads))
	for _, pid := range pids {
		out = append(out, *loads[pid])
	}
	return out, nil
}

// FindProcessForRoom returns the live process with the lowest score. Ties go
// to the local process, then to the lowest pid.
func (b *Balancer) FindProcessForRoom(ctx context.Context) (string, error) {
	loads, err := b.Loads(ctx)
	if err != nil {
		return "", err
	}
	return pick(b.ipc.ProcessID(), loads), nil
}

func pick(local string, loads []Load) string {
	best, bestScore := local, -1
	for _, l := range loads {
		score := l.Score()
		switch {
		case bestScore < 0 || score < bestScore:
			best, bestScore = l.PID, score
		case score == bestScore && best != local && (l.PID == local || l.PID < best):
			best = l.PID
		}
	}
	return best
}

// owner returns the pid hosting roomID according to the registry.
func (b *Balancer) owner(ctx context.Context, roomID string) (string, error) {
	rec, err := b.registry().Get(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("reading room %s: %w", roomID, err)
	}
	if rec == nil {
		return "", fmt.Errorf("%w: %s", room.ErrRoomNotFound, roomID)
	}
	return rec.PID, nil
}

func (b *Balancer) forward(ctx context.Context, pid, method string, req roomRequest, out any) error {
	b.logger.Debug("forwarding room request",
		zap.String("method", method), zap.String("process_id", pid), zap.String("room_id", req.RoomID))
	if err := b.ipc.RequestProcess(ctx, pid, method, req, out); err != nil {
		return fmt.Errorf("%s on %s: %w", method, pid, err)
	}
	return nil
}

// CreateRoom creates a room of type name on the least loaded process.
func (b *Balancer) CreateRoom(ctx context.Context, sessionID, name string, options map[string]any) (room.RoomRecord, error) {
	pid, err := b.FindProcessForRoom(ctx)
	if err != nil {
		return room.RoomRecord{}, err
	}
	if pid == b.ipc.ProcessID() {
		return b.rooms.CreateRoom(ctx, sessionID, name, options)
	}
	var rec room.RoomRecord
	err = b.forward(ctx, pid, MethodCreateRoom, roomRequest{SessionID: sessionID, Name: name, Options: options}, &rec)
	return rec, err
}

// JoinRoom reserves a seat in roomID on its owning process.
func (b *Balancer) JoinRoom(ctx context.Context, sessionID, roomID string, options map[string]any) (room.RoomRecord, error) {
	pid, err := b.owner(ctx, roomID)
	if err != nil {
		return room.RoomRecord{}, err
	}
	if pid == b.ipc.ProcessID() {
		return b.rooms.JoinRoom(ctx, sessionID, roomID, options)
	}
	var rec room.RoomRecord
	err = b.forward(ctx, pid, MethodJoinRoom, roomRequest{SessionID: sessionID, RoomID: roomID, Options: options}, &rec)
	return rec, err
}

// UpdateRoom applies a host-only change on the owning process.
func (b *Balancer) UpdateRoom(ctx context.Context, sessionID, roomID string, upd room.RoomUpdate) (room.RoomRecord, error) {
	pid, err := b.owner(ctx, roomID)
	if err != nil {
		return room.RoomRecord{}, err
	}
	if pid == b.ipc.ProcessID() {
		return b.rooms.UpdateRoom(ctx, sessionID, roomID, upd)
	}
	var rec room.RoomRecord
	err = b.forward(ctx, pid, MethodUpdateRoom, roomRequest{SessionID: sessionID, RoomID: roomID, Update: &upd}, &rec)
	return rec, err
}

// LeaveRoom removes sessionID from roomID on the owning process.
func (b *Balancer) LeaveRoom(ctx context.Context, sessionID, roomID string) error {
	pid, err := b.owner(ctx, roomID)
	if err != nil {
		return err
	}
	if pid == b.ipc.ProcessID() {
		return b.rooms.LeaveRoom(ctx, sessionID, roomID)
	}
	return b.forward(ctx, pid, MethodLeaveRoom, roomRequest{SessionID: sessionID, RoomID: roomID}, nil)
}

// CloseRoom closes roomID on the owning process.
func (b *Balancer) CloseRoom(ctx context.Context, sessionID, roomID string) error {
	pid, err := b.owner(ctx, roomID)
	if err != nil {
		return err
	}
	if pid == b.ipc.ProcessID() {
		return b.rooms.CloseRoom(ctx, sessionID, roomID)
	}
	return b.forward(ctx, pid, MethodCloseRoom, roomRequest{SessionID: sessionID, RoomID: roomID}, nil)
}

func (b *Balancer) register() {
	handle := func(fn func(context.Context, roomRequest) (any, error)) ipc.RequestHandler {
		return func(ctx context.Context, data json.RawMessage) (any, error) {
			var req roomRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, fmt.Errorf("decoding room request: %w", err)
			}
			return fn(ctx, req)
		}
	}
	b.ipc.OnRequest(MethodCreateRoom, handle(func(ctx context.Context, r roomRequest) (any, error) {
		return b.rooms.CreateRoom(ctx, r.SessionID, r.Name, r.Options)
	}))
	b.ipc.OnRequest(MethodJoinRoom, handle(func(ctx context.Context, r roomRequest) (any, error) {
		return b.rooms.JoinRoom(ctx, r.SessionID, r.RoomID, r.Options)
	}))
	b.ipc.OnRequest(MethodUpdateRoom, handle(func(ctx context.Context, r roomRequest) (any, error) {
		var upd room.RoomUpdate
		if r.Update != nil {
			upd = *r.Update
		}
		return b.rooms.UpdateRoom(ctx, r.SessionID, r.RoomID, upd)
	}))
	b.ipc.OnRequest(MethodLeaveRoom, handle(func(ctx context.Context, r roomRequest) (any, error) {
		return nil, b.rooms.LeaveRoom(ctx, r.SessionID, r.RoomID)
	}))
	b.ipc.OnRequest(MethodCloseRoom, handle(func(ctx context.Context, r roomRequest) (any, error) {
		return nil, b.rooms.CloseRoom(ctx, r.SessionID, r.RoomID)
	}))
}
