package room

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/cache"
)

const (
	// DefaultConnectionTimeout bounds the client handshake.
	DefaultConnectionTimeout = time.Second
	// DefaultReservationTTL is how long a seat waits for its socket.
	DefaultReservationTTL = 3 * time.Second
	// DefaultPatchRate is the per-client patch flush interval.
	DefaultPatchRate = 50 * time.Millisecond
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// ProcessID is written into every record this manager persists.
	ProcessID string
	// Port is the client-facing port advertised in records.
	Port              int
	ConnectionTimeout time.Duration
	ReservationTTL    time.Duration
	PatchRate         time.Duration
	Logger            *zap.Logger
}

// TypeOptions configures one room type.
type TypeOptions struct {
	// Params are handed to OnCreate for every room of the type.
	Params map[string]any
	// PatchRate overrides the manager's default flush interval.
	PatchRate time.Duration
}

type roomType struct {
	factory Factory
	opts    TypeOptions
}

// Manager hosts the rooms of one process and keeps their summaries in the
// shared registry.
//
// Lock order is room before manager: the manager lock is never held while
// taking a room lock.
type Manager struct {
	pid               string
	port              int
	registry          Registry
	connectionTimeout time.Duration
	reservationTTL    time.Duration
	patchRate         time.Duration
	logger            *zap.Logger

	mu        sync.Mutex
	types     map[string]roomType
	rooms     map[string]*Room
	observers []Observer
}

// NewManager creates a Manager persisting to registry.
//
// Precondition: registry must be non-nil.
func NewManager(registry Registry, opts Options) *Manager {
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.PatchRate <= 0 {
		opts.PatchRate = DefaultPatchRate
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		pid:               opts.ProcessID,
		port:              opts.Port,
		registry:          registry,
		connectionTimeout: opts.ConnectionTimeout,
		reservationTTL:    opts.ReservationTTL,
		patchRate:         opts.PatchRate,
		logger:            opts.Logger,
		types:             make(map[string]roomType),
		rooms:             make(map[string]*Room),
	}
}

// ProcessID returns the process id stamped on this manager's records.
func (m *Manager) ProcessID() string { return m.pid }

// Registry returns the registry the manager persists to.
func (m *Manager) Registry() Registry { return m.registry }

// Define registers a room type under name, replacing any earlier definition.
func (m *Manager) Define(name string, f Factory, opts TypeOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[name] = roomType{factory: f, opts: opts}
}

// Types returns the defined room type names, sorted.
func (m *Manager) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.types))
}

// Observe adds o to the lifecycle observers.
func (m *Manager) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) notify(fn func(Observer)) {
	m.mu.Lock()
	obs := slices.Clone(m.observers)
	m.mu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

func (m *Manager) room(id string) (*Room, error) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return r, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.rooms, id)
	m.mu.Unlock()
}

// LocalRooms returns the summaries of the rooms hosted here.
func (m *Manager) LocalRooms() []RoomRecord {
	m.mu.Lock()
	rooms := slices.Collect(maps.Values(m.rooms))
	m.mu.Unlock()
	out := make([]RoomRecord, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.terminated {
			out = append(out, r.Record())
		}
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b RoomRecord) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// CreateRoom creates a room of type name hosted here, hosted by sessionID,
// with a seat reserved for the host.
func (m *Manager) CreateRoom(ctx context.Context, sessionID, name string, options map[string]any) (RoomRecord, error) {
	m.mu.Lock()
	rt, ok := m.types[name]
	m.mu.Unlock()
	if !ok {
		return RoomRecord{}, fmt.Errorf("%w: %s", ErrUnknownRoomType, name)
	}

	id := uuid.NewString()
	rate := rt.opts.PatchRate
	if rate <= 0 {
		rate = m.patchRate
	}
	r := &Room{
		manager:   m,
		behavior:  rt.factory(),
		logger:    m.logger.With(zap.String("room_id", id), zap.String("room_name", name)),
		patchRate: rate,
		record: RoomRecord{
			ID:     id,
			PID:    m.pid,
			Port:   m.port,
			Name:   name,
			HostID: sessionID,
			Data:   map[string]any{},
		},
		clients:      make(map[string]*ClientRef),
		reservations: make(map[string]*reservation),
		done:         make(chan struct{}),
	}
	if r.behavior == nil {
		r.behavior = &Behavior{}
	}

	params := maps.Clone(rt.opts.Params)
	if params == nil {
		params = map[string]any{}
	}
	params["options"] = options

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.behavior.OnCreate != nil {
		if err := r.behavior.OnCreate(ctx, r, params); err != nil {
			return RoomRecord{}, fmt.Errorf("creating %s room: %w", name, err)
		}
	}
	m.mu.Lock()
	m.rooms[id] = r
	m.mu.Unlock()

	r.reserve(sessionID, options)
	if err := r.persist(ctx); err != nil {
		r.teardown(ctx)
		return RoomRecord{}, err
	}
	rec := r.Record()
	m.notify(func(o Observer) { o.RoomCreated(rec) })
	r.logger.Info("room created", zap.String("session_id", sessionID))
	return rec, nil
}

// ReserveSeat holds a seat in roomID for sessionID until its socket attaches
// or the reservation expires.
func (m *Manager) ReserveSeat(ctx context.Context, roomID, sessionID string, options map[string]any) error {
	r, err := m.room(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if _, ok := r.clients[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, sessionID)
	}
	r.reserve(sessionID, options)
	return r.persist(ctx)
}

// JoinRoom reserves a seat for sessionID. A session whose client dropped and
// is awaiting reconnection may join again without a new reservation.
func (m *Manager) JoinRoom(ctx context.Context, sessionID, roomID string, options map[string]any) (RoomRecord, error) {
	r, err := m.room(roomID)
	if err != nil {
		return RoomRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return RoomRecord{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if ref, ok := r.clients[sessionID]; ok {
		if ref != nil && ref.Status == StatusDisconnected {
			return r.Record(), nil
		}
		return RoomRecord{}, fmt.Errorf("%w: %s", ErrAlreadyJoined, sessionID)
	}
	if r.record.Locked {
		return RoomRecord{}, fmt.Errorf("%w: %s", ErrRoomLocked, roomID)
	}
	r.reserve(sessionID, options)
	if err := r.persist(ctx); err != nil {
		return RoomRecord{}, err
	}
	return r.Record(), nil
}

// UpdateRoom applies a host-only change to the room's summary.
func (m *Manager) UpdateRoom(ctx context.Context, sessionID, roomID string, upd RoomUpdate) (RoomRecord, error) {
	r, err := m.room(roomID)
	if err != nil {
		return RoomRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return RoomRecord{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if r.record.HostID != "" && r.record.HostID != sessionID {
		return RoomRecord{}, fmt.Errorf("%w: %s is not the host", ErrUnauthorized, sessionID)
	}
	if upd.Data != nil {
		r.record.Data = upd.Data
	}
	if upd.HostID != nil {
		r.record.HostID = *upd.HostID
	}
	if upd.Locked != nil {
		r.record.Locked = *upd.Locked
	}
	if err := r.persist(ctx); err != nil {
		return RoomRecord{}, err
	}
	return r.Record(), nil
}

// LeaveRoom removes sessionID from the room with consent. Leaving a room the
// session is not in is a no-op.
func (m *Manager) LeaveRoom(ctx context.Context, sessionID, roomID string) error {
	r, err := m.room(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return nil
	}
	ref, ok := r.clients[sessionID]
	switch {
	case !ok:
		return nil
	case ref == nil:
		r.removeSeat(sessionID)
		return r.persist(ctx)
	}
	conn := ref.conn
	if ref.Status == StatusConnecting {
		r.removeSeat(sessionID)
		ref.signal(signalClosed)
		if conn != nil {
			conn.Terminate(CodeNormalClose, "left room")
		}
		return r.persist(ctx)
	}
	if ref.pendingConn != nil {
		ref.pendingConn.Terminate(CodeNormalClose, "left room")
		ref.pendingConn = nil
		ref.signal(signalClosed)
	}
	if ref.leaving {
		// OnLeave is already waiting on this seat; dropping it ends the wait.
		r.drop(ctx, ref)
		return nil
	}
	r.leave(ctx, ref, true)
	if conn != nil {
		conn.Terminate(CodeNormalClose, "left room")
	}
	if r.clients[sessionID] == ref && !r.terminated {
		r.drop(ctx, ref)
	}
	return nil
}

// CloseRoom tears down the room. Only the host may close it.
func (m *Manager) CloseRoom(ctx context.Context, sessionID, roomID string) error {
	r, err := m.room(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if r.record.HostID != "" && r.record.HostID != sessionID {
		return fmt.Errorf("%w: %s is not the host", ErrUnauthorized, sessionID)
	}
	r.teardown(ctx)
	return nil
}

// Shutdown tears down every local room.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	rooms := slices.Collect(maps.Values(m.rooms))
	m.mu.Unlock()
	for _, r := range rooms {
		r.mu.Lock()
		r.teardown(ctx)
		r.mu.Unlock()
	}
}

// GetRoom reads a room's summary from the registry. Rooms hosted by any
// process are visible.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*RoomRecord, error) {
	rec, err := m.registry.Get(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("reading room %s: %w", roomID, err)
	}
	return rec, nil
}

// GetRooms lists registry rooms of the given types, or all rooms when no
// name is given.
func (m *Manager) GetRooms(ctx context.Context, names ...string) ([]RoomRecord, error) {
	if len(names) == 0 {
		recs, err := m.registry.FindMany(ctx, cache.Query{})
		if err != nil {
			return nil, fmt.Errorf("listing rooms: %w", err)
		}
		return recs, nil
	}
	out := []RoomRecord{}
	for _, name := range names {
		recs, err := m.registry.FindMany(ctx, cache.Query{"name": name})
		if err != nil {
			return nil, fmt.Errorf("listing %s rooms: %w", name, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}
