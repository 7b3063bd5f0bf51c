package room

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/ipc"
)

// PubSub is the part of ipc.Manager the Inspector needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, v any) error
	Subscribe(ctx context.Context, channel string, h ipc.Handler) error
	Unsubscribe(ctx context.Context, channel string) error
}

// UpdateFunc receives a changed room. rec is nil when the room was removed.
type UpdateFunc func(roomID string, rec *RoomRecord)

// Inspector is a Registry that announces every write on room_update:<name>,
// letting any process watch rooms of given types.
type Inspector struct {
	Registry
	ps     PubSub
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]map[string]UpdateFunc // room name -> subscriber id -> fn
}

// NewInspector wraps registry.
func NewInspector(registry Registry, ps PubSub, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{Registry: registry, ps: ps, logger: logger, subs: make(map[string]map[string]UpdateFunc)}
}

func updateChannel(name string) string { return "room_update:" + name }

// Set writes rec and announces it.
func (i *Inspector) Set(ctx context.Context, key string, rec RoomRecord) error {
	if err := i.Registry.Set(ctx, key, rec); err != nil {
		return err
	}
	return i.announce(ctx, rec.Name, key)
}

// Remove deletes the record and announces it if it existed.
func (i *Inspector) Remove(ctx context.Context, key string) error {
	rec, err := i.Registry.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := i.Registry.Remove(ctx, key); err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return i.announce(ctx, rec.Name, key)
}

func (i *Inspector) announce(ctx context.Context, name, roomID string) error {
	if err := i.ps.Publish(ctx, updateChannel(name), roomID); err != nil {
		return fmt.Errorf("announcing room %s: %w", roomID, err)
	}
	return nil
}

// Subscribe calls fn whenever a room of one of names changes.
func (i *Inspector) Subscribe(ctx context.Context, subscriberID string, names []string, fn UpdateFunc) error {
	for _, name := range names {
		i.mu.Lock()
		set, ok := i.subs[name]
		if !ok {
			set = make(map[string]UpdateFunc)
			i.subs[name] = set
		}
		set[subscriberID] = fn
		i.mu.Unlock()
		if ok {
			continue
		}
		if err := i.ps.Subscribe(ctx, updateChannel(name), i.handler(name)); err != nil {
			return fmt.Errorf("watching %s rooms: %w", name, err)
		}
	}
	return nil
}

// Unsubscribe stops fn deliveries for names. The channel is released when its
// last subscriber leaves.
func (i *Inspector) Unsubscribe(ctx context.Context, subscriberID string, names []string) error {
	for _, name := range names {
		i.mu.Lock()
		set := i.subs[name]
		delete(set, subscriberID)
		last := set != nil && len(set) == 0
		if last {
			delete(i.subs, name)
		}
		i.mu.Unlock()
		if !last {
			continue
		}
		if err := i.ps.Unsubscribe(ctx, updateChannel(name)); err != nil {
			return fmt.Errorf("unwatching %s rooms: %w", name, err)
		}
	}
	return nil
}

func (i *Inspector) handler(name string) ipc.Handler {
	return func(payload []byte) {
		var roomID string
		if err := json.Unmarshal(payload, &roomID); err != nil {
			i.logger.Warn("malformed room update", zap.String("channel", updateChannel(name)), zap.Error(err))
			return
		}
		rec, err := i.Registry.Get(context.Background(), roomID)
		if err != nil {
			i.logger.Warn("reading updated room", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		i.mu.Lock()
		fns := slices.Collect(maps.Values(i.subs[name]))
		i.mu.Unlock()
		for _, fn := range fns {
			fn(roomID, rec)
		}
	}
}
