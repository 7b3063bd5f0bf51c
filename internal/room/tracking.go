package room

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/state"
)

// tracking buffers one client's patches between flushes. Patches coalesce by
// op+path: the later value wins and the key moves to the end of the batch, so
// a batch keeps the order of each key's last write.
type tracking struct {
	conn    Client
	logger  *zap.Logger
	dispose func()

	mu      sync.Mutex
	keys    []string
	pending map[string]state.Patch
	stopped bool

	stop chan struct{}
	done chan struct{}
}

func (t *tracking) add(p state.Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	key := p.Key()
	if _, ok := t.pending[key]; ok {
		t.keys = slices.DeleteFunc(t.keys, func(k string) bool { return k == key })
	}
	t.keys = append(t.keys, key)
	t.pending[key] = p
}

// take empties the buffer and returns its batch.
func (t *tracking) take() []state.Patch {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.keys) == 0 {
		return nil
	}
	batch := make([]state.Patch, len(t.keys))
	for i, k := range t.keys {
		batch[i] = t.pending[k]
	}
	t.keys = nil
	t.pending = make(map[string]state.Patch)
	return batch
}

func (t *tracking) flush() {
	batch := t.take()
	if len(batch) == 0 {
		return
	}
	if err := t.conn.Patch(batch); err != nil {
		t.logger.Debug("patch delivery failed", zap.Error(err))
	}
}

func (t *tracking) run(rate time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.stop:
			return
		}
	}
}

// halt disposes the tracker subscription and waits for the flush loop to exit.
// Buffered patches are discarded. Safe to call more than once.
func (t *tracking) halt() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.keys = nil
	t.pending = nil
	t.mu.Unlock()

	t.dispose()
	close(t.stop)
	<-t.done
}

// startTracking sends the client a snapshot and starts streaming patches to it
// under its TrackingParams. It does nothing for rooms without a tracker.
func (r *Room) startTracking(ref *ClientRef) {
	if r.tracker == nil || ref.tracking != nil || ref.conn == nil {
		return
	}
	params := ref.TrackingParams
	if params.ClientID == "" {
		params.ClientID = ref.ID
	}
	t := &tracking{
		conn:    ref.conn,
		logger:  r.logger.With(zap.String("session_id", ref.ID)),
		pending: make(map[string]state.Patch),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	// Subscribe before the snapshot so nothing falls between the two.
	t.dispose = r.tracker.OnPatch(t.add, params)
	if err := ref.conn.Snapshot(r.tracker.Snapshot(params)); err != nil {
		t.logger.Debug("snapshot delivery failed", zap.Error(err))
	}
	ref.tracking = t
	go t.run(r.patchRate)
}

// stopTracking ends the client's patch stream. Safe on untracked clients.
func (r *Room) stopTracking(ref *ClientRef) {
	if ref.tracking == nil {
		return
	}
	ref.tracking.halt()
	ref.tracking = nil
}
