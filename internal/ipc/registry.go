package ipc

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ProcessInstance is one known process and the state it last advertised.
type ProcessInstance struct {
	ID    string
	State ProcessState
	// Local marks this process. A local instance never expires.
	Local bool
	// Expires is when the peer is dropped without a fresh heartbeat.
	Expires time.Time
}

// Pids returns the ids of every known live process, this one included, sorted.
func (m *Manager) Pids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Instances returns a copy of every known process instance.
func (m *Manager) Instances() []ProcessInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetState replaces the state advertised to peers on the next heartbeat.
func (m *Manager) SetState(state ProcessState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.instances[m.id].State = state
}

// PublishState publishes this process's state on its info channel.
func (m *Manager) PublishState(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	return m.publishJSON(ctx, infoChannel(m.id), state)
}

// HeartbeatRunning reports whether the heartbeat loop is active.
func (m *Manager) HeartbeatRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopBeat != nil
}

func (m *Manager) onInstanceAdd(payload []byte) {
	var id string
	if err := json.Unmarshal(payload, &id); err != nil || id == "" {
		m.logger.Warn("discarding malformed instance announcement", zap.ByteString("payload", payload))
		return
	}
	if id == m.id {
		return
	}

	m.addInstance(id, nil)

	m.mu.Lock()
	info := processInfo{ID: m.id, State: m.state}
	m.mu.Unlock()
	if err := m.publishJSON(m.ctx, discoveryChannel(id), info); err != nil {
		m.logger.Warn("answering discovery", zap.String("peer", id), zap.Error(err))
	}
}

func (m *Manager) onDiscovery(payload []byte) {
	var info processInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		m.logger.Warn("discarding malformed discovery", zap.Error(err))
		return
	}
	if info.ID == "" || info.ID == m.id {
		return
	}
	m.addInstance(info.ID, info.State)
}

func (m *Manager) onInstanceDelete(payload []byte) {
	var id string
	if err := json.Unmarshal(payload, &id); err != nil {
		return
	}
	if id == m.id {
		return
	}
	m.deleteInstance(id)
}

// addInstance registers or refreshes a peer and subscribes to its heartbeats.
func (m *Manager) addInstance(id string, state ProcessState) {
	m.mu.Lock()
	_, known := m.instances[id]
	m.mu.Unlock()

	if !known {
		if err := m.backend.Subscribe(m.ctx, infoChannel(id), func(payload []byte) {
			var s ProcessState
			if err := json.Unmarshal(payload, &s); err != nil {
				m.logger.Warn("discarding malformed heartbeat", zap.String("peer", id), zap.Error(err))
				return
			}
			m.refreshInstance(id, s)
		}); err != nil {
			m.logger.Warn("subscribing to peer heartbeat", zap.String("peer", id), zap.Error(err))
		}
	}

	m.refreshInstance(id, state)
	if !known {
		m.logger.Info("added process instance", zap.String("peer", id), zap.Int("instances", len(m.Pids())))
	}
}

// refreshInstance extends a peer's TTL to now + 2x the heartbeat interval and
// starts the heartbeat once there is more than one process.
func (m *Manager) refreshInstance(id string, state ProcessState) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	inst, ok := m.instances[id]
	if !ok {
		inst = &ProcessInstance{ID: id}
		m.instances[id] = inst
	}
	if state != nil {
		inst.State = state
	}
	inst.Expires = m.now().Add(2 * m.interval)
	startBeat := len(m.instances) > 1 && m.stopBeat == nil
	if startBeat {
		m.stopBeat = m.startHeartbeat()
	}
	m.mu.Unlock()
}

func (m *Manager) deleteInstance(id string) {
	m.mu.Lock()
	if _, ok := m.instances[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.instances, id)
	var stop func()
	if len(m.instances) < 2 {
		stop = m.stopBeat
		m.stopBeat = nil
	}
	remaining := len(m.instances)
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := m.backend.Unsubscribe(m.ctx, infoChannel(id)); err != nil {
		m.logger.Debug("unsubscribing peer heartbeat", zap.String("peer", id), zap.Error(err))
	}
	m.logger.Info("removed process instance", zap.String("peer", id), zap.Int("instances", remaining))
}

// Sweep drops every peer whose TTL has elapsed. It runs on each heartbeat tick.
//
// Postcondition: Returns the ids that were dropped.
func (m *Manager) Sweep() []string {
	now := m.now()
	m.mu.Lock()
	var expired []string
	for id, inst := range m.instances {
		if !inst.Local && inst.Expires.Before(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("process instance expired", zap.String("peer", id))
		m.deleteInstance(id)
	}
	return expired
}

// startHeartbeat launches the heartbeat goroutine and returns its stop function.
// Calling stop is idempotent.
//
// Precondition: caller holds m.mu.
func (m *Manager) startHeartbeat() (stop func()) {
	done := make(chan struct{})
	closed := false
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.PublishState(m.ctx); err != nil && m.ctx.Err() == nil {
					m.logger.Warn("publishing heartbeat", zap.Error(err))
				}
				m.Sweep()
			case <-done:
				return
			case <-m.ctx.Done():
				return
			}
		}
	}()
	m.logger.Debug("heartbeat started")
	return func() {
		if !closed {
			closed = true
			close(done)
		}
	}
}
