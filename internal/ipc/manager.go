package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a RequestProcess round trip.
	DefaultTimeout = time.Second
	// DefaultHeartbeatInterval is the liveness publish period.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultInstanceName prefixes the cluster membership channels.
	DefaultInstanceName = "instance"
)

// ProcessState is the opaque blob a process advertises to its peers.
type ProcessState map[string]any

// RequestHandler serves one RPC method. The returned value is JSON encoded
// into the response; a returned error travels as a RemoteError.
type RequestHandler func(ctx context.Context, data json.RawMessage) (any, error)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// ProcessID identifies this process. Empty generates a uuid.
	ProcessID         string
	State             ProcessState
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	InstanceName      string
	Logger            *zap.Logger
	// Now overrides the clock used for peer TTLs.
	Now func() time.Time
}

type request struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *RemoteError    `json:"error,omitempty"`
}

type processInfo struct {
	ID    string       `json:"id"`
	State ProcessState `json:"state"`
}

// Manager turns a pub/sub Backend into cluster membership plus correlated
// request/response between processes. One Manager is owned per process.
//
// All methods are safe for concurrent use. The Manager never holds its own
// lock while calling into the backend, so backends may deliver synchronously.
type Manager struct {
	id           string
	backend      Backend
	timeout      time.Duration
	interval     time.Duration
	instanceName string
	logger       *zap.Logger
	now          func() time.Time

	mu        sync.Mutex
	state     ProcessState
	handlers  map[string]RequestHandler
	instances map[string]*ProcessInstance
	stopBeat  func()
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager over backend. Call Start to join the cluster.
//
// Precondition: backend must be non-nil.
// Postcondition: Returns a Manager that knows only itself.
func NewManager(backend Backend, opts Options) *Manager {
	if opts.ProcessID == "" {
		opts.ProcessID = uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.InstanceName == "" {
		opts.InstanceName = DefaultInstanceName
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.State == nil {
		opts.State = ProcessState{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		id:           opts.ProcessID,
		backend:      backend,
		timeout:      opts.Timeout,
		interval:     opts.HeartbeatInterval,
		instanceName: opts.InstanceName,
		logger:       opts.Logger.With(zap.String("process_id", opts.ProcessID)),
		now:          opts.Now,
		state:        opts.State,
		handlers:     make(map[string]RequestHandler),
		instances:    make(map[string]*ProcessInstance),
		ctx:          ctx,
		cancel:       cancel,
	}
	m.instances[m.id] = &ProcessInstance{ID: m.id, State: opts.State, Local: true}
	return m
}

// ProcessID returns this process's id.
func (m *Manager) ProcessID() string { return m.id }

// Timeout returns the request timeout.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Start subscribes the membership and request channels and announces this
// process on the instance add channel.
//
// Postcondition: Every live peer learns this process and answers with its own info.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	subs := []struct {
		channel string
		h       Handler
	}{
		{m.addChannel(), m.onInstanceAdd},
		{m.deleteChannel(), m.onInstanceDelete},
		{discoveryChannel(m.id), m.onDiscovery},
		{requestChannel(m.id), m.onRequest},
	}
	for _, s := range subs {
		if err := m.backend.Subscribe(ctx, s.channel, s.h); err != nil {
			return fmt.Errorf("subscribing %s: %w", s.channel, err)
		}
	}

	if err := m.publishJSON(ctx, m.addChannel(), m.id); err != nil {
		return fmt.Errorf("announcing process: %w", err)
	}
	m.logger.Info("ipc manager started", zap.Duration("heartbeat_interval", m.interval))
	return nil
}

// Close announces the departure of this process, stops the heartbeat and
// closes the backend.
//
// Postcondition: Peers drop this process without waiting for its TTL.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop := m.stopBeat
	m.stopBeat = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := m.publishJSON(ctx, m.deleteChannel(), m.id); err != nil {
		m.logger.Warn("announcing process departure", zap.Error(err))
	}
	m.cancel()
	return m.backend.Close()
}

// Publish JSON encodes v and publishes it on channel.
func (m *Manager) Publish(ctx context.Context, channel string, v any) error {
	return m.publishJSON(ctx, channel, v)
}

// Subscribe registers h for channel, replacing any previous handler.
func (m *Manager) Subscribe(ctx context.Context, channel string, h Handler) error {
	return m.backend.Subscribe(ctx, channel, h)
}

// Unsubscribe removes the handler for channel.
func (m *Manager) Unsubscribe(ctx context.Context, channel string) error {
	return m.backend.Unsubscribe(ctx, channel)
}

// OnRequest registers the handler for method. Requests for unregistered
// methods are ignored and their callers time out.
func (m *Manager) OnRequest(method string, h RequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// RequestProcess calls method on the target process and decodes the result into out
// (which may be nil).
//
// Postcondition: Returns nil on success, a *RemoteError when the handler failed,
// an error wrapping ErrTimeout when no response arrived within the timeout,
// or ctx.Err() when ctx ends first. The response subscription is always removed.
func (m *Manager) RequestProcess(ctx context.Context, target, method string, data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	requestID := uuid.NewString()
	channel := responseChannel(requestID)
	responses := make(chan response, 1)

	if err := m.backend.Subscribe(ctx, channel, func(payload []byte) {
		var resp response
		if err := json.Unmarshal(payload, &resp); err != nil {
			m.logger.Warn("discarding malformed ipc response",
				zap.String("channel", channel), zap.Error(err))
			return
		}
		select {
		case responses <- resp:
		default:
		}
	}); err != nil {
		return fmt.Errorf("subscribing %s: %w", channel, err)
	}
	defer func() {
		if err := m.backend.Unsubscribe(context.Background(), channel); err != nil {
			m.logger.Debug("unsubscribing response channel", zap.String("channel", channel), zap.Error(err))
		}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	if err := m.publishJSON(ctx, requestChannel(target), request{RequestID: requestID, Method: method, Data: raw}); err != nil {
		return fmt.Errorf("publishing %s request: %w", method, err)
	}

	select {
	case resp := <-responses:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decoding %s response: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		m.logger.Debug("ipc request timed out",
			zap.String("target", target), zap.String("method", method))
		return fmt.Errorf("%w: process %s, method %s", ErrTimeout, target, method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) onRequest(payload []byte) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		m.logger.Warn("discarding malformed ipc request", zap.Error(err))
		return
	}

	m.mu.Lock()
	h, ok := m.handlers[req.Method]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("no handler for ipc request", zap.String("method", req.Method))
		return
	}

	go func() {
		var resp response
		result, err := h(m.ctx, req.Data)
		if m.ctx.Err() != nil {
			return
		}
		if err != nil {
			resp.Error = toRemoteError(err)
		} else if resp.Data, err = json.Marshal(result); err != nil {
			resp = response{Error: &RemoteError{Message: fmt.Sprintf("encoding %s result: %v", req.Method, err)}}
		}
		if err := m.publishJSON(m.ctx, responseChannel(req.RequestID), resp); err != nil {
			m.logger.Warn("publishing ipc response",
				zap.String("method", req.Method), zap.Error(err))
		}
	}()
}

func (m *Manager) publishJSON(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", channel, err)
	}
	return m.backend.Publish(ctx, channel, payload)
}

func (m *Manager) addChannel() string { return m.instanceName + ":add" }
func (m *Manager) deleteChannel() string { return m.instanceName + ":delete" }

func discoveryChannel(id string) string { return id + ":discovery" }
func infoChannel(id string) string { return id + ":info" }
func requestChannel(id string) string { return "ipc-request:" + id }
func responseChannel(id string) string { return "ipc-response:" + id }
