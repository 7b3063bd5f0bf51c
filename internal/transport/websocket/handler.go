package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/auth"
	"github.com/magx-io/magx/internal/room"
)

// Defaults for Options.
const (
	DefaultPingInterval   = 1500 * time.Millisecond
	DefaultMaxPingRetries = 2
)

// Rooms is the part of the room manager the transport drives.
type Rooms interface {
	Connect(ctx context.Context, roomID string, c room.Client) error
	Signal(roomID string, c room.Client, s room.Signal) bool
	Disconnected(ctx context.Context, roomID string, c room.Client, consented bool)
	Message(ctx context.Context, roomID string, c room.Client, msgType string, data json.RawMessage) error
}

// Options tunes the keepalive. A connection that misses MaxPingRetries pongs
// in a row is dropped.
type Options struct {
	PingInterval   time.Duration
	MaxPingRetries int
	Logger         *zap.Logger
}

// Handler upgrades GET <prefix>/ws/{roomId}?token=... requests and serves the
// room protocol on them.
type Handler struct {
	sessions *auth.SessionAuth
	rooms    Rooms
	upgrader gws.Upgrader
	opts     Options
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(sessions *auth.SessionAuth, rooms Rooms, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.MaxPingRetries <= 0 {
		opts.MaxPingRetries = DefaultMaxPingRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		rooms:    rooms,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts:   opts,
		logger: logger,
	}
}

// Pattern returns the mux pattern the handler serves under prefix.
func Pattern(prefix string) string { return "GET " + prefix + "/ws/{roomId}" }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	sess, err := h.sessions.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	logger := h.logger.With(zap.String("room_id", roomID), zap.String("session_id", sess.ID))
	c := &conn{ws: ws, sessionID: sess.ID, logger: logger}
	h.serve(r.Context(), roomID, c, logger)
}

func (h *Handler) serve(ctx context.Context, roomID string, c *conn, logger *zap.Logger) {
	connectCtx, cancelConnect := context.WithCancel(ctx)
	connected := make(chan error, 1)
	go func() { connected <- h.rooms.Connect(connectCtx, roomID, c) }()

	stopPing := make(chan struct{})
	go h.keepalive(c, stopPing)

	readTimeout := h.opts.PingInterval * time.Duration(h.opts.MaxPingRetries+1)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	consented := false
	for {
		var f Frame
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			var ce *gws.CloseError
			consented = errors.As(err, &ce) && ce.Code == gws.CloseNormalClosure
			logger.Debug("read loop ended", zap.Error(err))
			break
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		if err := json.Unmarshal(payload, &f); err != nil {
			logger.Debug("discarding malformed frame", zap.Error(err))
			continue
		}
		switch f.T {
		case EventJoined:
			h.rooms.Signal(roomID, c, room.SignalJoined)
		case EventReconnected:
			h.rooms.Signal(roomID, c, room.SignalReconnected)
		case EventMessage:
			if err := h.rooms.Message(ctx, roomID, c, f.Type, f.Data); err != nil {
				logger.Debug("message rejected", zap.String("type", f.Type), zap.Error(err))
				_ = c.write(Frame{T: EventError, Type: f.Type, Message: err.Error()})
			}
		default:
			logger.Debug("unknown frame", zap.Int("t", int(f.T)))
		}
	}
	close(stopPing)
	c.release()

	cancelConnect()
	if err := <-connected; err != nil {
		logger.Debug("connect ended", zap.Error(err))
		return
	}
	// The request context is already done; hooks such as reconnection waits
	// must outlive it.
	h.rooms.Disconnected(context.WithoutCancel(ctx), roomID, c, consented)
}

func (h *Handler) keepalive(c *conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
