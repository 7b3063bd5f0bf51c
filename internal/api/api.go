// Package api serves the HTTP matchmaking API: session tokens and room
// create/join/update/leave/close, all routed through the balancer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/auth"
	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/room"
)

// DefaultPrefix is the path every route is mounted under.
const DefaultPrefix = "/magx"

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Rooms is the part of the balancer the API drives.
type Rooms interface {
	GetRoom(ctx context.Context, roomID string) (*room.RoomRecord, error)
	GetRooms(ctx context.Context, names ...string) ([]room.RoomRecord, error)
	CreateRoom(ctx context.Context, sessionID, name string, options map[string]any) (room.RoomRecord, error)
	JoinRoom(ctx context.Context, sessionID, roomID string, options map[string]any) (room.RoomRecord, error)
	UpdateRoom(ctx context.Context, sessionID, roomID string, upd room.RoomUpdate) (room.RoomRecord, error)
	LeaveRoom(ctx context.Context, sessionID, roomID string) error
	CloseRoom(ctx context.Context, sessionID, roomID string) error
}

// Server holds the API's collaborators.
type Server struct {
	sessions *auth.SessionAuth
	rooms    Rooms
	prefix   string
	logger   *zap.Logger
}

// New creates a Server. An empty prefix selects DefaultPrefix.
func New(sessions *auth.SessionAuth, rooms Rooms, prefix string, logger *zap.Logger) *Server {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sessions: sessions, rooms: rooms, prefix: strings.TrimRight(prefix, "/"), logger: logger}
}

// Prefix returns the path prefix routes are mounted under.
func (s *Server) Prefix() string { return s.prefix }

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	p := s.prefix
	mux.HandleFunc("POST "+p+"/auth", s.handleSign)
	mux.HandleFunc("GET "+p+"/auth/{token}", s.handleVerify)
	mux.HandleFunc("GET "+p+"/rooms", s.authed(s.handleListRooms))
	mux.HandleFunc("GET "+p+"/rooms/{id}", s.authed(s.handleGetRoom))
	mux.HandleFunc("POST "+p+"/rooms", s.authed(s.handleCreateRoom))
	mux.HandleFunc("POST "+p+"/rooms/{id}/join", s.authed(s.handleJoinRoom))
	mux.HandleFunc("POST "+p+"/rooms/{id}/update", s.authed(s.handleUpdateRoom))
	mux.HandleFunc("POST "+p+"/rooms/{id}/leave", s.authed(s.handleLeaveRoom))
	mux.HandleFunc("POST "+p+"/rooms/{id}/close", s.authed(s.handleCloseRoom))
}

// Handler returns a mux serving only the API routes, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return s.Logged(mux)
}

type sessionKey struct{}

// SessionFrom returns the session authenticated for r.
func SessionFrom(ctx context.Context) (auth.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(auth.Session)
	return sess, ok
}

// authed requires a valid bearer token and stores its session in the request
// context.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.writeError(w, r, fmt.Errorf("%w: missing bearer token", auth.ErrInvalidToken))
			return
		}
		sess, err := s.sessions.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// websocket upgrade needs.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Logged logs every request on h at debug level.
func (s *Server) Logged(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, room.ErrUnknownRoomType):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, room.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, room.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, room.ErrRoomLocked), errors.Is(err, room.ErrAlreadyJoined):
		return http.StatusConflict
	case errors.Is(err, ipc.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: decoding body: %w", errBadRequest, err)
	}
	return nil
}
