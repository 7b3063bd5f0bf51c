package api

import (
	"fmt"
	"net/http"

	"github.com/magx-io/magx/internal/room"
)

type signRequest struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

type sessionBody struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

type signResponse struct {
	Token   string      `json:"token"`
	Session sessionBody `json:"session"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, sess, err := s.sessions.Sign(r.Context(), req.ID, req.Data)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, signResponse{Token: token, Session: sessionBody{ID: sess.ID, Data: sess.Data}})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Verify(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionBody{ID: sess.ID, Data: sess.Data})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	recs, err := s.rooms.GetRooms(r.Context(), r.URL.Query()["name"]...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []room.RoomRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.rooms.GetRoom(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, fmt.Errorf("%w: %s", room.ErrRoomNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type createRequest struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, r, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	sess, _ := SessionFrom(r.Context())
	rec, err := s.rooms.CreateRoom(r.Context(), sess.ID, req.Name, req.Options)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type joinRequest struct {
	Options map[string]any `json:"options"`
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, _ := SessionFrom(r.Context())
	rec, err := s.rooms.JoinRoom(r.Context(), sess.ID, r.PathValue("id"), req.Options)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	var upd room.RoomUpdate
	if err := decode(r, &upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, _ := SessionFrom(r.Context())
	rec, err := s.rooms.UpdateRoom(r.Context(), sess.ID, r.PathValue("id"), upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	if err := s.rooms.LeaveRoom(r.Context(), sess.ID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseRoom(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	if err := s.rooms.CloseRoom(r.Context(), sess.ID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
