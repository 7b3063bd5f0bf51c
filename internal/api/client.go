package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/magx-io/magx/internal/room"
)

// StatusError is a non-2xx API response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Session is the public part of a signed session.
type Session struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

// Client calls a magx API server.
type Client struct {
	base  string
	http  *http.Client
	token string
}

// NewClient returns a Client for the server at base, e.g.
// "http://localhost:8000/magx". A nil hc selects http.DefaultClient.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// WithToken returns a copy of c that authenticates as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Token returns the bearer token c sends.
func (c *Client) Token() string { return c.token }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&eb)
		return &StatusError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// Sign creates a session. An empty id lets the server pick one.
func (c *Client) Sign(ctx context.Context, id string, data map[string]any) (string, Session, error) {
	var resp signResponse
	if err := c.do(ctx, http.MethodPost, "/auth", signRequest{ID: id, Data: data}, &resp); err != nil {
		return "", Session{}, err
	}
	return resp.Token, Session(resp.Session), nil
}

// Verify resolves token to its session.
func (c *Client) Verify(ctx context.Context, token string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodGet, "/auth/"+url.PathEscape(token), nil, &s)
	return s, err
}

// ListRooms returns the rooms of the named types, or every room.
func (c *Client) ListRooms(ctx context.Context, names ...string) ([]room.RoomRecord, error) {
	path := "/rooms"
	if len(names) > 0 {
		q := url.Values{"name": names}
		path += "?" + q.Encode()
	}
	var recs []room.RoomRecord
	err := c.do(ctx, http.MethodGet, path, nil, &recs)
	return recs, err
}

// GetRoom returns one room.
func (c *Client) GetRoom(ctx context.Context, roomID string) (room.RoomRecord, error) {
	var rec room.RoomRecord
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &rec)
	return rec, err
}

// CreateRoom creates a room of type name hosted by the caller.
func (c *Client) CreateRoom(ctx context.Context, name string, options map[string]any) (room.RoomRecord, error) {
	var rec room.RoomRecord
	err := c.do(ctx, http.MethodPost, "/rooms", createRequest{Name: name, Options: options}, &rec)
	return rec, err
}

// JoinRoom reserves a seat for the caller.
func (c *Client) JoinRoom(ctx context.Context, roomID string, options map[string]any) (room.RoomRecord, error) {
	var rec room.RoomRecord
	err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/join", joinRequest{Options: options}, &rec)
	return rec, err
}

// UpdateRoom applies a host-only change.
func (c *Client) UpdateRoom(ctx context.Context, roomID string, upd room.RoomUpdate) (room.RoomRecord, error) {
	var rec room.RoomRecord
	err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/update", upd, &rec)
	return rec, err
}

// LeaveRoom gives up the caller's seat.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/leave", nil, nil)
}

// CloseRoom closes a room the caller hosts.
func (c *Client) CloseRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/close", nil, nil)
}
