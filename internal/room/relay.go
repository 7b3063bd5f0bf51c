package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/magx-io/magx/internal/state"
)

// Relay message types.
const (
	MsgPatchState     = "patch_state"
	MsgUpdateRoom     = "update_room"
	MsgPrivateMessage = "private_message"
	MsgPlayerJoin     = "player_join"
	MsgPlayerLeave    = "player_leave"
	MsgRoomClose      = "room_close"
	MsgRoomState      = "room_state"
)

type roomUpdateMessage struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type privateMessage struct {
	ClientID string          `json:"clientId"`
	Message  json.RawMessage `json:"message"`
}

// Relay returns the built-in relay behavior: a free-form shared document with
// a "players" map that clients mutate with patch_state messages. Every other
// message type is forwarded to the other clients.
//
// Params: "state" (initial document), "data" (room data), "maxPlayers"
// (auto-lock threshold) and "reconnectionTimeout" (seconds a dropped player
// keeps its seat).
func Relay() Factory {
	return func() *Behavior {
		var (
			doc        *state.Document
			maxPlayers int
			reconnect  time.Duration
		)

		setConnected := func(c *ClientRef, connected bool) {
			path := "/players/" + c.ID + "/connected"
			if v, ok := doc.Get(path); !ok || v == connected {
				return
			}
			_ = doc.Set(c.ID, path, connected)
		}

		return &Behavior{
			OnCreate: func(_ context.Context, r *Room, typeParams map[string]any) error {
				// Creator options override the type's params.
				params := maps.Clone(typeParams)
				if opts, ok := typeParams["options"].(map[string]any); ok {
					maps.Copy(params, opts)
				}
				initial, _ := params["state"].(map[string]any)
				initial = maps.Clone(initial)
				if initial == nil {
					initial = map[string]any{}
				}
				initial["players"] = map[string]any{}
				doc = state.NewDocument(initial)
				r.SetTracker(doc)

				if data, ok := params["data"].(map[string]any); ok {
					r.record.Data = data
				}
				maxPlayers = intParam(params, "maxPlayers")
				reconnect = time.Duration(floatParam(params, "reconnectionTimeout") * float64(time.Second))
				return nil
			},

			OnJoin: func(_ context.Context, r *Room, c *ClientRef, options map[string]any) error {
				player := maps.Clone(options)
				if player == nil {
					player = map[string]any{}
				}
				player["connected"] = true
				if err := doc.Set(c.ID, "/players/"+c.ID, player); err != nil {
					return err
				}
				if err := c.Send(MsgRoomState, doc.Snapshot(state.Params{})); err != nil {
					return err
				}
				r.Broadcast(MsgPlayerJoin, c.ID, c.ID)
				if maxPlayers > 0 && len(r.Clients())+1 >= maxPlayers && !r.Locked() {
					return r.Lock()
				}
				return nil
			},

			OnMessage: func(_ context.Context, r *Room, c *ClientRef, msgType string, data json.RawMessage) error {
				var err error
				switch msgType {
				case MsgPatchState:
					var p state.Patch
					if err = json.Unmarshal(data, &p); err == nil {
						err = doc.Apply(c.ID, p)
					}
				case MsgUpdateRoom:
					err = relayUpdateRoom(r, c, data)
				case MsgPrivateMessage:
					var pm privateMessage
					if err = json.Unmarshal(data, &pm); err == nil {
						if to := r.Client(pm.ClientID); to != nil && to.Status == StatusConnected {
							err = to.Send(MsgPrivateMessage, map[string]any{"from": c.ID, "message": pm.Message})
						}
					}
				default:
					r.Broadcast(msgType, data, c.ID)
				}
				if err != nil {
					_ = c.Send("error", map[string]string{"message": err.Error()})
				}
				return err
			},

			OnLeave: func(ctx context.Context, r *Room, c *ClientRef, consented bool) error {
				if !consented && reconnect > 0 {
					setConnected(c, false)
					err := r.WaitReconnection(ctx, c.ID, reconnect)
					if err == nil {
						setConnected(c, true)
						return nil
					}
					if errors.Is(err, ErrRoomTerminated) {
						return err
					}
				}
				_ = doc.Remove(c.ID, "/players/"+c.ID)
				r.Broadcast(MsgPlayerLeave, c.ID, c.ID)
				return nil
			},

			OnClose: func(_ context.Context, r *Room) {
				r.Broadcast(MsgRoomClose, r.ID())
			},
		}
	}
}

func relayUpdateRoom(r *Room, c *ClientRef, data json.RawMessage) error {
	if c.ID != r.HostID() {
		return nil
	}
	var upd roomUpdateMessage
	if err := json.Unmarshal(data, &upd); err != nil {
		return err
	}
	switch upd.Type {
	case "locked":
		var locked bool
		if err := json.Unmarshal(upd.Value, &locked); err != nil {
			return fmt.Errorf("locked value: %w", err)
		}
		if err := r.setLocked(locked); err != nil {
			return err
		}
	case "data":
		var d map[string]any
		if len(upd.Value) > 0 {
			if err := json.Unmarshal(upd.Value, &d); err != nil {
				return fmt.Errorf("data value: %w", err)
			}
		}
		if d == nil {
			d = map[string]any{}
		}
		if err := r.SetData(d); err != nil {
			return err
		}
	}
	r.Broadcast(MsgUpdateRoom, upd, c.ID)
	return nil
}

func floatParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func intParam(params map[string]any, key string) int { return int(floatParam(params, key)) }

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s, ok := s.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
