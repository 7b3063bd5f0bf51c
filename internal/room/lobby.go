package room

import (
	"context"

	"go.uber.org/zap"
)

// Lobby returns the built-in lobby behavior. A lobby watches the room types
// listed in its "watch" param (every defined type when absent), sends joining
// clients the current list as "rooms" and forwards each change as
// "room_update" {roomId, data}.
func Lobby(insp *Inspector) Factory {
	return func() *Behavior {
		var names []string
		return &Behavior{
			OnCreate: func(ctx context.Context, r *Room, params map[string]any) error {
				names = stringsParam(params, "watch")
				if len(names) == 0 {
					names = r.Manager().Types()
				}
				return insp.Subscribe(ctx, r.ID(), names, func(roomID string, rec *RoomRecord) {
					r.Go(func(r *Room) {
						r.Broadcast("room_update", map[string]any{"roomId": roomID, "data": rec})
					})
				})
			},
			OnJoin: func(ctx context.Context, r *Room, c *ClientRef, _ map[string]any) error {
				rooms, err := r.Manager().GetRooms(ctx, names...)
				if err != nil {
					return err
				}
				return c.Send("rooms", rooms)
			},
			OnClose: func(ctx context.Context, r *Room) {
				if err := insp.Unsubscribe(ctx, r.ID(), names); err != nil {
					r.Logger().Warn("lobby unsubscribe failed", zap.Error(err))
				}
			},
		}
	}
}
