package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/room"
)

// registerRoomModule installs the room global in L, bound to r.
//
// Every function runs inside a room hook, so the room lock is already held.
func registerRoomModule(L *lua.LState, r *room.Room) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"id": func(L *lua.LState) int {
			L.Push(lua.LString(r.ID()))
			return 1
		},
		"host": func(L *lua.LState) int {
			L.Push(lua.LString(r.HostID()))
			return 1
		},
		"clients": func(L *lua.LState) int {
			clients := r.Clients()
			t := L.CreateTable(len(clients), 0)
			for i, c := range clients {
				t.RawSetInt(i+1, lua.LString(c.ID))
			}
			L.Push(t)
			return 1
		},
		// room.broadcast(type, data [, except])
		"broadcast": func(L *lua.LState) int {
			msgType := L.CheckString(1)
			r.Broadcast(msgType, fromLua(L.Get(2)), stringList(L.Get(3))...)
			return 0
		},
		// room.send(client_id, type, data) -> ok, err
		"send": func(L *lua.LState) int {
			if err := r.Send(L.CheckString(1), L.CheckString(2), fromLua(L.Get(3))); err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		},
		"lock": func(L *lua.LState) int {
			if err := r.Lock(); err != nil {
				L.RaiseError("locking room: %s", err.Error())
			}
			return 0
		},
		"unlock": func(L *lua.LState) int {
			if err := r.Unlock(); err != nil {
				L.RaiseError("unlocking room: %s", err.Error())
			}
			return 0
		},
		"set_data": func(L *lua.LState) int {
			data, _ := fromLua(L.CheckTable(1)).(map[string]any)
			if data == nil {
				data = map[string]any{}
			}
			if err := r.SetData(data); err != nil {
				L.RaiseError("setting room data: %s", err.Error())
			}
			return 0
		},
		"log": func(L *lua.LState) int {
			r.Logger().Info("script", zap.String("message", L.CheckString(1)))
			return 0
		},
	})
	L.SetGlobal("room", mod)
}
