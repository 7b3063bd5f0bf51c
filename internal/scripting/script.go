package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/catalog"
	"github.com/magx-io/magx/internal/room"
)

// Hook names a script may define as globals.
const (
	HookCreate  = "on_create"
	HookJoin    = "on_join"
	HookMessage = "on_message"
	HookLeave   = "on_leave"
	HookClose   = "on_close"
)

// ErrRejected is returned when on_join returns false.
var ErrRejected = errors.New("rejected by script")

// Script is a compiled room script. One Script serves every room of its type;
// each room runs it in a VM of its own.
type Script struct {
	name  string
	proto *lua.FunctionProto
	limit int
}

// Compile parses src. name is used in Lua error messages.
//
// Precondition: limit >= 0; 0 uses DefaultInstructionLimit per hook call.
func Compile(name, src string, limit int) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("scripting: parsing %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("scripting: compiling %s: %w", name, err)
	}
	return &Script{name: name, proto: proto, limit: limit}, nil
}

// LoadFile reads and compiles the script at path.
func LoadFile(path string, limit int) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading %s: %w", path, err)
	}
	return Compile(path, string(src), limit)
}

// Builder returns the catalog builder for script rooms.
func Builder(limit int) catalog.Builder {
	return func(e catalog.Entry) (room.Factory, error) {
		s, err := LoadFile(e.Script, limit)
		if err != nil {
			return nil, err
		}
		return s.Factory(), nil
	}
}

// vm is one room's Lua state. Hooks run under the room lock, so L is never
// used by two goroutines at once.
type vm struct {
	script *Script
	L      *lua.LState
	logger *zap.Logger
	closed bool
}

// call runs hook with args and returns its first two results. A missing hook
// or a closed VM returns (LNil, LNil, nil).
func (v *vm) call(hook string, args ...lua.LValue) (lua.LValue, lua.LValue, error) {
	if v.closed {
		return lua.LNil, lua.LNil, nil
	}
	fn, ok := v.L.GetGlobal(hook).(*lua.LFunction)
	if !ok {
		return lua.LNil, lua.LNil, nil
	}
	release := WithInstructionLimit(v.L, v.script.limit)
	defer release()
	if err := v.L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, args...); err != nil {
		return lua.LNil, lua.LNil, fmt.Errorf("%s: %w", hook, err)
	}
	first, second := v.L.Get(-2), v.L.Get(-1)
	v.L.Pop(2)
	return first, second, nil
}

// notify runs a hook whose failure cannot be reported to a caller.
func (v *vm) notify(hook string, args ...lua.LValue) {
	if _, _, err := v.call(hook, args...); err != nil {
		v.logger.Warn("scripting: Lua runtime error", zap.String("hook", hook), zap.Error(err))
	}
}

func (v *vm) open(r *room.Room, params map[string]any) error {
	v.L = NewSandboxedState()
	v.logger = r.Logger().With(zap.String("script", v.script.name))
	registerRoomModule(v.L, r)

	release := WithInstructionLimit(v.L, v.script.limit)
	v.L.Push(v.L.NewFunctionFromProto(v.script.proto))
	err := v.L.PCall(0, lua.MultRet, nil)
	release()
	if err != nil {
		v.closed = true
		v.L.Close()
		return fmt.Errorf("scripting: running %s: %w", v.script.name, err)
	}
	if _, _, err := v.call(HookCreate, toLua(v.L, params)); err != nil {
		v.closed = true
		v.L.Close()
		return err
	}
	return nil
}

// Factory returns the room factory that runs s.
func (s *Script) Factory() room.Factory {
	return func() *room.Behavior {
		v := &vm{script: s}
		return &room.Behavior{
			OnCreate: func(_ context.Context, r *room.Room, params map[string]any) error {
				return v.open(r, params)
			},
			OnJoin: func(_ context.Context, _ *room.Room, c *room.ClientRef, options map[string]any) error {
				ok, reason, err := v.call(HookJoin, lua.LString(c.ID), toLua(v.L, options))
				if err != nil {
					return err
				}
				if ok == lua.LFalse {
					if reason != lua.LNil {
						return fmt.Errorf("%w: %s", ErrRejected, reason.String())
					}
					return ErrRejected
				}
				return nil
			},
			OnMessage: func(_ context.Context, _ *room.Room, c *room.ClientRef, msgType string, data json.RawMessage) error {
				var payload any
				if len(data) > 0 {
					if err := json.Unmarshal(data, &payload); err != nil {
						return fmt.Errorf("decoding %s message: %w", msgType, err)
					}
				}
				_, _, err := v.call(HookMessage, lua.LString(c.ID), lua.LString(msgType), toLua(v.L, payload))
				return err
			},
			OnLeave: func(_ context.Context, _ *room.Room, c *room.ClientRef, consented bool) error {
				_, _, err := v.call(HookLeave, lua.LString(c.ID), lua.LBool(consented))
				return err
			},
			// Clients still attached leave after OnClose; their on_leave is skipped.
			OnClose: func(_ context.Context, _ *room.Room) {
				v.notify(HookClose)
				v.closed = true
				v.L.Close()
			},
		}
	}
}
