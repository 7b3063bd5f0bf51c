package scripting

import (
	"encoding/json"

	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds table nesting when converting Lua values, which may be cyclic.
const maxDepth = 32

// toLua converts a JSON-shaped Go value into a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case map[string]any:
		t := L.CreateTable(0, len(v))
		for k, x := range v {
			t.RawSetString(k, toLua(L, x))
		}
		return t
	case []any:
		t := L.CreateTable(len(v), 0)
		for i, x := range v {
			t.RawSetInt(i+1, toLua(L, x))
		}
		return t
	case []string:
		t := L.CreateTable(len(v), 0)
		for i, x := range v {
			t.RawSetInt(i+1, lua.LString(x))
		}
		return t
	}
	// Anything else goes through its JSON form.
	raw, err := json.Marshal(v)
	if err != nil {
		return lua.LNil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return lua.LNil
	}
	return toLua(L, generic)
}

// fromLua converts a Lua value into its JSON-shaped Go form. Tables whose keys
// are exactly 1..n become slices; every other table becomes a map keyed by the
// string form of its keys.
func fromLua(v lua.LValue) any { return fromLuaDepth(v, 0) }

func fromLuaDepth(v lua.LValue, depth int) any {
	switch v.Type() {
	case lua.LTNil:
		return nil
	case lua.LTBool:
		return bool(v.(lua.LBool))
	case lua.LTNumber:
		return float64(v.(lua.LNumber))
	case lua.LTString:
		return string(v.(lua.LString))
	case lua.LTTable:
		if depth >= maxDepth {
			return nil
		}
		return tableToGo(v.(*lua.LTable), depth+1)
	}
	return v.String()
}

func tableToGo(t *lua.LTable, depth int) any {
	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if n > 0 && n == count {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			out[i-1] = fromLuaDepth(t.RawGetInt(i), depth)
		}
		return out
	}
	out := make(map[string]any, count)
	t.ForEach(func(k, x lua.LValue) {
		out[k.String()] = fromLuaDepth(x, depth)
	})
	return out
}

// stringList reads a Lua array of strings, skipping other values.
func stringList(v lua.LValue) []string {
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	for i := 1; i <= t.MaxN(); i++ {
		if s, ok := t.RawGetInt(i).(lua.LString); ok {
			out = append(out, string(s))
		}
	}
	return out
}
