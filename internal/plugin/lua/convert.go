// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package lua

import (
	"fmt"

	glua "github.com/yuin/gopher-lua"
)

// named lets session values cross into Lua as their client name without
// this package depending on the session type.
type named interface {
	Name() string
}

// toLua converts a dispatched event argument into a Lua value. Maps and
// slices become tables; anything unrecognized becomes its string form.
func toLua(L *glua.LState, v any) glua.LValue {
	switch val := v.(type) {
	case nil:
		return glua.LNil
	case bool:
		return glua.LBool(val)
	case string:
		return glua.LString(val)
	case int:
		return glua.LNumber(val)
	case int64:
		return glua.LNumber(val)
	case float64:
		return glua.LNumber(val)
	case []byte:
		return glua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, toLua(L, item))
		}
		return tbl
	case named:
		return glua.LString(val.Name())
	case error:
		return glua.LString(val.Error())
	default:
		return glua.LString(fmt.Sprintf("%v", val))
	}
}

// fromLua converts a Lua value into a Go event argument. Tables with only
// consecutive integer keys become slices, others become maps.
func fromLua(v glua.LValue) any {
	switch val := v.(type) {
	case *glua.LNilType:
		return nil
	case glua.LBool:
		return bool(val)
	case glua.LString:
		return string(val)
	case glua.LNumber:
		return float64(val)
	case *glua.LTable:
		return tableToGo(val)
	default:
		return val.String()
	}
}

func tableToGo(tbl *glua.LTable) any {
	length := tbl.Len()
	if length > 0 {
		out := make([]any, 0, length)
		for i := 1; i <= length; i++ {
			out = append(out, fromLua(tbl.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any)
	tbl.ForEach(func(k, v glua.LValue) {
		out[k.String()] = fromLua(v)
	})
	if len(out) == 0 {
		return []any{}
	}
	return out
}
