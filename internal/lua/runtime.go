// Package lua runs job scripts written in Lua.
package lua

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	lua "github.com/yuin/gopher-lua"
)

// ErrSyntax marks scripts that fail to compile. Retrying them cannot help.
var ErrSyntax = errors.New("lua syntax error")

type Result struct {
	// Output is everything the script passed to print.
	Output string
	// Value is the script's first return value as JSON, "null" if none.
	Value json.RawMessage
}

type Runtime struct{}

func NewRuntime() *Runtime {
	return &Runtime{}
}

// Execute runs code with the decoded input bound to the global INPUT. The
// script is interrupted when ctx is done or timeout elapses.
func (r *Runtime) Execute(ctx context.Context, code string, input json.RawMessage, timeout time.Duration) (*Result, error) {
	L := lua.NewState()
	defer L.Close()

	var output strings.Builder
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		for i := 1; i <= n; i++ {
			if i > 1 {
				output.WriteString("\t")
			}
			output.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		output.WriteString("\n")
		return 0
	}))

	if len(input) > 0 {
		var v any
		if err := json.Unmarshal(input, &v); err != nil {
			return nil, errors.Wrap(err, "decode script input")
		}
		L.SetGlobal("INPUT", goToLua(L, v))
	}

	fn, err := L.LoadString(code)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.Wrapf(ErrSyntax, "compile lua: %v", err), err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	L.SetContext(ctx)

	base := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "lua script interrupted")
		}
		return nil, errors.Wrap(err, "run lua")
	}

	var ret any
	if L.GetTop() > base {
		ret = luaToGo(L.Get(base + 1))
	}
	// The script already ran; a value JSON cannot hold (NaN, functions)
	// becomes null rather than failing the run.
	value, err := json.Marshal(ret)
	if err != nil {
		value = json.RawMessage("null")
	}
	return &Result{Output: output.String(), Value: value}, nil
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case map[string]any:
		t := L.NewTable()
		for k, v := range val {
			L.SetField(t, k, goToLua(L, v))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, v := range val {
			L.SetTable(t, lua.LNumber(i+1), goToLua(L, v))
		}
		return t
	default:
		return lua.LNil
	}
}

// luaToGo converts a Lua value into something encoding/json understands.
// Tables with a non-empty array part become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			m[k.String()] = luaToGo(v)
		})
		return m
	default:
		return nil
	}
}
