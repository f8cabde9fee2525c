package wasm

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// ErrInvalidModule marks modules that can never run: bad bytes or no entry
// point.
var ErrInvalidModule = errors.New("invalid wasm module")

// Runtime runs WebAssembly modules with wazero. Compiled modules are cached
// across calls.
//
// A module talks to the host through the "env" module:
//
//	get_input_len() -> i32
//	get_input(ptr, len)
//	set_output(ptr, len)
//
// and exports "run" (or "_start") as its entry point.
type Runtime struct {
	cache wazero.CompilationCache
}

type Result struct {
	// Value is whatever the module passed to set_output, if it was valid JSON.
	Value json.RawMessage `json:"value,omitempty"`
}

func NewRuntime() *Runtime {
	return &Runtime{cache: wazero.NewCompilationCache()}
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

func (r *Runtime) Execute(ctx context.Context, wasmBytes []byte, input json.RawMessage, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if len(input) == 0 {
		input = json.RawMessage("null")
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCompilationCache(r.cache).
		WithCloseOnContextDone(true))
	defer rt.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, errors.Wrap(err, "instantiate wasi")
	}

	var output []byte
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) {
			m.Memory().Write(ptr, input[:min(int(size), len(input))])
		}).
		Export("get_input").
		NewFunctionBuilder().
		WithFunc(func() uint32 {
			return uint32(len(input))
		}).
		Export("get_input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) {
			data, _ := m.Memory().Read(ptr, size)
			output = append([]byte(nil), data...)
		}).
		Export("set_output").
		Instantiate(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "host module")
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.Wrapf(ErrInvalidModule, "compile: %v", err), err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithStartFunctions().
		WithStdout(io.Discard).
		WithStderr(io.Discard))
	if err != nil {
		return nil, errors.Wrap(err, "instantiate")
	}
	defer mod.Close(ctx)

	run := mod.ExportedFunction("run")
	if run == nil {
		run = mod.ExportedFunction("_start")
	}
	if run == nil {
		return nil, errors.Wrap(ErrInvalidModule, "no 'run' or '_start' function exported")
	}

	if _, err := run.Call(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "wasm execution")
		}
		return nil, errors.Wrap(err, "wasm execution")
	}

	res := &Result{}
	if len(output) > 0 && json.Valid(output) {
		res.Value = output
	}
	return res, nil
}
