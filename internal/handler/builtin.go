package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/js"
	"github.com/zerverless/jobqueue/internal/lua"
	"github.com/zerverless/jobqueue/internal/wasm"
	"github.com/zerverless/jobqueue/internal/worker"
)

const (
	DefaultSleep         = 2 * time.Second
	DefaultScriptTimeout = 30 * time.Second
)

// Default returns a registry with the built-in kinds:
//
//	{"kind":"sleep","duration":"2s","message":"..."}
//	{"kind":"lua","code":"return INPUT.n * 2","input":{"n":21}}
//	{"kind":"js","code":"INPUT.n * 2","input":{"n":21}}
//	{"kind":"wasm","module":"<base64 module>","input":{"n":21}}
//	{"kind":"fail","message":"...","permanent":false}
func Default(logger *zap.SugaredLogger, scriptTimeout time.Duration) *Registry {
	if scriptTimeout <= 0 {
		scriptTimeout = DefaultScriptTimeout
	}
	r := NewRegistry(logger)
	r.Register("sleep", Sleep(r.logger))
	r.Register("lua", Lua(lua.NewRuntime(), scriptTimeout, r.logger))
	r.Register("js", JS(js.NewRuntime(), scriptTimeout, r.logger))
	wasmRuntime := wasm.NewRuntime()
	r.OnClose(wasmRuntime.Close)
	r.Register("wasm", Wasm(wasmRuntime, scriptTimeout, r.logger))
	r.Register("fail", Fail())
	return r
}

type sleepPayload struct {
	Duration string `json:"duration"`
	Message  string `json:"message"`
}

// Sleep simulates work: it waits for the payload's duration, then logs.
func Sleep(logger *zap.SugaredLogger) worker.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var p sleepPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return worker.Permanent(errors.Wrap(err, "decode sleep payload"))
		}
		d := DefaultSleep
		if p.Duration != "" {
			var err error
			if d, err = time.ParseDuration(p.Duration); err != nil {
				return worker.Permanent(errors.Wrap(err, "parse sleep duration"))
			}
		}

		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		logger.Infow("Processed job", "job_id", j.ID, "attempt", j.Attempts, "slept", d, "message", p.Message)
		return nil
	}
}

type scriptPayload struct {
	Code  string          `json:"code"`
	Input json.RawMessage `json:"input"`
}

func decodeScript(j *job.Job) (scriptPayload, error) {
	var p scriptPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, worker.Permanent(errors.Wrap(err, "decode script payload"))
	}
	if p.Code == "" {
		return p, worker.Permanent(errors.New("script payload has no code"))
	}
	return p, nil
}

// Lua runs the payload's code with gopher-lua. Syntax errors are permanent.
func Lua(rt *lua.Runtime, timeout time.Duration, logger *zap.SugaredLogger) worker.Handler {
	return func(ctx context.Context, j *job.Job) error {
		p, err := decodeScript(j)
		if err != nil {
			return err
		}
		res, err := rt.Execute(ctx, p.Code, p.Input, timeout)
		if errors.Is(err, lua.ErrSyntax) {
			return worker.Permanent(err)
		}
		if err != nil {
			return err
		}
		logger.Infow("Lua job finished", "job_id", j.ID, "output", res.Output, "value", string(res.Value))
		return nil
	}
}

// JS runs the payload's code with goja. Syntax errors are permanent.
func JS(rt *js.Runtime, timeout time.Duration, logger *zap.SugaredLogger) worker.Handler {
	return func(ctx context.Context, j *job.Job) error {
		p, err := decodeScript(j)
		if err != nil {
			return err
		}
		res, err := rt.Execute(ctx, p.Code, p.Input, timeout)
		if errors.Is(err, js.ErrSyntax) {
			return worker.Permanent(err)
		}
		if err != nil {
			return err
		}
		logger.Infow("JavaScript job finished", "job_id", j.ID, "output", res.Output, "value", string(res.Value))
		return nil
	}
}

type wasmPayload struct {
	Module []byte          `json:"module"`
	Input  json.RawMessage `json:"input"`
}

// Wasm runs a base64-encoded WebAssembly module with wazero. Modules that
// fail to compile or have no entry point are permanent failures.
func Wasm(rt *wasm.Runtime, timeout time.Duration, logger *zap.SugaredLogger) worker.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var p wasmPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return worker.Permanent(errors.Wrap(err, "decode wasm payload"))
		}
		if len(p.Module) == 0 {
			return worker.Permanent(errors.New("wasm payload has no module"))
		}
		res, err := rt.Execute(ctx, p.Module, p.Input, timeout)
		if errors.Is(err, wasm.ErrInvalidModule) {
			return worker.Permanent(err)
		}
		if err != nil {
			return err
		}
		logger.Infow("Wasm job finished", "job_id", j.ID, "value", string(res.Value))
		return nil
	}
}

type failPayload struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent"`
}

// Fail always returns an error. It exists to exercise retries.
func Fail() worker.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var p failPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return worker.Permanent(errors.Wrap(err, "decode fail payload"))
		}
		msg := p.Message
		if msg == "" {
			msg = "requested failure"
		}
		err := errors.Newf("%s (attempt %d of %d)", msg, j.Attempts, j.MaxAttempts)
		if p.Permanent {
			return worker.Permanent(err)
		}
		return err
	}
}
