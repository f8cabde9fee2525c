// Package js runs job scripts written in JavaScript.
package js

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dop251/goja"
)

// ErrSyntax marks scripts that fail to compile. Retrying them cannot help.
var ErrSyntax = errors.New("javascript syntax error")

type Result struct {
	// Output is everything the script passed to console.log.
	Output string
	// Value is the completion value of the script as JSON, "null" if none.
	Value json.RawMessage
}

type Runtime struct{}

func NewRuntime() *Runtime {
	return &Runtime{}
}

// Execute runs code with the decoded input bound to the global INPUT. The
// script is interrupted when ctx is done or timeout elapses.
func (r *Runtime) Execute(ctx context.Context, code string, input json.RawMessage, timeout time.Duration) (*Result, error) {
	prog, err := goja.Compile("job.js", code, false)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.Wrapf(ErrSyntax, "compile javascript: %v", err), err)
	}

	vm := goja.New()

	var output strings.Builder
	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		output.WriteString(strings.Join(args, " "))
		output.WriteString("\n")
		return goja.Undefined()
	})
	vm.Set("console", console)

	if len(input) > 0 {
		var v any
		if err := json.Unmarshal(input, &v); err != nil {
			return nil, errors.Wrap(err, "decode script input")
		}
		vm.Set("INPUT", v)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := vm.RunProgram(prog)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "javascript interrupted")
		}
		return nil, errors.Wrap(err, "run javascript")
	}

	var ret any
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		ret = val.Export()
	}
	// The script already ran; a value JSON cannot hold (NaN, functions)
	// becomes null rather than failing the run.
	value, err := json.Marshal(ret)
	if err != nil {
		value = json.RawMessage("null")
	}
	return &Result{Output: output.String(), Value: value}, nil
}
