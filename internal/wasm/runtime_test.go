package wasm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Header only, no functions.
var emptyWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic
	0x01, 0x00, 0x00, 0x00, // version
}

// (module (func (export "run")))
var runWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic
	0x01, 0x00, 0x00, 0x00, // version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: () -> ()
	0x03, 0x02, 0x01, 0x00, // function section: 1 func of type 0
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00, // export "run" -> func 0
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code section: empty func
}

// (module (func (export "run") unreachable))
var trapWasm = []byte{
	0x00, 0x61, 0x73, 0x6d,
	0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00,
	0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b, // code section: unreachable
}

// (module (func (export "run") (loop (br 0))))
var loopWasm = []byte{
	0x00, 0x61, 0x73, 0x6d,
	0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // code section: loop br 0 end end
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := NewRuntime()
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func TestExecute_EmptyRun(t *testing.T) {
	res, err := newRuntime(t).Execute(context.Background(), runWasm, json.RawMessage(`{"n":1}`), 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Value)
}

func TestExecute_InvalidModules(t *testing.T) {
	rt := newRuntime(t)
	for name, module := range map[string][]byte{
		"garbage":     []byte("not wasm"),
		"no run func": emptyWasm,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := rt.Execute(context.Background(), module, nil, 5*time.Second)
			assert.ErrorIs(t, err, ErrInvalidModule)
		})
	}
}

func TestExecute_TrapIsNotInvalidModule(t *testing.T) {
	_, err := newRuntime(t).Execute(context.Background(), trapWasm, nil, 5*time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidModule)
}

func TestExecute_Timeout(t *testing.T) {
	start := time.Now()
	_, err := newRuntime(t).Execute(context.Background(), loopWasm, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
