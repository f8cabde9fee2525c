package js

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntime_SimpleReturn(t *testing.T) {
	result, err := NewRuntime().Execute(context.Background(), "40 + 2", nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(result.Value))
}

func TestRuntime_WithInput(t *testing.T) {
	input := json.RawMessage(`{"x": 10, "y": 5, "to": "ops@example.com"}`)
	result, err := NewRuntime().Execute(context.Background(), `({sum: INPUT.x + INPUT.y, to: INPUT.to})`, input, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":15,"to":"ops@example.com"}`, string(result.Value))
}

func TestRuntime_ConsoleLog(t *testing.T) {
	result, err := NewRuntime().Execute(context.Background(), `console.log("hello", "world")`, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", result.Output)
	assert.Equal(t, "null", string(result.Value))
}

func TestRuntime_SyntaxError(t *testing.T) {
	_, err := NewRuntime().Execute(context.Background(), "this is not valid js {{{", nil, 5*time.Second)
	assert.ErrorIs(t, err, ErrSyntax)
	assert.Contains(t, err.Error(), "compile javascript")
}

func TestRuntime_ThrowIsNotSyntax(t *testing.T) {
	_, err := NewRuntime().Execute(context.Background(), `throw new Error("quota exceeded")`, nil, 5*time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSyntax)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestRuntime_Timeout(t *testing.T) {
	_, err := NewRuntime().Execute(context.Background(), `while(true) {}`, nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRuntime_ArrayReturn(t *testing.T) {
	result, err := NewRuntime().Execute(context.Background(), `[1, "two", true]`, nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,"two",true]`, string(result.Value))
}

func TestRuntime_UnencodableReturnIsNull(t *testing.T) {
	res, err := NewRuntime().Execute(context.Background(), "console.log('sent'); NaN", nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, "null", string(res.Value))
	assert.Contains(t, res.Output, "sent")
}
