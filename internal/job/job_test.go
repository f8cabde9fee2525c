package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)

func TestNew(t *testing.T) {
	j, err := New(json.RawMessage(`{"a":1}`), 0, t0)
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StateWaiting, j.State)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, t0.Truncate(time.Microsecond), j.EnqueuedAt)
	assert.Equal(t, j.EnqueuedAt, j.AvailableAt)
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.FinishedAt)

	other, err := New(nil, 2, t0)
	require.NoError(t, err)
	assert.NotEqual(t, j.ID, other.ID)
	assert.Equal(t, "null", string(other.Payload))
	assert.Equal(t, 2, other.MaxAttempts)
}

func TestNew_InvalidPayload(t *testing.T) {
	_, err := New(json.RawMessage(`{"a":`), 0, t0)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"", "waiting", "active", "completed", "failed"} {
		st, err := ParseState(s)
		require.NoError(t, err)
		assert.Equal(t, State(s), st)
	}
	_, err := ParseState("running")
	assert.Error(t, err)
}

func TestJob_Lifecycle(t *testing.T) {
	j, err := New(nil, 2, t0)
	require.NoError(t, err)

	require.NoError(t, j.Claim(t0.Add(time.Second)))
	assert.Equal(t, StateActive, j.State)
	assert.Equal(t, 1, j.Attempts)
	started := *j.StartedAt

	require.NoError(t, j.Fail(Failure{Retryable: true, Reason: "flaky", Delay: time.Minute}, t0.Add(2*time.Second)))
	assert.Equal(t, StateWaiting, j.State)
	assert.Equal(t, "flaky", j.LastError)
	assert.Equal(t, Timestamp(t0.Add(2*time.Second+time.Minute)), j.AvailableAt)

	require.NoError(t, j.Claim(t0.Add(3*time.Minute)))
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, started, *j.StartedAt, "StartedAt is set on the first claim only")

	require.NoError(t, j.Fail(Failure{Retryable: true, Reason: "flaky again"}, t0.Add(4*time.Minute)))
	assert.Equal(t, StateFailed, j.State, "attempts exhausted")
	require.NotNil(t, j.FinishedAt)
	assert.True(t, j.State.Terminal())
}

func TestJob_InvalidTransitions(t *testing.T) {
	j, err := New(nil, 1, t0)
	require.NoError(t, err)

	assert.ErrorIs(t, j.Complete(t0), ErrNotFound)
	assert.ErrorIs(t, j.Fail(Failure{}, t0), ErrNotFound)

	require.NoError(t, j.Claim(t0))
	assert.ErrorIs(t, j.Claim(t0), ErrNotFound)
	require.NoError(t, j.Complete(t0))
	assert.ErrorIs(t, j.Complete(t0), ErrNotFound)
	assert.Equal(t, 1, j.Attempts)
}

func TestJob_Abandon(t *testing.T) {
	j, err := New(nil, 1, t0)
	require.NoError(t, err)
	require.NoError(t, j.Claim(t0))

	require.NoError(t, j.Abandon(t0))
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, "abandoned", j.LastError)
}

func TestJob_Clone(t *testing.T) {
	j, err := New(json.RawMessage(`[1]`), 1, t0)
	require.NoError(t, err)
	require.NoError(t, j.Claim(t0))

	c := j.Clone()
	c.Payload[1] = '2'
	*c.StartedAt = t0.Add(time.Hour)

	assert.Equal(t, `[1]`, string(j.Payload))
	assert.Equal(t, Timestamp(t0), *j.StartedAt)
}

func TestPage(t *testing.T) {
	var jobs []*Job
	for i := 0; i < 5; i++ {
		j, err := New(nil, 1, t0.Add(time.Duration(4-i)*time.Second))
		require.NoError(t, err)
		if i%2 == 0 {
			j.State = StateCompleted
		}
		jobs = append(jobs, j)
	}

	page, total := Page(jobs, ListOptions{})
	assert.Equal(t, 5, total)
	require.Len(t, page, 5)
	for i := 1; i < len(page); i++ {
		assert.True(t, page[i-1].Before(page[i]))
	}

	page, total = Page(jobs, ListOptions{State: StateCompleted, Limit: 2})
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	page, total = Page(jobs, ListOptions{Offset: 4, Limit: 10})
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)

	page, _ = Page(jobs, ListOptions{Offset: -3, Limit: 1})
	assert.Len(t, page, 1)

	page, _ = Page(jobs, ListOptions{Offset: 9})
	assert.NotNil(t, page)
	assert.Empty(t, page)
}

func TestStats_Add(t *testing.T) {
	var st Stats
	for _, s := range []State{StateWaiting, StateWaiting, StateActive, StateFailed} {
		st.Add(s)
	}
	assert.Equal(t, Stats{Waiting: 2, Active: 1, Failed: 1, Total: 4}, st)
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable(cause, "claim job")

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "claim job: connection refused", err.Error())

	wrapped := fmt.Errorf("worker 3: %w", err)
	assert.ErrorIs(t, wrapped, ErrStoreUnavailable)
}
