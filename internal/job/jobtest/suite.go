// Package jobtest holds the behavioral suite every job.Store must pass.
package jobtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerverless/jobqueue/internal/clock"
	"github.com/zerverless/jobqueue/internal/job"
)

// Factory returns an empty store built with opts. The factory owns cleanup.
type Factory func(t *testing.T, opts ...job.Option) job.Store

// Start is the manual clock's initial reading in every test.
var Start = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// Run exercises newStore against the queue contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s job.Store, clk *clock.Manual)
	}{
		{"EnqueueCreatesWaitingJob", testEnqueue},
		{"EnqueueRejectsInvalidPayload", testEnqueueInvalid},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimFIFO", testClaimFIFO},
		{"ClaimTiesBrokenByID", testClaimTiesBrokenByID},
		{"ClaimMarksActive", testClaimMarksActive},
		{"CompleteSingleAttempt", testCompleteSingleAttempt},
		{"RetryableFailureRequeues", testRetryableFailure},
		{"ExhaustedAttemptsFail", testExhaustedAttempts},
		{"PermanentFailureIsTerminal", testPermanentFailure},
		{"RetryDelay", testRetryDelay},
		{"DelayedJobDoesNotBlockQueue", testDelayedDoesNotBlock},
		{"NotFound", testNotFound},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaims},
		{"TwoWorkersRaceForOneJob", testRaceForOne},
		{"RequeueActive", testRequeueActive},
		{"ListAndStats", testListAndStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewManual(Start)
			tt.fn(t, newStore(t, job.WithClock(clk)), clk)
		})
	}
}

func enqueue(t *testing.T, s job.Store, payload string, maxAttempts int) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), json.RawMessage(payload), maxAttempts)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func claim(t *testing.T, s job.Store) *job.Job {
	t.Helper()
	j, err := s.ClaimNext(context.Background())
	require.NoError(t, err)
	return j
}

func get(t *testing.T, s job.Store, id string) *job.Job {
	t.Helper()
	j, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func assertTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

func testEnqueue(t *testing.T, s job.Store, clk *clock.Manual) {
	id := enqueue(t, s, `{"to":"user@example.com"}`, 0)

	j := get(t, s, id)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, job.StateWaiting, j.State)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, job.DefaultMaxAttempts, j.MaxAttempts)
	assert.JSONEq(t, `{"to":"user@example.com"}`, string(j.Payload))
	assert.True(t, clk.Now().Equal(j.EnqueuedAt))
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.FinishedAt)

	other := enqueue(t, s, `null`, 5)
	assert.NotEqual(t, id, other)
	assert.Equal(t, 5, get(t, s, other).MaxAttempts)
}

func testEnqueueInvalid(t *testing.T, s job.Store, _ *clock.Manual) {
	_, err := s.Enqueue(context.Background(), json.RawMessage(`{not json`), 0)
	assert.ErrorIs(t, err, job.ErrInvalidPayload)
}

func testClaimEmpty(t *testing.T, s job.Store, _ *clock.Manual) {
	assert.Nil(t, claim(t, s))
}

func testClaimFIFO(t *testing.T, s job.Store, clk *clock.Manual) {
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, enqueue(t, s, fmt.Sprintf(`{"n":%d}`, i), 0))
		clk.Advance(time.Millisecond)
	}

	for _, want := range ids {
		j := claim(t, s)
		require.NotNil(t, j)
		assert.Equal(t, want, j.ID)
	}
	assert.Nil(t, claim(t, s))
}

// Jobs enqueued at the same instant are claimed in id order.
func testClaimTiesBrokenByID(t *testing.T, s job.Store, _ *clock.Manual) {
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, enqueue(t, s, fmt.Sprintf(`{"n":%d}`, i), 0))
	}
	sort.Strings(ids)

	var got []string
	for range ids {
		j := claim(t, s)
		require.NotNil(t, j)
		got = append(got, j.ID)
	}
	assert.Equal(t, ids, got)
	assert.Nil(t, claim(t, s))
}

func testClaimMarksActive(t *testing.T, s job.Store, clk *clock.Manual) {
	id := enqueue(t, s, `{"x":1}`, 0)
	clk.Advance(time.Second)

	j := claim(t, s)
	require.NotNil(t, j)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, job.StateActive, j.State)
	assert.Equal(t, 1, j.Attempts)
	assert.JSONEq(t, `{"x":1}`, string(j.Payload))
	assertTime(t, clk.Now(), j.StartedAt)

	stored := get(t, s, id)
	assert.Equal(t, job.StateActive, stored.State)
	assert.Equal(t, 1, stored.Attempts)
}

func testCompleteSingleAttempt(t *testing.T, s job.Store, clk *clock.Manual) {
	id := enqueue(t, s, `{}`, 1)
	require.NotNil(t, claim(t, s))
	clk.Advance(250 * time.Millisecond)

	j, err := s.Complete(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, j.State)
	assert.Equal(t, 1, j.Attempts)
	assertTime(t, clk.Now(), j.FinishedAt)

	stored := get(t, s, id)
	assert.Equal(t, job.StateCompleted, stored.State)
	assertTime(t, clk.Now(), stored.FinishedAt)
	assert.Nil(t, claim(t, s))
}

func testRetryableFailure(t *testing.T, s job.Store, clk *clock.Manual) {
	id := enqueue(t, s, `{}`, 3)
	first := claim(t, s)
	require.NotNil(t, first)
	startedAt := *first.StartedAt

	clk.Advance(time.Second)
	j, err := s.Fail(context.Background(), id, job.Failure{Retryable: true, Reason: "smtp timeout"})
	require.NoError(t, err)
	assert.Equal(t, job.StateWaiting, j.State)
	assert.Equal(t, "smtp timeout", j.LastError)
	assert.Nil(t, j.FinishedAt)

	again := claim(t, s)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assertTime(t, startedAt, again.StartedAt)
}

func testExhaustedAttempts(t *testing.T, s job.Store, clk *clock.Manual) {
	id := enqueue(t, s, `{}`, 3)

	for attempt := 1; attempt <= 3; attempt++ {
		j := claim(t, s)
		require.NotNil(t, j, "attempt %d", attempt)
		assert.Equal(t, attempt, j.Attempts)
		clk.Advance(time.Millisecond)
		_, err := s.Fail(context.Background(), id, job.Failure{Retryable: true, Reason: fmt.Sprintf("boom %d", attempt)})
		require.NoError(t, err)
	}

	assert.Nil(t, claim(t, s))

	j := get(t, s, id)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, 3, j.Attempts)
	assert.Equal(t, "boom 3", j.LastError)
	assertTime(t, clk.Now(), j.FinishedAt)
}

func testPermanentFailure(t *testing.T, s job.Store, _ *clock.Manual) {
	id := enqueue(t, s, `{}`, 5)
	require.NotNil(t, claim(t, s))

	j, err := s.Fail(context.Background(), id, job.Failure{Retryable: false, Reason: "bad input"})
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, 1, j.Attempts)
	assert.NotNil(t, j.FinishedAt)
	assert.Nil(t, claim(t, s))
}

func testRetryDelay(t *testing.T, s job.Store, clk *clock.Manual) {
	id := enqueue(t, s, `{}`, 3)
	require.NotNil(t, claim(t, s))

	j, err := s.Fail(context.Background(), id, job.Failure{Retryable: true, Reason: "later", Delay: 10 * time.Second})
	require.NoError(t, err)
	assert.True(t, clk.Now().Add(10*time.Second).Equal(j.AvailableAt))

	assert.Nil(t, claim(t, s), "job must not be claimable before its delay")
	clk.Advance(9 * time.Second)
	assert.Nil(t, claim(t, s))
	clk.Advance(time.Second)

	again := claim(t, s)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func testDelayedDoesNotBlock(t *testing.T, s job.Store, clk *clock.Manual) {
	delayed := enqueue(t, s, `{"n":1}`, 3)
	clk.Advance(time.Millisecond)
	ready := enqueue(t, s, `{"n":2}`, 3)

	require.Equal(t, delayed, claim(t, s).ID)
	_, err := s.Fail(context.Background(), delayed, job.Failure{Retryable: true, Delay: time.Minute})
	require.NoError(t, err)

	j := claim(t, s)
	require.NotNil(t, j)
	assert.Equal(t, ready, j.ID)

	clk.Advance(time.Minute)
	j = claim(t, s)
	require.NotNil(t, j)
	assert.Equal(t, delayed, j.ID)
}

func testNotFound(t *testing.T, s job.Store, _ *clock.Manual) {
	ctx := context.Background()

	_, err := s.Complete(ctx, "no-such-job")
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = s.Fail(ctx, "no-such-job", job.Failure{Retryable: true})
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = s.Get(ctx, "no-such-job")
	assert.ErrorIs(t, err, job.ErrNotFound)

	id := enqueue(t, s, `{}`, 3)
	_, err = s.Complete(ctx, id)
	assert.ErrorIs(t, err, job.ErrNotFound, "waiting job is not active")
	_, err = s.Fail(ctx, id, job.Failure{Retryable: true})
	assert.ErrorIs(t, err, job.ErrNotFound, "waiting job is not active")

	require.NotNil(t, claim(t, s))
	_, err = s.Complete(ctx, id)
	require.NoError(t, err)
	_, err = s.Complete(ctx, id)
	assert.ErrorIs(t, err, job.ErrNotFound, "completed job is not active")
	_, err = s.Fail(ctx, id, job.Failure{})
	assert.ErrorIs(t, err, job.ErrNotFound, "completed job is not active")

	assert.Equal(t, job.StateCompleted, get(t, s, id).State)
}

func testConcurrentClaims(t *testing.T, s job.Store, _ *clock.Manual) {
	const jobs = 60
	const workers = 8
	for i := 0; i < jobs; i++ {
		enqueue(t, s, fmt.Sprintf(`{"n":%d}`, i), 0)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		errs    []error
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(context.Background())
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testRaceForOne(t *testing.T, s job.Store, _ *clock.Manual) {
	id := enqueue(t, s, `{}`, 0)

	start := make(chan struct{})
	results := make(chan *job.Job, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			j, err := s.ClaimNext(context.Background())
			assert.NoError(t, err)
			results <- j
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var got []*job.Job
	for j := range results {
		if j != nil {
			got = append(got, j)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, 1, got[0].Attempts)
}

func testRequeueActive(t *testing.T, s job.Store, clk *clock.Manual) {
	retry := enqueue(t, s, `{"n":1}`, 3)
	clk.Advance(time.Millisecond)
	last := enqueue(t, s, `{"n":2}`, 1)
	clk.Advance(time.Millisecond)
	untouched := enqueue(t, s, `{"n":3}`, 3)

	require.Equal(t, retry, claim(t, s).ID)
	require.Equal(t, last, claim(t, s).ID)

	n, err := s.RequeueActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	j := get(t, s, retry)
	assert.Equal(t, job.StateWaiting, j.State)
	assert.Equal(t, "abandoned", j.LastError)

	j = get(t, s, last)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, 1, j.Attempts)
	assert.NotNil(t, j.FinishedAt)

	assert.Equal(t, job.StateWaiting, get(t, s, untouched).State)

	again := claim(t, s)
	require.NotNil(t, again)
	assert.Equal(t, retry, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func testListAndStats(t *testing.T, s job.Store, clk *clock.Manual) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, enqueue(t, s, fmt.Sprintf(`{"n":%d}`, i), 1))
		clk.Advance(time.Millisecond)
	}
	require.Equal(t, ids[0], claim(t, s).ID)
	_, err := s.Complete(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, ids[1], claim(t, s).ID)
	_, err = s.Fail(ctx, ids[1], job.Failure{Retryable: false, Reason: "nope"})
	require.NoError(t, err)
	require.Equal(t, ids[2], claim(t, s).ID)

	all, total, err := s.List(ctx, job.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	for i, j := range all {
		assert.Equal(t, ids[i], j.ID)
	}

	waiting, total, err := s.List(ctx, job.ListOptions{State: job.StateWaiting})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, waiting, 1)
	assert.Equal(t, ids[3], waiting[0].ID)

	page, total, err := s.List(ctx, job.ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	empty, total, err := s.List(ctx, job.ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, empty)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.Stats{Waiting: 1, Active: 1, Completed: 1, Failed: 1, Total: 4}, st)
}
