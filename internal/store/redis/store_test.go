package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerverless/jobqueue/internal/clock"
	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/job/jobtest"
)

func newTestStore(t *testing.T, opts ...job.Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := New(client, "", nil, opts...)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestStore(t *testing.T) {
	jobtest.Run(t, func(t *testing.T, opts ...job.Option) job.Store {
		s, _ := newTestStore(t, opts...)
		return s
	})
}

func TestStore_KeyLayout(t *testing.T) {
	clk := clock.NewManual(jobtest.Start)
	s, mr := newTestStore(t, job.WithClock(clk))
	ctx := context.Background()

	id, err := s.Enqueue(ctx, []byte(`{"kind":"sleep"}`), 2)
	require.NoError(t, err)

	assert.True(t, mr.Exists("jobqueue:job:"+id))
	assert.Equal(t, "waiting", mr.HGet("jobqueue:job:"+id, "state"))
	members, err := mr.ZMembers("jobqueue:waiting")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)

	_, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = s.Fail(ctx, id, job.Failure{Retryable: true, Delay: time.Minute})
	require.NoError(t, err)

	delayed, err := mr.ZMembers("jobqueue:delayed")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, delayed)
	waiting, _ := mr.ZMembers("jobqueue:waiting")
	assert.Empty(t, waiting, "retried job waits in the delayed set")
}

func TestStore_CustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := New(client, "tenant-a:", nil)
	defer s.Close()

	id, err := s.Enqueue(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("tenant-a:job:"+id))
	assert.False(t, mr.Exists("jobqueue:job:"+id))
}

func TestStore_ServerDownIsUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, nil, 0)
	require.NoError(t, err)
	mr.Close()

	_, err = s.Enqueue(ctx, nil, 0)
	assert.ErrorIs(t, err, job.ErrStoreUnavailable)
	_, err = s.ClaimNext(ctx)
	assert.ErrorIs(t, err, job.ErrStoreUnavailable)
	_, err = s.Complete(ctx, id)
	assert.ErrorIs(t, err, job.ErrStoreUnavailable)
	_, err = s.Stats(ctx)
	assert.ErrorIs(t, err, job.ErrStoreUnavailable)
}

func TestOpen_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), addr, "", nil)
	assert.ErrorIs(t, err, job.ErrStoreUnavailable)
}
