package job_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/db"
	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/job/jobtest"
)

func TestMemoryStore(t *testing.T) {
	jobtest.Run(t, func(t *testing.T, opts ...job.Option) job.Store {
		return job.NewMemoryStore(opts...)
	})
}

func TestPersistentStore(t *testing.T) {
	jobtest.Run(t, func(t *testing.T, opts ...job.Option) job.Store {
		dbStore, err := db.NewStore(t.TempDir(), zap.NewNop().Sugar())
		require.NoError(t, err)
		s := job.NewPersistentStore(dbStore, opts...)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPersistentStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	dbStore, err := db.NewStore(dir, nil)
	require.NoError(t, err)
	s := job.NewPersistentStore(dbStore)

	first, err := s.Enqueue(ctx, json.RawMessage(`{"n":1}`), 0)
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, json.RawMessage(`{"n":2}`), 0)
	require.NoError(t, err)
	claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, first, claimed.ID)
	require.NoError(t, s.Close())

	dbStore, err = db.NewStore(dir, nil)
	require.NoError(t, err)
	s = job.NewPersistentStore(dbStore)
	defer s.Close()

	j, err := s.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, job.StateActive, j.State)

	n, err := s.RequeueActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, next.ID, "recovered job keeps its place in line")
	assert.Equal(t, 2, next.Attempts)

	next, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, next.ID)
}

func TestStores_UnavailableAfterClose(t *testing.T) {
	dbStore, err := db.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	stores := map[string]job.Store{
		"memory": job.NewMemoryStore(),
		"badger": job.NewPersistentStore(dbStore),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())

			_, err := s.Enqueue(context.Background(), nil, 0)
			assert.ErrorIs(t, err, job.ErrStoreUnavailable)
			_, err = s.ClaimNext(context.Background())
			assert.ErrorIs(t, err, job.ErrStoreUnavailable)
		})
	}
}
