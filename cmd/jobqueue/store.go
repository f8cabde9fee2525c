package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/config"
	"github.com/zerverless/jobqueue/internal/db"
	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/store/redis"
	"github.com/zerverless/jobqueue/internal/store/sqlite"
)

// openStore opens the backend named by cfg.Store.Backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (job.Store, error) {
	opts := []job.Option{job.WithDefaultMaxAttempts(cfg.Pool.MaxAttempts)}
	sc := cfg.Store

	logger.Infow("Opening job store", "backend", sc.Backend)
	switch sc.Backend {
	case config.BackendMemory:
		return job.NewMemoryStore(opts...), nil
	case config.BackendBadger:
		dbStore, err := db.NewStore(sc.DataDir, logger)
		if err != nil {
			return nil, err
		}
		return job.NewPersistentStore(dbStore, opts...), nil
	case config.BackendSQLite:
		if sc.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0755); err != nil {
				return nil, errors.Wrap(err, "create sqlite dir")
			}
		}
		return sqlite.Open(ctx, sc.SQLitePath, logger, opts...)
	case config.BackendRedis:
		return redis.Open(ctx, sc.RedisAddr, sc.RedisPrefix, logger, opts...)
	default:
		return nil, errors.Newf("unknown store backend %q", sc.Backend)
	}
}
