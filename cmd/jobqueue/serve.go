package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zerverless/jobqueue/internal/api"
	"github.com/zerverless/jobqueue/internal/events"
	"github.com/zerverless/jobqueue/internal/handler"
	"github.com/zerverless/jobqueue/internal/worker"
)

var concurrency int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and a worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), true)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker pool without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), false)
	},
}

func init() {
	for _, c := range []*cobra.Command{serveCmd, workerCmd} {
		c.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers (overrides config)")
	}
}

func run(parent context.Context, withHTTP bool) error {
	if concurrency > 0 {
		cfg.Pool.Concurrency = concurrency
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("Starting jobqueue node", "node_id", cfg.NodeID, "backend", cfg.Store.Backend, "concurrency", cfg.Pool.Concurrency)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("Failed to close job store", "error", err)
		}
	}()

	if cfg.Store.RecoverOnStart {
		n, err := store.RequeueActive(ctx)
		if err != nil {
			return errors.Wrap(err, "requeue active jobs")
		}
		logger.Infow("Requeued jobs left active by a previous run", "count", n)
	}

	retry, err := cfg.Pool.Retry()
	if err != nil {
		return err
	}
	metrics, err := worker.MetricsObserver(nil)
	if err != nil {
		return err
	}
	broker := events.NewBroker(0, logger)
	defer broker.Close()

	handlers := handler.Default(logger, cfg.Pool.JobTimeout)
	defer func() {
		if err := handlers.Close(context.Background()); err != nil {
			logger.Warnw("Failed to release handler resources", "error", err)
		}
	}()
	logger.Infow("Registered job kinds", "kinds", handlers.Kinds())
	pool := worker.New(store, handlers.Handle, worker.Config{
		Concurrency: cfg.Pool.Concurrency,
		IdleBackoff: cfg.Pool.IdleBackoff,
		JobTimeout:  cfg.Pool.JobTimeout,
		Retry:       retry,
		ClaimRate:   cfg.Pool.ClaimRate,
	}, logger, worker.LogObserver(logger), metrics, broker.Publish)

	g, gctx := errgroup.WithContext(ctx)

	if err := pool.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return pool.Stop(stopCtx)
	})

	if withHTTP {
		server := &http.Server{
			Addr:         cfg.Addr(),
			Handler:      api.NewRouter(cfg, store, pool, broker, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			logger.Infow("Server listening", "addr", cfg.Addr())
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "http server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Infow("Shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Infow("Stopped", "counts", pool.Counts())
	return err
}
