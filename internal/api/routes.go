package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/config"
	"github.com/zerverless/jobqueue/internal/events"
	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/worker"
	"github.com/zerverless/jobqueue/internal/ws"
)

func NewRouter(cfg *config.Config, store job.Store, pool *worker.Pool, broker *events.Broker, logger *zap.SugaredLogger) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("api")

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	h := NewHandlers(cfg, store, pool, broker, logger)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/stats", h.Stats)

	// Jobs API
	r.Post("/api/jobs", h.SubmitJob)
	r.Get("/api/jobs/{id}", h.GetJob)
	r.Get("/api/jobs", h.ListJobs)

	// WebSocket
	if broker != nil {
		wsServer := ws.NewServer(broker, logger)
		r.Get("/ws/events", wsServer.HandleEvents)
	}

	return r
}

func requestLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debugw("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
