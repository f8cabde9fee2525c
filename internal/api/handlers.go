package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/config"
	"github.com/zerverless/jobqueue/internal/events"
	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/worker"
)

const (
	version          = "0.1.0"
	defaultListLimit = 20
	maxListLimit     = 500
)

var startTime = time.Now()

type Handlers struct {
	cfg    *config.Config
	store  job.Store
	pool   *worker.Pool
	broker *events.Broker
	logger *zap.SugaredLogger
}

// NewHandlers wires the HTTP handlers. pool and broker may be nil when the
// process only serves the API.
func NewHandlers(cfg *config.Config, store job.Store, pool *worker.Pool, broker *events.Broker, logger *zap.SugaredLogger) *Handlers {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handlers{cfg: cfg, store: store, pool: pool, broker: broker, logger: logger}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"version":        version,
		"store":          h.cfg.Store.Backend,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"node_id":        h.cfg.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs":           st,
	}
	if h.pool != nil {
		resp["pool"] = map[string]any{
			"concurrency": h.pool.Concurrency(),
			"counts":      h.pool.Counts(),
		}
	}
	if h.broker != nil {
		resp["events"] = h.broker.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type JobRequest struct {
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.MaxAttempts < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_attempts must not be negative"})
		return
	}

	id, err := h.store.Enqueue(r.Context(), req.Payload, req.MaxAttempts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.pool != nil {
		h.pool.Notify()
	}

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Debugw("Job submitted", "job_id", id, "max_attempts", j.MaxAttempts)
	writeJSON(w, http.StatusCreated, j)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, err := job.ParseState(q.Get("state"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.store.List(r.Context(), job.ListOptions{State: state, Limit: limit, Offset: offset})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// writeError maps queue errors onto HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
	case errors.Is(err, job.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, job.ErrStoreUnavailable):
		h.logger.Warnw("Job store unavailable", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job store unavailable"})
	default:
		h.logger.Errorw("Request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
