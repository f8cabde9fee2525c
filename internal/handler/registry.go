// Package handler routes jobs to handlers by the "kind" field of their
// payload.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/worker"
)

// Envelope is the part of a payload the registry reads.
type Envelope struct {
	Kind string `json:"kind"`
}

// Registry is safe for concurrent registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]worker.Handler
	closers  []func(context.Context) error
	logger   *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		handlers: make(map[string]worker.Handler),
		logger:   logger.Named("handler"),
	}
}

// Register binds kind to h. It panics if kind is already taken.
func (r *Registry) Register(kind string, h worker.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("handler already registered for kind: %s", kind))
	}
	r.handlers[kind] = h
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Handle is a worker.Handler. Malformed envelopes and unknown kinds fail
// permanently.
func (r *Registry) Handle(ctx context.Context, j *job.Job) error {
	var env Envelope
	if err := json.Unmarshal(j.Payload, &env); err != nil {
		return worker.Permanent(errors.Wrap(err, "decode job envelope"))
	}
	if env.Kind == "" {
		return worker.Permanent(errors.New("job payload has no kind"))
	}

	r.mu.RLock()
	h, ok := r.handlers[env.Kind]
	r.mu.RUnlock()
	if !ok {
		return worker.Permanent(errors.Newf("no handler registered for kind %q", env.Kind))
	}
	return h(ctx, j)
}

// OnClose registers fn to release resources held by a handler.
func (r *Registry) OnClose(fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Close runs every OnClose function and returns the first error.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var first error
	for _, fn := range closers {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
