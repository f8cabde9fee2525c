package job

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/zerverless/jobqueue/internal/clock"
)

var (
	// ErrNotFound means the id is unknown or the job is not in the state the
	// operation requires.
	ErrNotFound = errors.New("job not found")
	// ErrStoreUnavailable means the backing store could not be reached.
	// Callers should retry with backoff.
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrInvalidPayload   = errors.New("invalid job payload")
)

// Unavailable wraps a backend failure so that both ErrStoreUnavailable and
// err match with errors.Is. The message is "op: err".
func Unavailable(err error, op string) error {
	return &unavailableError{op: op, cause: err}
}

type unavailableError struct {
	op    string
	cause error
}

func (e *unavailableError) Error() string { return e.op + ": " + e.cause.Error() }

func (e *unavailableError) Unwrap() error { return e.cause }

func (e *unavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// Store is the durable, shared record of jobs. Implementations must be safe
// for concurrent use and must never hand the same waiting job to two
// ClaimNext callers.
type Store interface {
	// Enqueue records a waiting job and returns its id. maxAttempts <= 0
	// selects the store default.
	Enqueue(ctx context.Context, payload json.RawMessage, maxAttempts int) (string, error)
	// ClaimNext returns the oldest eligible waiting job, now active, or nil
	// when nothing is waiting.
	ClaimNext(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, id string) (*Job, error)
	Fail(ctx context.Context, id string, f Failure) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, int, error)
	Stats(ctx context.Context) (Stats, error)
	// RequeueActive recovers jobs left active by a process that died. Only
	// call it when no other process is consuming from the store.
	RequeueActive(ctx context.Context) (int, error)
	Close() error
}

type ListOptions struct {
	State  State
	Limit  int
	Offset int
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Add counts one job in state st.
func (s *Stats) Add(st State) {
	s.AddN(st, 1)
}

func (s *Stats) AddN(st State, n int) {
	switch st {
	case StateWaiting:
		s.Waiting += n
	case StateActive:
		s.Active += n
	case StateCompleted:
		s.Completed += n
	case StateFailed:
		s.Failed += n
	}
	s.Total += n
}

// Options are shared by every Store implementation.
type Options struct {
	DefaultMaxAttempts int
	Clock              clock.Clock
}

type Option func(*Options)

func WithDefaultMaxAttempts(n int) Option {
	return func(o *Options) { o.DefaultMaxAttempts = n }
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

func ApplyOptions(opts ...Option) Options {
	o := Options{DefaultMaxAttempts: DefaultMaxAttempts, Clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = DefaultMaxAttempts
	}
	return o
}

// MaxAttempts resolves a per-enqueue override against the store default.
func (o Options) MaxAttempts(n int) int {
	if n > 0 {
		return n
	}
	return o.DefaultMaxAttempts
}

// Page sorts jobs FIFO, filters them by state and applies offset and limit.
// It returns the page and the filtered total.
func Page(jobs []*Job, opts ListOptions) ([]*Job, int) {
	var filtered []*Job
	for _, j := range jobs {
		if opts.State == "" || j.State == opts.State {
			filtered = append(filtered, j)
		}
	}
	sort.Slice(filtered, func(a, b int) bool { return filtered[a].Before(filtered[b]) })

	total := len(filtered)
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Offset >= total {
		return []*Job{}, total
	}
	end := total
	if opts.Limit > 0 && opts.Offset+opts.Limit < total {
		end = opts.Offset + opts.Limit
	}
	return filtered[opts.Offset:end], total
}
