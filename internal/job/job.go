package job

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// DefaultMaxAttempts applies when neither the caller nor the store overrides it.
const DefaultMaxAttempts = 3

// ParseState returns the State named by s. The empty string is accepted and
// means "any state" to List.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case "", StateWaiting, StateActive, StateCompleted, StateFailed:
		return st, nil
	default:
		return "", errors.Newf("unknown job state %q", s)
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	AvailableAt time.Time       `json:"available_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Failure describes how a claimed job failed.
type Failure struct {
	// Retryable permits another attempt while attempts remain.
	Retryable bool
	// Reason is recorded as the job's LastError.
	Reason string
	// Delay postpones re-eligibility of a retried job. Zero means immediately.
	Delay time.Duration
}

// New builds a waiting job with a fresh id. Timestamps are truncated to the
// microsecond so that every backend round-trips them exactly.
func New(payload json.RawMessage, maxAttempts int, now time.Time) (*Job, error) {
	p, err := NormalizePayload(payload)
	if err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now = Timestamp(now)
	return &Job{
		ID:          uuid.NewString(),
		Payload:     p,
		State:       StateWaiting,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		AvailableAt: now,
	}, nil
}

// NormalizePayload validates payload as JSON. An empty payload becomes null.
func NormalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(payload) {
		return nil, errors.Wrapf(ErrInvalidPayload, "payload is not valid JSON")
	}
	out := make(json.RawMessage, len(payload))
	copy(out, payload)
	return out, nil
}

// Timestamp normalizes t to UTC microseconds.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Claim moves a waiting job to active and counts the attempt.
func (j *Job) Claim(now time.Time) error {
	if j.State != StateWaiting {
		return errors.Wrapf(ErrNotFound, "job %s is %s, not waiting", j.ID, j.State)
	}
	j.State = StateActive
	j.Attempts++
	if j.StartedAt == nil {
		t := Timestamp(now)
		j.StartedAt = &t
	}
	return nil
}

// Complete moves an active job to completed.
func (j *Job) Complete(now time.Time) error {
	if j.State != StateActive {
		return errors.Wrapf(ErrNotFound, "job %s is %s, not active", j.ID, j.State)
	}
	t := Timestamp(now)
	j.State = StateCompleted
	j.FinishedAt = &t
	return nil
}

// Fail records a failed attempt. A retryable failure with attempts left puts
// the job back in waiting; anything else is terminal.
func (j *Job) Fail(f Failure, now time.Time) error {
	if j.State != StateActive {
		return errors.Wrapf(ErrNotFound, "job %s is %s, not active", j.ID, j.State)
	}
	j.LastError = f.Reason
	if f.Retryable && j.Attempts < j.MaxAttempts {
		j.State = StateWaiting
		j.AvailableAt = Timestamp(now.Add(f.Delay))
		return nil
	}
	t := Timestamp(now)
	j.State = StateFailed
	j.FinishedAt = &t
	return nil
}

// Abandon handles an active job whose owner died: it is retried if attempts
// remain and failed otherwise.
func (j *Job) Abandon(now time.Time) error {
	return j.Fail(Failure{Retryable: true, Reason: "abandoned"}, now)
}

// Clone returns a deep copy so callers never share state with a store.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Before orders jobs FIFO by enqueue time, ties broken by id.
func (j *Job) Before(other *Job) bool {
	if !j.EnqueuedAt.Equal(other.EnqueuedAt) {
		return j.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return j.ID < other.ID
}
