package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/job"
)

type EventType string

const (
	EventClaimed    EventType = "claimed"
	EventCompleted  EventType = "completed"
	EventRetried    EventType = "retried"
	EventFailed     EventType = "failed"
	EventStoreError EventType = "store_error"
)

// Event describes one step of a job's trip through the pool.
type Event struct {
	Type     EventType     `json:"type"`
	JobID    string        `json:"job_id,omitempty"`
	WorkerID int           `json:"worker_id"`
	Attempt  int           `json:"attempt,omitempty"`
	State    job.State     `json:"state,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Time     time.Time     `json:"time"`
}

// Observer receives pool events. It is called synchronously from worker
// goroutines and must not block.
type Observer func(Event)

// LogObserver writes job lifecycle events to logger.
func LogObserver(logger *zap.SugaredLogger) Observer {
	return func(e Event) {
		kv := []interface{}{"job_id", e.JobID, "worker_id", e.WorkerID, "attempt", e.Attempt}
		switch e.Type {
		case EventClaimed:
			logger.Debugw("Job claimed", kv...)
		case EventCompleted:
			logger.Infow("Job completed", append(kv, "duration", e.Duration)...)
		case EventRetried:
			logger.Warnw("Job failed, will retry", append(kv, "error", e.Error, "duration", e.Duration)...)
		case EventFailed:
			logger.Errorw("Job failed permanently", append(kv, "error", e.Error, "duration", e.Duration)...)
		case EventStoreError:
			logger.Errorw("Job store error", append(kv, "error", e.Error)...)
		}
	}
}
