package worker

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/zerverless/jobqueue/internal/job"
)

// Handler processes one claimed job. A nil return completes the job; any
// error fails the attempt. Wrap the error with Permanent to stop retries.
type Handler func(ctx context.Context, j *job.Job) error

// errPermanent marks handler errors that must not be retried.
var errPermanent = errors.New("permanent failure")

// Permanent marks err as non-retryable. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}
