// Package worker runs a pool of goroutines that claim jobs from a
// job.Store and hand them to a Handler.
//
// Each worker loops: claim, run, then complete or fail. An empty queue puts
// the worker to sleep for IdleBackoff or until Notify is called. Handler
// panics are recovered and recorded as retryable failures. Stop ends the
// claim loops but lets in-flight handlers finish.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zerverless/jobqueue/internal/backoff"
	"github.com/zerverless/jobqueue/internal/job"
)

const (
	DefaultIdleBackoff     = 200 * time.Millisecond
	DefaultMaxStoreBackoff = 30 * time.Second

	// settleAttempts bounds how often Complete/Fail is retried while the
	// store is unavailable.
	settleAttempts = 5
)

type Config struct {
	// Concurrency is the number of workers. Values below 1 mean 1.
	Concurrency int
	// IdleBackoff is how long a worker sleeps after finding no job.
	IdleBackoff time.Duration
	// JobTimeout bounds each handler call. Zero disables it.
	JobTimeout time.Duration
	// Retry computes the delay before a failed job becomes claimable again.
	// Nil retries immediately.
	Retry backoff.Strategy
	// ClaimRate limits claims per second across the pool. Zero is unlimited.
	ClaimRate float64
	// MaxStoreBackoff caps the backoff applied after consecutive store errors.
	MaxStoreBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = DefaultIdleBackoff
	}
	if c.Retry == nil {
		c.Retry = backoff.None{}
	}
	if c.MaxStoreBackoff <= 0 {
		c.MaxStoreBackoff = DefaultMaxStoreBackoff
	}
	return c
}

// Counts are running totals since the pool was created.
type Counts struct {
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
}

type Pool struct {
	store     job.Store
	handler   Handler
	cfg       Config
	logger    *zap.SugaredLogger
	observers []Observer

	limiter      *rate.Limiter
	storeBackoff backoff.Strategy
	wake         chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	jobsCompleted atomic.Int64
	jobsRetried   atomic.Int64
	jobsFailed    atomic.Int64
}

func New(store job.Store, handler Handler, cfg Config, logger *zap.SugaredLogger, observers ...Observer) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Pool{
		store:     store,
		handler:   handler,
		cfg:       cfg,
		logger:    logger.Named("pool"),
		observers: observers,
		storeBackoff: backoff.Exponential{
			Initial: cfg.IdleBackoff,
			Max:     cfg.MaxStoreBackoff,
		},
		wake: make(chan struct{}, cfg.Concurrency),
	}
	if cfg.ClaimRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), cfg.Concurrency)
	}
	return p
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.logger.Infow("Starting worker pool", "concurrency", p.cfg.Concurrency, "idle_backoff", p.cfg.IdleBackoff)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.work(loopCtx, i)
	}
	return nil
}

// Stop signals every worker to exit after its current job and waits for
// them. If ctx expires first Stop returns its error while the remaining
// handlers keep running in the background.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warnw("Worker pool stop timed out, handlers still running", "error", ctx.Err())
		return errors.Wrap(ctx.Err(), "stop worker pool")
	}
}

// Notify wakes one idle worker so a freshly enqueued job is picked up
// without waiting out the idle backoff.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) Counts() Counts {
	return Counts{
		Completed: p.jobsCompleted.Load(),
		Retried:   p.jobsRetried.Load(),
		Failed:    p.jobsFailed.Load(),
	}
}

func (p *Pool) Concurrency() int {
	return p.cfg.Concurrency
}

func (p *Pool) work(ctx context.Context, workerID int) {
	defer p.wg.Done()

	storeErrors := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		// A claim that reached the store must come back to us even if
		// shutdown starts mid-call.
		j, err := p.store.ClaimNext(context.WithoutCancel(ctx))
		if err != nil {
			storeErrors++
			delay := p.storeBackoff.Delay(storeErrors)
			p.logger.Errorw("Failed to claim job",
				"worker_id", workerID,
				"error", err,
				"consecutive_errors", storeErrors,
				"backoff", delay)
			p.emit(Event{Type: EventStoreError, WorkerID: workerID, Error: err.Error()})
			p.sleep(ctx, delay)
			continue
		}
		if storeErrors > 0 {
			p.logger.Infow("Worker recovered from store errors",
				"worker_id", workerID,
				"previous_error_count", storeErrors)
			storeErrors = 0
		}

		if j == nil {
			p.sleep(ctx, p.cfg.IdleBackoff)
			continue
		}
		p.process(ctx, workerID, j)
	}
}

// sleep waits for d, a Notify or cancellation, whichever comes first.
func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-p.wake:
	case <-t.C:
	}
}

// process runs the handler for a claimed job and records the outcome. The
// handler context is detached from shutdown so in-flight jobs finish.
func (p *Pool) process(ctx context.Context, workerID int, j *job.Job) {
	p.emit(Event{Type: EventClaimed, JobID: j.ID, WorkerID: workerID, Attempt: j.Attempts, State: j.State})

	hctx := context.WithoutCancel(ctx)
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, p.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.run(hctx, workerID, j)
	elapsed := time.Since(start)
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		err = errors.Wrapf(err, "job timed out after %s", p.cfg.JobTimeout)
	}

	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		updated, serr := p.settle(ctx, func() (*job.Job, error) {
			return p.store.Complete(settleCtx, j.ID)
		})
		if serr != nil {
			p.settleFailed(workerID, j, "complete", serr)
			return
		}
		p.jobsCompleted.Add(1)
		p.emit(Event{Type: EventCompleted, JobID: j.ID, WorkerID: workerID, Attempt: j.Attempts, State: updated.State, Duration: elapsed})
		return
	}

	f := job.Failure{Retryable: !IsPermanent(err), Reason: err.Error()}
	if f.Retryable {
		f.Delay = p.cfg.Retry.Delay(j.Attempts)
	}
	updated, serr := p.settle(ctx, func() (*job.Job, error) {
		return p.store.Fail(settleCtx, j.ID, f)
	})
	if serr != nil {
		p.settleFailed(workerID, j, "fail", serr)
		return
	}

	ev := Event{JobID: j.ID, WorkerID: workerID, Attempt: j.Attempts, State: updated.State, Error: f.Reason, Duration: elapsed}
	if updated.State == job.StateWaiting {
		p.jobsRetried.Add(1)
		ev.Type = EventRetried
	} else {
		p.jobsFailed.Add(1)
		ev.Type = EventFailed
	}
	p.emit(ev)
}

// run calls the handler, turning a panic into an error.
func (p *Pool) run(ctx context.Context, workerID int, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("Handler panicked",
				"job_id", j.ID,
				"worker_id", workerID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = errors.Newf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, j)
}

// settle retries fn while the store reports itself unavailable. Shutdown
// ends the retries early; the job is then left active.
func (p *Pool) settle(ctx context.Context, fn func() (*job.Job, error)) (*job.Job, error) {
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		var j *job.Job
		j, err = fn()
		if err == nil || !errors.Is(err, job.ErrStoreUnavailable) {
			return j, err
		}
		if attempt == settleAttempts {
			break
		}
		t := time.NewTimer(p.storeBackoff.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
	}
	return nil, err
}

func (p *Pool) settleFailed(workerID int, j *job.Job, op string, err error) {
	p.logger.Errorw("Failed to record job outcome",
		"op", op,
		"job_id", j.ID,
		"worker_id", workerID,
		"attempt", j.Attempts,
		"error", err)
	p.emit(Event{Type: EventStoreError, JobID: j.ID, WorkerID: workerID, Attempt: j.Attempts, Error: err.Error()})
}

func (p *Pool) emit(e Event) {
	if len(p.observers) == 0 {
		return
	}
	e.Time = time.Now().UTC()
	for _, o := range p.observers {
		o(e)
	}
}
