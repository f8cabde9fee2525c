package job

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var errClosed = Unavailable(errors.New("store closed"), "memory store")

// MemoryStore keeps jobs in process memory. It is the substitute store for
// tests and single-process deployments that can afford to lose jobs on exit.
type MemoryStore struct {
	mu      sync.Mutex
	opts    Options
	jobs    map[string]*Job
	waiting []*Job // FIFO order
	closed  bool
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts: ApplyOptions(opts...),
		jobs: make(map[string]*Job),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, payload json.RawMessage, maxAttempts int) (string, error) {
	j, err := New(payload, s.opts.MaxAttempts(maxAttempts), s.opts.Clock.Now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errClosed
	}
	s.jobs[j.ID] = j
	s.pushWaiting(j)
	return j.ID, nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}

	now := s.opts.Clock.Now()
	for i, j := range s.waiting {
		if j.AvailableAt.After(now) {
			continue
		}
		s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
		if err := j.Claim(now); err != nil {
			return nil, err
		}
		return j.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err := j.Complete(s.opts.Clock.Now()); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, f Failure) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err := j.Fail(f, s.opts.Clock.Now()); err != nil {
		return nil, err
	}
	if j.State == StateWaiting {
		s.pushWaiting(j)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Job, int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, 0, errClosed
	}
	all := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j.Clone())
	}
	s.mu.Unlock()

	page, total := Page(all, opts)
	return page, total, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, errClosed
	}
	var st Stats
	for _, j := range s.jobs {
		st.Add(j.State)
	}
	return st, nil
}

func (s *MemoryStore) RequeueActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	now := s.opts.Clock.Now()
	n := 0
	for _, j := range s.jobs {
		if j.State != StateActive {
			continue
		}
		if err := j.Abandon(now); err != nil {
			return n, err
		}
		if j.State == StateWaiting {
			s.pushWaiting(j)
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// pushWaiting inserts j keeping s.waiting in FIFO order.
// REQUIRES: s.mu held.
func (s *MemoryStore) pushWaiting(j *Job) {
	i := sort.Search(len(s.waiting), func(i int) bool { return j.Before(s.waiting[i]) })
	s.waiting = append(s.waiting, nil)
	copy(s.waiting[i+1:], s.waiting[i:])
	s.waiting[i] = j
}
