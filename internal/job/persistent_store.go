package job

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"

	"github.com/zerverless/jobqueue/internal/db"
)

// SystemNamespace prefixes every key the queue writes to badger.
const SystemNamespace = "jobqueue/"

const (
	jobsPrefix    = "jobs/"
	waitingPrefix = "waiting/"

	maxConflictRetries = 8
)

// PersistentStore keeps jobs in badger so they survive restarts.
//
// Layout:
//
//	jobqueue/jobs/<id>                        JSON-encoded Job
//	jobqueue/waiting/<enqueued-nanos>/<id>    FIFO index of waiting jobs
//
// Zero-padded enqueue times make the waiting index iterate in claim order.
type PersistentStore struct {
	dbStore *db.Store
	opts    Options
	// mu serializes state transitions inside this process; badger's own
	// conflict detection covers anything that slips past it.
	mu sync.Mutex
}

func NewPersistentStore(dbStore *db.Store, opts ...Option) *PersistentStore {
	return &PersistentStore{dbStore: dbStore, opts: ApplyOptions(opts...)}
}

func (s *PersistentStore) Enqueue(ctx context.Context, payload json.RawMessage, maxAttempts int) (string, error) {
	j, err := New(payload, s.opts.MaxAttempts(maxAttempts), s.opts.Clock.Now())
	if err != nil {
		return "", err
	}
	err = s.update(func(txn *badger.Txn) error {
		if err := putJob(txn, j); err != nil {
			return err
		}
		return txn.Set(waitingKey(j), nil)
	})
	if err != nil {
		return "", s.wrap(err, "enqueue job")
	}
	return j.ID, nil
}

func (s *PersistentStore) ClaimNext(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed *Job
	err := s.update(func(txn *badger.Txn) error {
		claimed = nil
		now := s.opts.Clock.Now()

		j, idxKey, err := s.nextEligible(txn, now)
		if err != nil || j == nil {
			return err
		}
		if err := j.Claim(now); err != nil {
			return err
		}
		if err := txn.Delete(idxKey); err != nil {
			return err
		}
		if err := putJob(txn, j); err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, s.wrap(err, "claim next job")
	}
	return claimed, nil
}

// nextEligible walks the waiting index in FIFO order and returns the first
// job whose retry delay has elapsed. Index entries pointing at jobs that are
// gone or no longer waiting are dropped on the way.
func (s *PersistentStore) nextEligible(txn *badger.Txn, now time.Time) (*Job, []byte, error) {
	var stale [][]byte
	var found *Job
	var foundKey []byte

	err := func() error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(SystemNamespace + waitingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			j, err := getJob(txn, idFromWaitingKey(key))
			if errors.Is(err, ErrNotFound) {
				stale = append(stale, key)
				continue
			}
			if err != nil {
				return err
			}
			if j.State != StateWaiting {
				stale = append(stale, key)
				continue
			}
			if j.AvailableAt.After(now) {
				continue
			}
			found, foundKey = j, key
			return nil
		}
		return nil
	}()
	if err != nil {
		return nil, nil, err
	}

	for _, key := range stale {
		if err := txn.Delete(key); err != nil {
			return nil, nil, err
		}
	}
	return found, foundKey, nil
}

func (s *PersistentStore) Complete(ctx context.Context, id string) (*Job, error) {
	return s.transition(id, "complete job", func(j *Job, now time.Time) error {
		return j.Complete(now)
	})
}

func (s *PersistentStore) Fail(ctx context.Context, id string, f Failure) (*Job, error) {
	return s.transition(id, "fail job", func(j *Job, now time.Time) error {
		return j.Fail(f, now)
	})
}

// transition loads an active job, applies fn and re-indexes it when it went
// back to waiting.
func (s *PersistentStore) transition(id, op string, fn func(j *Job, now time.Time) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *Job
	err := s.update(func(txn *badger.Txn) error {
		out = nil
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if err := fn(j, s.opts.Clock.Now()); err != nil {
			return err
		}
		if err := putJob(txn, j); err != nil {
			return err
		}
		if j.State == StateWaiting {
			if err := txn.Set(waitingKey(j), nil); err != nil {
				return err
			}
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, s.wrap(err, op)
	}
	return out, nil
}

func (s *PersistentStore) Get(ctx context.Context, id string) (*Job, error) {
	var j *Job
	err := s.dbStore.View(func(txn *badger.Txn) error {
		var err error
		j, err = getJob(txn, id)
		return err
	})
	if err != nil {
		return nil, s.wrap(err, "get job")
	}
	return j, nil
}

func (s *PersistentStore) List(ctx context.Context, opts ListOptions) ([]*Job, int, error) {
	all, err := s.all()
	if err != nil {
		return nil, 0, err
	}
	page, total := Page(all, opts)
	return page, total, nil
}

func (s *PersistentStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	all, err := s.all()
	if err != nil {
		return st, err
	}
	for _, j := range all {
		st.Add(j.State)
	}
	return st, nil
}

func (s *PersistentStore) RequeueActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.all()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, j := range all {
		if j.State != StateActive {
			continue
		}
		id := j.ID
		err := s.update(func(txn *badger.Txn) error {
			cur, err := getJob(txn, id)
			if err != nil {
				return err
			}
			if cur.State != StateActive {
				return nil
			}
			if err := cur.Abandon(s.opts.Clock.Now()); err != nil {
				return err
			}
			if err := putJob(txn, cur); err != nil {
				return err
			}
			if cur.State == StateWaiting {
				return txn.Set(waitingKey(cur), nil)
			}
			return nil
		})
		if err != nil {
			return n, s.wrap(err, "requeue active job")
		}
		n++
	}
	return n, nil
}

// Close closes the underlying badger database.
func (s *PersistentStore) Close() error {
	return s.dbStore.Close()
}

func (s *PersistentStore) all() ([]*Job, error) {
	var jobs []*Job
	err := s.dbStore.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(SystemNamespace + jobsPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var j Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &j)
			}); err != nil {
				return errors.Wrapf(err, "decode %s", it.Item().Key())
			}
			jobs = append(jobs, &j)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err, "list jobs")
	}
	return jobs, nil
}

func (s *PersistentStore) update(fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		err := s.dbStore.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return err
	}
}

// wrap leaves queue-level errors alone and marks everything else as a
// backend failure.
func (s *PersistentStore) wrap(err error, op string) error {
	if errors.IsAny(err, ErrNotFound, ErrInvalidPayload) {
		return err
	}
	return Unavailable(err, op)
}

func getJob(txn *badger.Txn, id string) (*Job, error) {
	item, err := txn.Get([]byte(SystemNamespace + jobsPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &j)
	}); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", id)
	}
	return &j, nil
}

func putJob(txn *badger.Txn, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return txn.Set([]byte(SystemNamespace+jobsPrefix+j.ID), data)
}

func waitingKey(j *Job) []byte {
	return []byte(fmt.Sprintf("%s%s%020d/%s", SystemNamespace, waitingPrefix, j.EnqueuedAt.UnixNano(), j.ID))
}

func idFromWaitingKey(key []byte) string {
	k := string(key)
	return k[strings.LastIndexByte(k, '/')+1:]
}
