// Package redis stores jobs in Redis.
//
// Each job is a hash. Claim order comes from a sorted set of waiting ids
// scored by enqueue time in microseconds; Redis breaks score ties by member,
// which matches the FIFO order of the other backends. Retried jobs with a
// delay wait in a second sorted set scored by their available time.
//
// ClaimNext runs as a Lua script so selection and the move to active happen
// in one step. Complete and Fail use WATCH on the job hash.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/job"
)

const maxWatchRetries = 16

// claimScript promotes due delayed jobs, then pops waiting ids until one is
// still in the waiting state and marks it active.
//
// KEYS[1] waiting set, KEYS[2] delayed set
// ARGV[1] now in unix microseconds, ARGV[2] job key prefix
var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local enqueued = redis.call('HGET', ARGV[2] .. id, 'enqueued_at')
	if enqueued then
		redis.call('ZADD', KEYS[1], enqueued, id)
	end
end
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	local key = ARGV[2] .. id
	if redis.call('HGET', key, 'state') == 'waiting' then
		redis.call('HSET', key, 'state', 'active')
		redis.call('HINCRBY', key, 'attempts', 1)
		if redis.call('HEXISTS', key, 'started_at') == 0 then
			redis.call('HSET', key, 'started_at', ARGV[1])
		end
		return id
	end
end
`)

type Store struct {
	client goredis.UniversalClient
	keys   keys
	opts   job.Options
	logger *zap.SugaredLogger
}

// New wraps client. The store owns the client and closes it on Close.
// An empty prefix selects DefaultPrefix.
func New(client goredis.UniversalClient, prefix string, logger *zap.SugaredLogger, opts ...job.Option) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		client: client,
		keys:   keys{prefix: prefix},
		opts:   job.ApplyOptions(opts...),
		logger: logger,
	}
}

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr, prefix string, logger *zap.SugaredLogger, opts ...job.Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, job.Unavailable(err, "ping redis")
	}
	return New(client, prefix, logger, opts...), nil
}

func (s *Store) Enqueue(ctx context.Context, payload json.RawMessage, maxAttempts int) (string, error) {
	j, err := job.New(payload, s.opts.MaxAttempts(maxAttempts), s.opts.Clock.Now())
	if err != nil {
		return "", err
	}
	score := float64(j.EnqueuedAt.UnixMicro())
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.job(j.ID), encode(j))
		pipe.ZAdd(ctx, s.keys.all(), goredis.Z{Score: score, Member: j.ID})
		pipe.ZAdd(ctx, s.keys.waiting(), goredis.Z{Score: score, Member: j.ID})
		return nil
	})
	if err != nil {
		return "", job.Unavailable(err, "enqueue job")
	}
	return j.ID, nil
}

func (s *Store) ClaimNext(ctx context.Context) (*job.Job, error) {
	now := job.Timestamp(s.opts.Clock.Now()).UnixMicro()
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.keys.waiting(), s.keys.delayed()},
		now, s.keys.jobPrefix(),
	).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, job.Unavailable(err, "claim job")
	}
	return s.Get(ctx, id)
}

func (s *Store) Complete(ctx context.Context, id string) (*job.Job, error) {
	return s.transition(ctx, id, "complete job", func(j *job.Job, now time.Time) error {
		return j.Complete(now)
	})
}

func (s *Store) Fail(ctx context.Context, id string, f job.Failure) (*job.Job, error) {
	return s.transition(ctx, id, "fail job", func(j *job.Job, now time.Time) error {
		return j.Fail(f, now)
	})
}

// transition applies fn to the job under WATCH and writes it back in a
// MULTI block, retrying when a concurrent writer touched the hash.
func (s *Store) transition(ctx context.Context, id, op string, fn func(*job.Job, time.Time) error) (*job.Job, error) {
	key := s.keys.job(id)
	var out *job.Job

	txf := func(tx *goredis.Tx) error {
		j, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		if j == nil {
			return errors.Wrapf(job.ErrNotFound, "job %s", id)
		}
		now := s.opts.Clock.Now()
		if err := fn(j, now); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, encode(j))
			if j.State == job.StateWaiting {
				s.requeue(ctx, pipe, j, now)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = j
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.IsAny(err, job.ErrNotFound, job.ErrInvalidPayload) {
				return nil, err
			}
			return nil, job.Unavailable(err, op)
		}
		return out, nil
	}
	return nil, job.Unavailable(errors.New("too much contention"), op)
}

// requeue puts a job back in line: straight into the waiting set when it is
// already available, otherwise into the delayed set.
func (s *Store) requeue(ctx context.Context, pipe goredis.Pipeliner, j *job.Job, now time.Time) {
	if j.AvailableAt.After(now) {
		pipe.ZAdd(ctx, s.keys.delayed(), goredis.Z{Score: float64(j.AvailableAt.UnixMicro()), Member: j.ID})
		return
	}
	pipe.ZAdd(ctx, s.keys.waiting(), goredis.Z{Score: float64(j.EnqueuedAt.UnixMicro()), Member: j.ID})
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := load(ctx, s.client, s.keys.job(id))
	if err != nil {
		return nil, job.Unavailable(err, "get job")
	}
	if j == nil {
		return nil, errors.Wrapf(job.ErrNotFound, "job %s", id)
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, opts job.ListOptions) ([]*job.Job, int, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, 0, err
	}
	page, total := job.Page(all, opts)
	return page, total, nil
}

func (s *Store) Stats(ctx context.Context) (job.Stats, error) {
	var st job.Stats
	all, err := s.all(ctx)
	if err != nil {
		return st, err
	}
	for _, j := range all {
		st.Add(j.State)
	}
	return st, nil
}

func (s *Store) RequeueActive(ctx context.Context) (int, error) {
	all, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range all {
		if j.State != job.StateActive {
			continue
		}
		_, err := s.transition(ctx, j.ID, "requeue active job", func(j *job.Job, now time.Time) error {
			return j.Abandon(now)
		})
		if errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Infow("Requeued abandoned jobs", "count", n)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// all loads every job in enqueue order with one pipelined round trip.
func (s *Store) all(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.ZRange(ctx, s.keys.all(), 0, -1).Result()
	if err != nil {
		return nil, job.Unavailable(err, "list job ids")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.keys.job(id))
		}
		return nil
	})
	if err != nil {
		return nil, job.Unavailable(err, "load jobs")
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		j, err := decode(m)
		if err != nil {
			return nil, job.Unavailable(err, "decode job")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

func load(ctx context.Context, c hashReader, key string) (*job.Job, error) {
	m, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return decode(m)
}

func encode(j *job.Job) map[string]any {
	m := map[string]any{
		"id":           j.ID,
		"payload":      string(j.Payload),
		"state":        string(j.State),
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"last_error":   j.LastError,
		"enqueued_at":  j.EnqueuedAt.UnixMicro(),
		"available_at": j.AvailableAt.UnixMicro(),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.UnixMicro()
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.UnixMicro()
	}
	return m
}

func decode(m map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:        m["id"],
		Payload:   json.RawMessage(m["payload"]),
		State:     job.State(m["state"]),
		LastError: m["last_error"],
	}
	var err error
	if j.Attempts, err = strconv.Atoi(m["attempts"]); err != nil {
		return nil, errors.Wrap(err, "attempts")
	}
	if j.MaxAttempts, err = strconv.Atoi(m["max_attempts"]); err != nil {
		return nil, errors.Wrap(err, "max_attempts")
	}
	if j.EnqueuedAt, err = parseMicros(m["enqueued_at"]); err != nil {
		return nil, errors.Wrap(err, "enqueued_at")
	}
	if j.AvailableAt, err = parseMicros(m["available_at"]); err != nil {
		return nil, errors.Wrap(err, "available_at")
	}
	for field, dst := range map[string]**time.Time{
		"started_at":  &j.StartedAt,
		"finished_at": &j.FinishedAt,
	} {
		v, ok := m[field]
		if !ok || v == "" {
			continue
		}
		t, err := parseMicros(v)
		if err != nil {
			return nil, errors.Wrap(err, field)
		}
		*dst = &t
	}
	return j, nil
}

func parseMicros(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(v).UTC(), nil
}
