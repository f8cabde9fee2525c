// Package sqlite stores jobs in a SQLite database.
//
// Claims are a single UPDATE ... RETURNING statement, so the row that flips
// from waiting to active is chosen and written atomically. The connection
// pool is pinned to one connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	payload      TEXT NOT NULL,
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	enqueued_at  INTEGER NOT NULL,
	available_at INTEGER NOT NULL,
	started_at   INTEGER,
	finished_at  INTEGER
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (state, enqueued_at, id);
`

// columns is the select list scanJob expects. Timestamps are unix microseconds.
const columns = `id, payload, state, attempts, max_attempts, last_error, enqueued_at, available_at, started_at, finished_at`

const claimQuery = `UPDATE jobs
SET state = 'active', attempts = attempts + 1, started_at = COALESCE(started_at, ?)
WHERE id = (
	SELECT id FROM jobs
	WHERE state = 'waiting' AND available_at <= ?
	ORDER BY enqueued_at, id
	LIMIT 1
)
RETURNING ` + columns

type Store struct {
	db     *sql.DB
	opts   job.Options
	logger *zap.SugaredLogger
}

// Open opens the database at path, applies connection pragmas and creates
// the schema. A nil logger disables logging.
func Open(ctx context.Context, path string, logger *zap.SugaredLogger, opts ...job.Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger.Debugw("Opening job database", "path", path)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}

	s := New(db, logger, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. Call Migrate before first use unless the
// schema already exists.
func New(db *sql.DB, logger *zap.SugaredLogger, opts ...job.Option) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, opts: job.ApplyOptions(opts...), logger: logger}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create jobs schema")
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, payload json.RawMessage, maxAttempts int) (string, error) {
	j, err := job.New(payload, s.opts.MaxAttempts(maxAttempts), s.opts.Clock.Now())
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, payload, state, attempts, max_attempts, enqueued_at, available_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)`,
		j.ID, string(j.Payload), string(j.State), j.MaxAttempts,
		j.EnqueuedAt.UnixMicro(), j.AvailableAt.UnixMicro(),
	)
	if err != nil {
		return "", job.Unavailable(err, "insert job")
	}
	return j.ID, nil
}

func (s *Store) ClaimNext(ctx context.Context) (*job.Job, error) {
	now := job.Timestamp(s.opts.Clock.Now()).UnixMicro()
	j, err := scanJob(s.db.QueryRowContext(ctx, claimQuery, now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, job.Unavailable(err, "claim job")
	}
	return j, nil
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

// transition applies fn to the stored job inside a transaction and writes
// the result back.
func (s *Store) transition(ctx context.Context, id, op string, fn func(*job.Job, time.Time) error) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, job.Unavailable(err, op)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(job.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, job.Unavailable(err, op)
	}
	if err := fn(j, s.opts.Clock.Now()); err != nil {
		return nil, err
	}
	if err := updateJob(ctx, tx, j); err != nil {
		return nil, job.Unavailable(err, op)
	}
	if err := tx.Commit(); err != nil {
		return nil, job.Unavailable(err, op)
	}
	return j, nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(job.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, job.Unavailable(err, "get job")
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, opts job.ListOptions) ([]*job.Job, int, error) {
	where, args := "", []any{}
	if opts.State != "" {
		where = " WHERE state = ?"
		args = append(args, string(opts.State))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, job.Unavailable(err, "count jobs")
	}

	limit, offset := opts.Limit, opts.Offset
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM jobs`+where+` ORDER BY enqueued_at, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, job.Unavailable(err, "list jobs")
	}
	defer rows.Close()

	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, job.Unavailable(err, "scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, job.Unavailable(err, "list jobs")
	}
	return jobs, total, nil
}

func (s *Store) Stats(ctx context.Context) (job.Stats, error) {
	var st job.Stats
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return st, job.Unavailable(err, "job stats")
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, job.Unavailable(err, "scan stats")
		}
		st.AddN(job.State(state), n)
	}
	if err := rows.Err(); err != nil {
		return st, job.Unavailable(err, "job stats")
	}
	return st, nil
}

func (s *Store) RequeueActive(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, job.Unavailable(err, "requeue active jobs")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+columns+` FROM jobs WHERE state = 'active'`)
	if err != nil {
		return 0, job.Unavailable(err, "requeue active jobs")
	}
	var active []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, job.Unavailable(err, "scan job")
		}
		active = append(active, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, job.Unavailable(err, "requeue active jobs")
	}

	now := s.opts.Clock.Now()
	for _, j := range active {
		if err := j.Abandon(now); err != nil {
			return 0, err
		}
		if err := updateJob(ctx, tx, j); err != nil {
			return 0, job.Unavailable(err, "requeue active jobs")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, job.Unavailable(err, "requeue active jobs")
	}
	if len(active) > 0 {
		s.logger.Infow("Requeued abandoned jobs", "count", len(active))
	}
	return len(active), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func updateJob(ctx context.Context, tx *sql.Tx, j *job.Job) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, last_error = ?, available_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(j.State), j.Attempts, j.LastError, j.AvailableAt.UnixMicro(),
		micros(j.StartedAt), micros(j.FinishedAt), j.ID,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                   job.Job
		payload, state      string
		enqueued, available int64
		started, finished   sql.NullInt64
	)
	err := row.Scan(&j.ID, &payload, &state, &j.Attempts, &j.MaxAttempts, &j.LastError,
		&enqueued, &available, &started, &finished)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.State = job.State(state)
	j.EnqueuedAt = time.UnixMicro(enqueued).UTC()
	j.AvailableAt = time.UnixMicro(available).UTC()
	j.StartedAt = fromMicros(started)
	j.FinishedAt = fromMicros(finished)
	return &j, nil
}

func micros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}
