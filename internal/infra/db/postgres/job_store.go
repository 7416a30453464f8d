package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/repository"
)

var _ repository.JobStore = (*JobStore)(nil)

const uniqueViolation = "23505"

const jobColumns = `id, url, mode, state, progress, attempts, max_attempts, result_path,
failure_reason, last_error, run_at, lease_token, lease_until, created_at, updated_at,
processed_at, finished_at`

// JobStore keeps download jobs in a single table, one row per job, scoped by queue name.
type JobStore struct {
	pool  *pgxpool.Pool
	tm    repository.TransactionManager
	queue string
	log   *zerolog.Logger
}

func NewJobStore(pool *pgxpool.Pool, tm repository.TransactionManager, queueName string, logger *zerolog.Logger) *JobStore {
	return &JobStore{pool: pool, tm: tm, queue: queueName, log: logger}
}

func (s *JobStore) Enqueue(ctx context.Context, job *model.Job) error {
	const q = `
INSERT INTO download_jobs (id, queue, url, mode, state, max_attempts, run_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'waiting', $5, $6, $6, $6);`

	now := time.Now().UTC()
	_, err := execSQL(ctx, s.pool, nil, q, job.ID, s.queue, job.Payload.URL, string(job.Payload.Mode), job.MaxAttempts, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return storeErr(err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row, err := pickRow(ctx, s.pool, nil, `SELECT `+jobColumns+` FROM download_jobs WHERE queue = $1 AND id = $2;`, s.queue, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (s *JobStore) Claim(ctx context.Context, leaseToken string, leaseTTL time.Duration) (*model.Job, error) {
	var job *model.Job
	err := s.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const pick = `
SELECT id FROM download_jobs
WHERE queue = $1 AND state IN ('waiting', 'delayed') AND run_at <= $2
ORDER BY run_at, seq
LIMIT 1
FOR UPDATE SKIP LOCKED;`

		now := time.Now().UTC()
		row, err := pickRow(ctx, s.pool, tx, pick, s.queue, now)
		if err != nil {
			return err
		}
		var id string
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return storeErr(err)
		}

		const mark = `
UPDATE download_jobs
SET state = 'active', lease_token = $2, lease_until = $3, processed_at = $4, updated_at = $4
WHERE id = $1
RETURNING ` + jobColumns + `;`
		row, err = pickRow(ctx, s.pool, tx, mark, id, leaseToken, now.Add(leaseTTL), now)
		if err != nil {
			return err
		}
		job, err = scanJob(row)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrTransientStore) {
			return nil, err
		}
		return nil, storeErr(err)
	}
	return job, nil
}

func (s *JobStore) RenewLease(ctx context.Context, id, leaseToken string, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	return s.guarded(ctx, id, `
UPDATE download_jobs SET lease_until = $4, updated_at = $3
WHERE queue = $1 AND id = $2 AND state = 'active' AND lease_token = $5;`,
		s.queue, id, now, now.Add(leaseTTL), leaseToken)
}

func (s *JobStore) UpdateProgress(ctx context.Context, id, leaseToken string, progress float64) error {
	return s.guarded(ctx, id, `
UPDATE download_jobs SET progress = GREATEST(progress, $4), updated_at = $3
WHERE queue = $1 AND id = $2 AND state = 'active' AND lease_token = $5;`,
		s.queue, id, time.Now().UTC(), model.ClampProgress(progress), leaseToken)
}

func (s *JobStore) Complete(ctx context.Context, id, leaseToken string, result model.JobResult) error {
	return s.guarded(ctx, id, `
UPDATE download_jobs
SET state = 'completed', progress = 100, result_path = $4, finished_at = $3, updated_at = $3,
    lease_token = '', lease_until = NULL
WHERE queue = $1 AND id = $2 AND state = 'active' AND lease_token = $5;`,
		s.queue, id, time.Now().UTC(), result.Path, leaseToken)
}

func (s *JobStore) Retry(ctx context.Context, id, leaseToken string, attempts int, lastError string, delay time.Duration) error {
	now := time.Now().UTC()
	return s.guarded(ctx, id, `
UPDATE download_jobs
SET state = 'delayed', attempts = $4, last_error = $5, run_at = $6, updated_at = $3,
    lease_token = '', lease_until = NULL
WHERE queue = $1 AND id = $2 AND state = 'active' AND lease_token = $7;`,
		s.queue, id, now, attempts, lastError, now.Add(delay), leaseToken)
}

func (s *JobStore) Fail(ctx context.Context, id, leaseToken string, attempts int, reason string) error {
	return s.guarded(ctx, id, `
UPDATE download_jobs
SET state = 'failed', attempts = $4, failure_reason = $5, last_error = $5, finished_at = $3,
    updated_at = $3, lease_token = '', lease_until = NULL
WHERE queue = $1 AND id = $2 AND state = 'active' AND lease_token = $6;`,
		s.queue, id, time.Now().UTC(), attempts, reason, leaseToken)
}

func (s *JobStore) RequeueStalled(ctx context.Context, now time.Time) ([]string, error) {
	const q = `
UPDATE download_jobs
SET state = 'delayed', run_at = $2, updated_at = $2, last_error = 'worker lease expired',
    lease_token = '', lease_until = NULL
WHERE queue = $1 AND state = 'active' AND lease_until < $2
RETURNING id;`
	return s.collectStrings(ctx, q, s.queue, now.UTC())
}

func (s *JobStore) PurgeCompleted(ctx context.Context, olderThan time.Time) ([]string, error) {
	const q = `
DELETE FROM download_jobs
WHERE queue = $1 AND state = 'completed' AND finished_at < $2
RETURNING result_path;`
	paths, err := s.collectStrings(ctx, q, s.queue, olderThan.UTC())
	if err != nil {
		return nil, err
	}
	out := paths[:0]
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *JobStore) ArtifactPaths(ctx context.Context) ([]string, error) {
	const q = `
SELECT result_path FROM download_jobs
WHERE queue = $1 AND state = 'completed' AND result_path <> '';`
	return s.collectStrings(ctx, q, s.queue)
}

func (s *JobStore) Counts(ctx context.Context) (map[model.JobState]int64, error) {
	rows, err := queryRows(ctx, s.pool, nil, `SELECT state, COUNT(*) FROM download_jobs WHERE queue = $1 GROUP BY state;`, s.queue)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	counts := map[model.JobState]int64{
		model.JobStateWaiting:   0,
		model.JobStateActive:    0,
		model.JobStateDelayed:   0,
		model.JobStateCompleted: 0,
		model.JobStateFailed:    0,
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		counts[model.JobState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return counts, nil
}

func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

// KeepAlive pings the database every interval until ctx is done.
func (s *JobStore) KeepAlive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Ping(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("postgres keep-alive ping failed")
			}
		}
	}
}

func (s *JobStore) Close() error {
	s.pool.Close()
	return nil
}

// guarded runs an update that must match an active row owned by the caller's lease.
// A miss is reported as ErrNotFound or ErrLeaseLost depending on whether the row exists.
func (s *JobStore) guarded(ctx context.Context, id, q string, args ...interface{}) error {
	tag, err := execSQL(ctx, s.pool, nil, q, args...)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	row, err := pickRow(ctx, s.pool, nil, `SELECT EXISTS (SELECT 1 FROM download_jobs WHERE queue = $1 AND id = $2);`, s.queue, id)
	if err != nil {
		return err
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return storeErr(err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrLeaseLost
}

func (s *JobStore) collectStrings(ctx context.Context, q string, args ...interface{}) ([]string, error) {
	rows, err := queryRows(ctx, s.pool, nil, q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job                     model.Job
		mode, state, resultPath string
		leaseUntil              *time.Time
		processedAt, finishedAt *time.Time
	)
	err := row.Scan(
		&job.ID, &job.Payload.URL, &mode, &state, &job.Progress, &job.Attempts, &job.MaxAttempts,
		&resultPath, &job.FailureReason, &job.LastError, &job.RunAt, &job.LeaseToken, &leaseUntil,
		&job.CreatedAt, &job.UpdatedAt, &processedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, storeErr(err)
	}
	job.Payload.Mode = model.Mode(mode)
	job.State = model.JobState(state)
	if job.State != model.JobStateDelayed {
		job.RunAt = time.Time{}
	}
	if leaseUntil != nil {
		job.LeaseUntil = *leaseUntil
	}
	if job.State == model.JobStateCompleted && resultPath != "" {
		job.Result = model.NewJobResult(resultPath)
	}
	job.ProcessedAt = processedAt
	job.FinishedAt = finishedAt
	return &job, nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
}
