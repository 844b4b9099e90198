// Package postgres implements the job repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/internal/infra/storage"
)

// Ensure jobStore implements jobs.JobRepository at compile time.
var _ jobs.JobRepository = (*jobStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

const uniqueViolation = "23505"

// jobStore implements jobs.JobRepository using Postgres. All writes are
// conditioned on the status the caller last read, so concurrent schedulers
// racing on the same job resolve to exactly one winner.
type jobStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a JobRepository backed by PostgreSQL.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{pool: pool, tracer: tracer}
}

const jobColumns = `job_id, job_type, status, accession, sample_id, original_file_id, payload,
retry_count, max_retries, next_retry_at, execution_name, last_polled_at, failure_reason,
created_at, started_at, completed_at, last_update`

// Create persists a new job's initial state. The partial unique indexes on
// (job_type, sample_id) and (job_type, accession) over active statuses back
// the at-most-one-active-job invariant; a violation surfaces as
// ErrDuplicateActiveJob.
func (s *jobStore) Create(ctx context.Context, job *jobs.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.ID().String()),
		attribute.String("job_type", job.Type().String()),
		attribute.String("accession", job.Accession()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			pgUUID(job.ID()),
			job.Type().String(),
			job.Status().String(),
			job.Accession(),
			pgNullableUUID(job.SampleID()),
			pgNullableUUID(job.OriginalFileID()),
			job.Payload(),
			job.RetryCount(),
			job.MaxRetries(),
			pgTimestamp(job.NextRetryAt()),
			job.ExecutionName(),
			pgTimestamp(job.LastPolledAt()),
			job.FailureReason(),
			pgTimestamp(job.Timeline().CreatedAt()),
			pgTimestamp(job.Timeline().StartedAt()),
			pgTimestamp(job.Timeline().CompletedAt()),
			pgTimestamp(job.Timeline().LastUpdate()),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return jobs.ErrDuplicateActiveJob
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// Get retrieves a job by ID.
func (s *jobStore) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", id.String()))

	var job *jobs.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, pgUUID(id))
		j, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return jobs.ErrJobNotFound
			}
			return fmt.Errorf("get job: %w", err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Update persists the job's current state. The write is conditioned on the
// previously-read status; zero rows affected means another scheduler won the
// race and the caller must re-read.
func (s *jobStore) Update(ctx context.Context, job *jobs.Job, expected jobs.JobStatus) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.ID().String()),
		attribute.String("status", job.Status().String()),
		attribute.String("expected_status", expected.String()),
		attribute.Int("retry_count", job.RetryCount()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs SET
				status = $3,
				retry_count = $4,
				next_retry_at = $5,
				execution_name = $6,
				last_polled_at = $7,
				failure_reason = $8,
				started_at = $9,
				completed_at = $10,
				last_update = $11
			WHERE job_id = $1 AND status = $2`,
			pgUUID(job.ID()),
			expected.String(),
			job.Status().String(),
			job.RetryCount(),
			pgTimestamp(job.NextRetryAt()),
			job.ExecutionName(),
			pgTimestamp(job.LastPolledAt()),
			job.FailureReason(),
			pgTimestamp(job.Timeline().StartedAt()),
			pgTimestamp(job.Timeline().CompletedAt()),
			pgTimestamp(job.Timeline().LastUpdate()),
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, pgUUID(job.ID()),
			).Scan(&exists); err != nil {
				return fmt.Errorf("update job existence check: %w", err)
			}
			if !exists {
				return jobs.ErrJobNotFound
			}
			return fmt.Errorf("%w: job %s expected status %s", jobs.ErrStateConflict, job.ID(), expected)
		}
		return nil
	})
}

// FindRetryEligible returns RETRYING jobs whose backoff deadline has elapsed.
func (s *jobStore) FindRetryEligible(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	return s.queryJobs(ctx, "postgres.find_retry_eligible", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'RETRYING' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at`,
		pgTimestamp(now))
}

// FindHungCandidates returns RUNNING jobs whose last poll predates their
// type's cutoff.
func (s *jobStore) FindHungCandidates(ctx context.Context, cutoffs map[jobs.JobType]time.Time) ([]*jobs.Job, error) {
	return s.queryJobs(ctx, "postgres.find_hung_candidates", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'RUNNING' AND last_polled_at IS NOT NULL AND (
			(job_type = 'SURVEY' AND last_polled_at < $1) OR
			(job_type = 'DOWNLOADER' AND last_polled_at < $2) OR
			(job_type = 'PROCESSOR' AND last_polled_at < $3)
		)
		ORDER BY last_polled_at`,
		pgTimestamp(cutoffs[jobs.JobTypeSurvey]),
		pgTimestamp(cutoffs[jobs.JobTypeDownloader]),
		pgTimestamp(cutoffs[jobs.JobTypeProcessor]))
}

// FindQueued returns up to limit QUEUED jobs in creation order.
func (s *jobStore) FindQueued(ctx context.Context, limit int) ([]*jobs.Job, error) {
	return s.queryJobs(ctx, "postgres.find_queued", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'QUEUED'
		ORDER BY created_at
		LIMIT $1`, limit)
}

// FindRunning returns RUNNING jobs for the polling loop.
func (s *jobStore) FindRunning(ctx context.Context, limit int) ([]*jobs.Job, error) {
	return s.queryJobs(ctx, "postgres.find_running", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'RUNNING'
		ORDER BY last_polled_at NULLS FIRST
		LIMIT $1`, limit)
}

// FindActiveBySampleAndType returns the active job for a (sample, type)
// combination, or nil when none exists.
func (s *jobStore) FindActiveBySampleAndType(ctx context.Context, sampleID uuid.UUID, jobType jobs.JobType) (*jobs.Job, error) {
	found, err := s.queryJobs(ctx, "postgres.find_active_by_sample_and_type", `
		SELECT `+jobColumns+` FROM jobs
		WHERE sample_id = $1 AND job_type = $2
		  AND status IN ('QUEUED', 'RUNNING', 'RETRYING', 'HUNG')
		LIMIT 1`,
		pgUUID(sampleID), jobType.String())
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// FindActiveByAccessionAndType is the survey-job variant of the uniqueness
// check, keyed by accession since the samples do not exist yet.
func (s *jobStore) FindActiveByAccessionAndType(ctx context.Context, accession string, jobType jobs.JobType) (*jobs.Job, error) {
	found, err := s.queryJobs(ctx, "postgres.find_active_by_accession_and_type", `
		SELECT `+jobColumns+` FROM jobs
		WHERE sample_id IS NULL AND accession = $1 AND job_type = $2
		  AND status IN ('QUEUED', 'RUNNING', 'RETRYING', 'HUNG')
		LIMIT 1`,
		accession, jobType.String())
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// ListBySample returns every job concerning a sample, any status. Terminal
// jobs are archived, not deleted, so this is the sample's full audit trail.
func (s *jobStore) ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*jobs.Job, error) {
	return s.queryJobs(ctx, "postgres.list_jobs_by_sample", `
		SELECT `+jobColumns+` FROM jobs
		WHERE sample_id = $1
		ORDER BY created_at`, pgUUID(sampleID))
}

func (s *jobStore) queryJobs(ctx context.Context, spanName, query string, args ...any) ([]*jobs.Job, error) {
	var results []*jobs.Job

	err := storage.ExecuteAndTrace(ctx, s.tracer, spanName, defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job row: %w", err)
			}
			results = append(results, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		id             pgtype.UUID
		jobType        string
		status         string
		accession      string
		sampleID       pgtype.UUID
		originalFileID pgtype.UUID
		payload        []byte
		retryCount     int
		maxRetries     int
		nextRetryAt    pgtype.Timestamptz
		executionName  string
		lastPolledAt   pgtype.Timestamptz
		failureReason  string
		createdAt      pgtype.Timestamptz
		startedAt      pgtype.Timestamptz
		completedAt    pgtype.Timestamptz
		lastUpdate     pgtype.Timestamptz
	)

	if err := row.Scan(
		&id, &jobType, &status, &accession, &sampleID, &originalFileID, &payload,
		&retryCount, &maxRetries, &nextRetryAt, &executionName, &lastPolledAt, &failureReason,
		&createdAt, &startedAt, &completedAt, &lastUpdate,
	); err != nil {
		return nil, err
	}

	return jobs.ReconstructJob(
		id.Bytes,
		jobs.ParseJobType(jobType),
		jobs.ParseJobStatus(status),
		accession,
		uuidOrNil(sampleID),
		uuidOrNil(originalFileID),
		payload,
		retryCount,
		maxRetries,
		nextRetryAt.Time,
		executionName,
		lastPolledAt.Time,
		failureReason,
		jobs.ReconstructTimeline(createdAt.Time, startedAt.Time, completedAt.Time, lastUpdate.Time),
	), nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgNullableUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func uuidOrNil(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}

func pgTimestamp(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
