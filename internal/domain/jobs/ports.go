package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobRepository is the single durable source of truth for jobs. All writes are
// atomic per-job: Update is conditioned on the status the caller last read, so
// two schedulers racing on the same job produce exactly one winner.
type JobRepository interface {
	// Create persists a new job. It fails with ErrDuplicateActiveJob when an
	// active job already exists for the same (sample, job type) combination.
	Create(ctx context.Context, job *Job) error

	// Get retrieves a job by ID, or ErrJobNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// Update persists the job's current state. The write is conditioned on
	// the persisted status still being expected; a lost race surfaces
	// ErrStateConflict and the caller must re-read.
	Update(ctx context.Context, job *Job, expected JobStatus) error

	// FindRetryEligible returns RETRYING jobs whose backoff deadline has
	// elapsed as of now.
	FindRetryEligible(ctx context.Context, now time.Time) ([]*Job, error)

	// FindHungCandidates returns RUNNING jobs whose last poll timestamp
	// predates the cutoff configured for their type.
	FindHungCandidates(ctx context.Context, cutoffs map[JobType]time.Time) ([]*Job, error)

	// FindQueued returns up to limit QUEUED jobs in creation order.
	FindQueued(ctx context.Context, limit int) ([]*Job, error)

	// FindRunning returns RUNNING jobs for the polling loop.
	FindRunning(ctx context.Context, limit int) ([]*Job, error)

	// FindActiveBySampleAndType returns the active job for a (sample, type)
	// combination, or nil when none exists.
	FindActiveBySampleAndType(ctx context.Context, sampleID uuid.UUID, jobType JobType) (*Job, error)

	// FindActiveByAccessionAndType is the survey-job variant of the
	// uniqueness check, keyed by accession since samples do not yet exist.
	FindActiveByAccessionAndType(ctx context.Context, accession string, jobType JobType) (*Job, error)

	// ListBySample returns every job concerning a sample, any status.
	ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*Job, error)
}

// ExecutionStatus is the substrate's view of a dispatched job.
type ExecutionStatus string

const (
	// ExecutionStatusRunning indicates the substrate is still executing.
	ExecutionStatusRunning ExecutionStatus = "RUNNING"

	// ExecutionStatusSucceeded indicates the execution finished cleanly.
	ExecutionStatusSucceeded ExecutionStatus = "SUCCEEDED"

	// ExecutionStatusFailed indicates the execution reported an error.
	ExecutionStatusFailed ExecutionStatus = "FAILED"

	// ExecutionStatusLost indicates the substrate can no longer account for
	// the execution; the job is presumed dead and escalates to HUNG handling.
	ExecutionStatusLost ExecutionStatus = "LOST"
)

// ExecutionHandle identifies a dispatched execution on the substrate.
type ExecutionHandle struct {
	Name string
}

// ExecutionResult is the outcome of polling an execution handle.
type ExecutionResult struct {
	Status  ExecutionStatus
	Message string
}

// Dispatcher abstracts the external execution substrate. Submit is idempotent
// per job identity: resubmitting a job that is already running returns the
// existing handle. Each submission consumes an execution slot; the dispatcher
// enforces a per-type concurrency ceiling by queueing excess submissions.
type Dispatcher interface {
	Submit(ctx context.Context, job *Job) (ExecutionHandle, error)
	Poll(ctx context.Context, handle ExecutionHandle) (ExecutionResult, error)
	Cancel(ctx context.Context, handle ExecutionHandle) error
}

// Notifier reports job lifecycle milestones to the external
// alerting/observability collaborator. Terminal failures must never be
// silently dropped.
type Notifier interface {
	JobCreated(ctx context.Context, job *Job) error
	JobSucceeded(ctx context.Context, job *Job) error
	JobTerminallyFailed(ctx context.Context, job *Job) error
}
