package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Backoff describes the exponential backoff applied between retries of a
// single job: delay = Base * 2^retryCount, capped at Cap. Both values come
// from per-job-type configuration.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the backoff delay for the given retry count.
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	delay := b.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if b.Cap > 0 && delay >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && delay > b.Cap {
		return b.Cap
	}
	return delay
}

// Job tracks the full lifecycle of a single unit of pipeline work. It is the
// only mutable record of that work: the execution substrate holds a transient
// execution handle, never ownership. Jobs are archived, not deleted, when they
// reach a terminal state.
type Job struct {
	id      uuid.UUID
	jobType JobType
	status  JobStatus

	// accession identifies the Sample's external accession; for survey jobs
	// it is the surveyed accession (or range selector) itself.
	accession string
	// sampleID links downloader/processor jobs to the Sample they concern.
	// Survey jobs predate their samples and carry uuid.Nil.
	sampleID uuid.UUID
	// originalFileID links processor jobs to the raw artifact they consume.
	originalFileID uuid.UUID

	// payload holds the type-specific invocation parameters handed to the
	// execution substrate verbatim.
	payload json.RawMessage

	retryCount  int
	maxRetries  int
	nextRetryAt time.Time

	// executionName is the substrate handle once the job is dispatched. It is
	// derived deterministically from the job ID, which keeps Submit idempotent.
	executionName string
	lastPolledAt  time.Time
	failureReason string

	timeline *Timeline
}

// JobOption defines functional options for configuring a new Job.
type JobOption func(*Job)

// WithTimeProvider sets a custom time provider for the job.
func WithTimeProvider(tp TimeProvider) JobOption {
	return func(j *Job) { j.timeline = NewTimeline(tp) }
}

// WithSample links the job to the sample it concerns.
func WithSample(sampleID uuid.UUID) JobOption {
	return func(j *Job) { j.sampleID = sampleID }
}

// WithOriginalFile links a processor job to the raw artifact it consumes.
func WithOriginalFile(fileID uuid.UUID) JobOption {
	return func(j *Job) { j.originalFileID = fileID }
}

// NewJob creates a Job in QUEUED state.
func NewJob(id uuid.UUID, jobType JobType, accession string, payload json.RawMessage, maxRetries int, opts ...JobOption) *Job {
	job := &Job{
		id:         id,
		jobType:    jobType,
		status:     JobStatusQueued,
		accession:  accession,
		payload:    payload,
		maxRetries: maxRetries,
		timeline:   NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(job)
	}

	return job
}

// ReconstructJob creates a Job from persisted data without enforcing
// creation-time invariants. This should only be used by repositories when
// reconstructing from storage.
func ReconstructJob(
	id uuid.UUID,
	jobType JobType,
	status JobStatus,
	accession string,
	sampleID uuid.UUID,
	originalFileID uuid.UUID,
	payload json.RawMessage,
	retryCount int,
	maxRetries int,
	nextRetryAt time.Time,
	executionName string,
	lastPolledAt time.Time,
	failureReason string,
	timeline *Timeline,
) *Job {
	return &Job{
		id:             id,
		jobType:        jobType,
		status:         status,
		accession:      accession,
		sampleID:       sampleID,
		originalFileID: originalFileID,
		payload:        payload,
		retryCount:     retryCount,
		maxRetries:     maxRetries,
		nextRetryAt:    nextRetryAt,
		executionName:  executionName,
		lastPolledAt:   lastPolledAt,
		failureReason:  failureReason,
		timeline:       timeline,
	}
}

// ID returns the unique identifier of this job.
func (j *Job) ID() uuid.UUID { return j.id }

// Type returns the job's pipeline stage.
func (j *Job) Type() JobType { return j.jobType }

// Status returns the job's current lifecycle status.
func (j *Job) Status() JobStatus { return j.status }

// Accession returns the external accession code this job concerns.
func (j *Job) Accession() string { return j.accession }

// SampleID returns the sample this job concerns, or uuid.Nil for survey jobs.
func (j *Job) SampleID() uuid.UUID { return j.sampleID }

// OriginalFileID returns the raw artifact a processor job consumes.
func (j *Job) OriginalFileID() uuid.UUID { return j.originalFileID }

// Payload returns the opaque type-specific invocation parameters.
func (j *Job) Payload() json.RawMessage { return j.payload }

// RetryCount returns how many times this job has been requeued.
func (j *Job) RetryCount() int { return j.retryCount }

// MaxRetries returns the retry ceiling for this job.
func (j *Job) MaxRetries() int { return j.maxRetries }

// NextRetryAt returns the backoff deadline for a RETRYING job.
func (j *Job) NextRetryAt() time.Time { return j.nextRetryAt }

// ExecutionName returns the substrate handle, empty until dispatched.
func (j *Job) ExecutionName() string { return j.executionName }

// LastPolledAt returns the last time the substrate accounted for this job.
func (j *Job) LastPolledAt() time.Time { return j.lastPolledAt }

// FailureReason returns the most recent failure payload, if any.
func (j *Job) FailureReason() string { return j.failureReason }

// Timeline provides access to the job's timing information.
func (j *Job) Timeline() *Timeline { return j.timeline }

// UpdateStatus changes the job's status after validating the transition
// against the lifecycle table. Illegal transitions return ErrInvalidTransition
// wrapped with the offending states.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.validateTransition(newStatus); err != nil {
		return err
	}

	if j.status == JobStatusQueued && newStatus == JobStatusRunning {
		j.timeline.MarkStarted()
	}
	switch {
	case newStatus.IsTerminal():
		j.timeline.MarkCompleted()
	case j.status == JobStatusFailed && newStatus == JobStatusRetrying:
		// Un-archive: the failure was not terminal after all.
		j.timeline.ClearCompleted()
	default:
		j.timeline.UpdateLastUpdate()
	}

	j.status = newStatus
	return nil
}

// Start transitions a QUEUED job to RUNNING, recording the execution handle
// returned by the substrate.
func (j *Job) Start(executionName string) error {
	if err := j.UpdateStatus(JobStatusRunning); err != nil {
		return err
	}
	j.executionName = executionName
	j.lastPolledAt = j.timeline.timeProvider.Now()
	return nil
}

// RecordPoll marks that the substrate accounted for this job just now. Only
// meaningful for RUNNING jobs; the hung detector keys off this timestamp.
func (j *Job) RecordPoll() error {
	if j.status != JobStatusRunning {
		return NewJobInvalidStateError(j.id, j.status, "poll recorded for non-running job")
	}
	j.lastPolledAt = j.timeline.timeProvider.Now()
	j.timeline.UpdateLastUpdate()
	return nil
}

// Complete marks the job SUCCEEDED. Completing an already-succeeded job is a
// no-op so duplicate substrate reports stay harmless.
func (j *Job) Complete() error {
	if j.status == JobStatusSucceeded {
		return nil
	}
	return j.UpdateStatus(JobStatusSucceeded)
}

// Fail records a failure report. While retries remain the job routes
// FAILED -> RETRYING with its backoff deadline set; once the ceiling is hit it
// stays FAILED for good. The returned terminal flag tells the caller whether
// to raise an alert.
func (j *Job) Fail(reason string, backoff Backoff) (terminal bool, err error) {
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return false, err
	}
	j.failureReason = reason
	return j.routeRetry(backoff)
}

// MarkHung transitions a RUNNING job whose poll timestamp exceeded its timeout
// window to HUNG.
func (j *Job) MarkHung() error {
	if j.status != JobStatusRunning {
		return NewJobInvalidStateError(j.id, j.status, "only running jobs can hang")
	}
	return j.UpdateStatus(JobStatusHung)
}

// RetryFromHung routes a HUNG job exactly like a failure: to RETRYING while
// retries remain, else to terminal FAILED.
func (j *Job) RetryFromHung(backoff Backoff) (terminal bool, err error) {
	if j.status != JobStatusHung {
		return false, NewJobInvalidStateError(j.id, j.status, "job is not hung")
	}
	return j.routeRetry(backoff)
}

// routeRetry decides RETRYING vs terminal FAILED based on the retry ceiling.
// A job with max_retries=N fails for good on its Nth failure: the current
// failure counts on top of the retries already consumed.
func (j *Job) routeRetry(backoff Backoff) (terminal bool, err error) {
	if j.retryCount+1 >= j.maxRetries {
		if j.status != JobStatusFailed {
			if err := j.UpdateStatus(JobStatusFailed); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	if err := j.UpdateStatus(JobStatusRetrying); err != nil {
		return false, err
	}
	j.nextRetryAt = j.timeline.timeProvider.Now().Add(backoff.Delay(j.retryCount))
	return false, nil
}

// ReadyForRetry reports whether a RETRYING job's backoff deadline has elapsed.
func (j *Job) ReadyForRetry(now time.Time) bool {
	return j.status == JobStatusRetrying && !now.Before(j.nextRetryAt)
}

// Requeue transitions a RETRYING job back to QUEUED, consuming one retry.
// The retry_count < max_retries invariant is enforced here: requeueing a job
// whose next failure would be terminal anyway is rejected.
func (j *Job) Requeue() error {
	if j.retryCount+1 >= j.maxRetries {
		return NewJobInvalidStateError(j.id, j.status, "retry ceiling reached")
	}
	if err := j.UpdateStatus(JobStatusQueued); err != nil {
		return err
	}
	j.retryCount++
	j.executionName = ""
	return nil
}

// Cancel force-transitions an active job to terminal CANCELLED. Cancelled
// jobs are excluded from retry eligibility.
func (j *Job) Cancel() error {
	if j.status.IsTerminal() {
		return NewJobInvalidStateError(j.id, j.status, "job already terminal")
	}
	return j.UpdateStatus(JobStatusCancelled)
}
