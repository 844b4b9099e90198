package jobs

import (
	"errors"
	"fmt"
)

// JobStatus represents the execution state of a pipeline job. The lifecycle is
// identical in shape across Survey/Downloader/Processor jobs; only the
// post-success chaining differs.
type JobStatus string

// ErrInvalidTransition is returned (wrapped with the offending states) when a
// requested status transition is not in the lifecycle table. Callers racing on
// the same job observe it as their signal to re-read and retry their loop.
var ErrInvalidTransition = errors.New("invalid job status transition")

const (
	// JobStatusQueued indicates a job is created and waiting for dispatch.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusRunning indicates a job has been submitted to the execution
	// substrate and holds an execution handle.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusSucceeded indicates a job finished successfully. Terminal.
	JobStatusSucceeded JobStatus = "SUCCEEDED"

	// JobStatusFailed indicates a job reported an error. It routes to
	// RETRYING while retries remain; otherwise it is terminal.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusRetrying indicates a job is waiting out its backoff delay
	// before being requeued.
	JobStatusRetrying JobStatus = "RETRYING"

	// JobStatusHung indicates the substrate stopped accounting for a running
	// job; it is presumed dead and routes to RETRYING like a failure.
	JobStatusHung JobStatus = "HUNG"

	// JobStatusCancelled indicates operator intervention tore the job down.
	// Terminal and excluded from retry eligibility.
	JobStatusCancelled JobStatus = "CANCELLED"

	// JobStatusUnspecified is used when a job status is unknown.
	JobStatusUnspecified JobStatus = "UNSPECIFIED"
)

// String returns the string representation of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "QUEUED":
		return JobStatusQueued
	case "RUNNING":
		return JobStatusRunning
	case "SUCCEEDED":
		return JobStatusSucceeded
	case "FAILED":
		return JobStatusFailed
	case "RETRYING":
		return JobStatusRetrying
	case "HUNG":
		return JobStatusHung
	case "CANCELLED":
		return JobStatusCancelled
	default:
		return JobStatusUnspecified
	}
}

// IsActive reports whether a job in this status still owns its
// (sample, job type) slot. At most one active job per combination may exist.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusRetrying, JobStatusHung:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible. FAILED is
// terminal only once retries are exhausted, which the Job entity decides at
// transition time; a persisted FAILED status is always terminal.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s JobStatus) validateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition enforces the job lifecycle table. Transitions are
// monotonic; the only regression permitted is into RETRYING.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusQueued:
		// A queued job is dispatched, fails to dispatch, or is torn down.
		return target == JobStatusRunning || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusRunning:
		return target == JobStatusSucceeded || target == JobStatusFailed || target == JobStatusHung || target == JobStatusCancelled
	case JobStatusFailed:
		// FAILED routes to RETRYING while retries remain; otherwise terminal.
		return target == JobStatusRetrying
	case JobStatusHung:
		// HUNG routes exactly like FAILED.
		return target == JobStatusRetrying || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusRetrying:
		return target == JobStatusQueued || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusSucceeded, JobStatusCancelled:
		// Terminal states.
		return false
	case JobStatusUnspecified:
		return false
	default:
		return false
	}
}
