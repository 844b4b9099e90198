package jobs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrDuplicateActiveJob is returned by Create when a non-terminal job already
// exists for the same (sample, job type) combination. Callers treat it as a
// no-op rather than a failure; it is the mechanism that makes coordinator
// re-entry idempotent.
var ErrDuplicateActiveJob = errors.New("duplicate active job for sample and type")

// ErrStateConflict is returned when an optimistic write loses a race: the
// job's persisted status no longer matches the status the caller read. The
// caller must re-read and retry its own loop instead of duplicate-dispatching.
var ErrStateConflict = errors.New("job state conflict")

// ErrJobNotFound is returned when no job exists for the given identity.
var ErrJobNotFound = errors.New("job not found")

// JobInvalidStateError indicates an entity operation was attempted against a
// job whose current status does not permit it.
type JobInvalidStateError struct {
	jobID  uuid.UUID
	status JobStatus
	reason string
}

// NewJobInvalidStateError creates a JobInvalidStateError.
func NewJobInvalidStateError(jobID uuid.UUID, status JobStatus, reason string) JobInvalidStateError {
	return JobInvalidStateError{jobID: jobID, status: status, reason: reason}
}

// Error returns a string representation of the error.
func (e JobInvalidStateError) Error() string {
	return fmt.Sprintf("job %s is in invalid state %s: %s", e.jobID, e.status, e.reason)
}

// Status returns the status the job held when the operation was rejected.
func (e JobInvalidStateError) Status() JobStatus { return e.status }
