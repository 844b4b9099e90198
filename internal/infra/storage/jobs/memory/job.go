// Package memory provides an in-memory job repository for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refinebio/refinery/internal/domain/jobs"
)

var _ jobs.JobRepository = (*JobStore)(nil)

// JobStore provides an in-memory implementation of jobs.JobRepository. It
// enforces the same optimistic-concurrency and active-uniqueness semantics as
// the Postgres store so tests exercise the real contract.
type JobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*jobs.Job
}

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*jobs.Job)}
}

// Create persists a new job, rejecting a second active job for the same
// (type, sample) or survey (type, accession) identity.
func (s *JobStore) Create(ctx context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.Type() != job.Type() || !existing.Status().IsActive() {
			continue
		}
		if job.SampleID() != uuid.Nil && existing.SampleID() == job.SampleID() {
			return jobs.ErrDuplicateActiveJob
		}
		if job.SampleID() == uuid.Nil && existing.SampleID() == uuid.Nil && existing.Accession() == job.Accession() {
			return jobs.ErrDuplicateActiveJob
		}
	}

	s.jobs[job.ID()] = deepCopyJob(job)
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, jobs.ErrJobNotFound
	}
	return deepCopyJob(job), nil
}

// Update persists the job's state only if the stored status matches what the
// caller last read.
func (s *JobStore) Update(ctx context.Context, job *jobs.Job, expected jobs.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.jobs[job.ID()]
	if !exists {
		return jobs.ErrJobNotFound
	}
	if stored.Status() != expected {
		return fmt.Errorf("%w: job %s expected status %s", jobs.ErrStateConflict, job.ID(), expected)
	}

	s.jobs[job.ID()] = deepCopyJob(job)
	return nil
}

// FindRetryEligible returns RETRYING jobs whose backoff deadline has elapsed.
func (s *JobStore) FindRetryEligible(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	return s.filter(func(j *jobs.Job) bool {
		return j.ReadyForRetry(now)
	}, byNextRetryAt), nil
}

// FindHungCandidates returns RUNNING jobs whose last poll predates their
// type's cutoff.
func (s *JobStore) FindHungCandidates(ctx context.Context, cutoffs map[jobs.JobType]time.Time) ([]*jobs.Job, error) {
	return s.filter(func(j *jobs.Job) bool {
		cutoff, ok := cutoffs[j.Type()]
		if !ok {
			return false
		}
		return j.Status() == jobs.JobStatusRunning &&
			!j.LastPolledAt().IsZero() &&
			j.LastPolledAt().Before(cutoff)
	}, byLastPolledAt), nil
}

// FindQueued returns up to limit QUEUED jobs in creation order.
func (s *JobStore) FindQueued(ctx context.Context, limit int) ([]*jobs.Job, error) {
	found := s.filter(func(j *jobs.Job) bool {
		return j.Status() == jobs.JobStatusQueued
	}, byCreatedAt)
	if limit < len(found) {
		found = found[:limit]
	}
	return found, nil
}

// FindRunning returns up to limit RUNNING jobs.
func (s *JobStore) FindRunning(ctx context.Context, limit int) ([]*jobs.Job, error) {
	found := s.filter(func(j *jobs.Job) bool {
		return j.Status() == jobs.JobStatusRunning
	}, byLastPolledAt)
	if limit < len(found) {
		found = found[:limit]
	}
	return found, nil
}

// FindActiveBySampleAndType returns the active job for a (sample, type)
// combination, or nil when none exists.
func (s *JobStore) FindActiveBySampleAndType(ctx context.Context, sampleID uuid.UUID, jobType jobs.JobType) (*jobs.Job, error) {
	found := s.filter(func(j *jobs.Job) bool {
		return j.SampleID() == sampleID && j.Type() == jobType && j.Status().IsActive()
	}, byCreatedAt)
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// FindActiveByAccessionAndType returns the active sample-less job for a
// (accession, type) combination, or nil when none exists.
func (s *JobStore) FindActiveByAccessionAndType(ctx context.Context, accession string, jobType jobs.JobType) (*jobs.Job, error) {
	found := s.filter(func(j *jobs.Job) bool {
		return j.SampleID() == uuid.Nil && j.Accession() == accession &&
			j.Type() == jobType && j.Status().IsActive()
	}, byCreatedAt)
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// ListBySample returns every job concerning a sample, any status.
func (s *JobStore) ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*jobs.Job, error) {
	return s.filter(func(j *jobs.Job) bool {
		return j.SampleID() == sampleID
	}, byCreatedAt), nil
}

type sortFn func(a, b *jobs.Job) bool

func byCreatedAt(a, b *jobs.Job) bool {
	return a.Timeline().CreatedAt().Before(b.Timeline().CreatedAt())
}

func byNextRetryAt(a, b *jobs.Job) bool { return a.NextRetryAt().Before(b.NextRetryAt()) }

func byLastPolledAt(a, b *jobs.Job) bool { return a.LastPolledAt().Before(b.LastPolledAt()) }

func (s *JobStore) filter(keep func(*jobs.Job) bool, less sortFn) []*jobs.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*jobs.Job
	for _, j := range s.jobs {
		if keep(j) {
			found = append(found, deepCopyJob(j))
		}
	}
	sort.Slice(found, func(i, j int) bool { return less(found[i], found[j]) })
	return found
}

// deepCopyJob detaches the stored job from the caller's copy so mutations on
// one never leak into the other.
func deepCopyJob(j *jobs.Job) *jobs.Job {
	payload := make([]byte, len(j.Payload()))
	copy(payload, j.Payload())

	return jobs.ReconstructJob(
		j.ID(),
		j.Type(),
		j.Status(),
		j.Accession(),
		j.SampleID(),
		j.OriginalFileID(),
		payload,
		j.RetryCount(),
		j.MaxRetries(),
		j.NextRetryAt(),
		j.ExecutionName(),
		j.LastPolledAt(),
		j.FailureReason(),
		jobs.ReconstructTimeline(
			j.Timeline().CreatedAt(),
			j.Timeline().StartedAt(),
			j.Timeline().CompletedAt(),
			j.Timeline().LastUpdate(),
		),
	)
}
