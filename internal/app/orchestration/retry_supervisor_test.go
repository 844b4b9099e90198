package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinebio/refinery/internal/domain/jobs"
)

// staleRunningJob persists a RUNNING job whose last poll predates the hung
// window, as if its execution had stopped reporting long ago.
func staleRunningJob(t *testing.T, h *harness, retryCount int) *jobs.Job {
	t.Helper()
	id := uuid.New()
	stale := time.Now().UTC().Add(-time.Hour)
	job := jobs.ReconstructJob(
		id, jobs.JobTypeSurvey, jobs.JobStatusRunning,
		"GSE30001", uuid.Nil, uuid.Nil,
		[]byte(`{"accession":"GSE30001","source":"GEO"}`),
		retryCount, 2, time.Time{},
		"exec-"+id.String(), stale, "",
		jobs.ReconstructTimeline(stale, stale, time.Time{}, stale),
	)
	require.NoError(t, h.jobStore.Create(context.Background(), job))
	return job
}

func TestRetrySupervisor_RetryPassHonorsBackoffDeadline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	job := dispatchSurveyJob(t, h, "GSE30002")
	h.dispatcher.finish(job, jobs.ExecutionStatusFailed, "transient")
	require.NoError(t, h.pollTracker.PollPass(ctx))
	require.Equal(t, jobs.JobStatusRetrying, h.jobByID(t, job.ID()).Status())

	// Backoff has not elapsed yet: the scan leaves the job alone.
	require.NoError(t, h.supervisor.RetryPass(ctx))
	assert.Equal(t, jobs.JobStatusRetrying, h.jobByID(t, job.ID()).Status())
}

func TestRetrySupervisor_RetryPassRequeuesElapsedBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	id := uuid.New()
	created := time.Now().UTC().Add(-10 * time.Minute)
	job := jobs.ReconstructJob(
		id, jobs.JobTypeDownloader, jobs.JobStatusRetrying,
		"GSM100", uuid.New(), uuid.Nil,
		[]byte(`{}`),
		0, 2, time.Now().UTC().Add(-time.Minute),
		"", created, "transient",
		jobs.ReconstructTimeline(created, created, time.Time{}, created),
	)
	require.NoError(t, h.jobStore.Create(ctx, job))

	require.NoError(t, h.supervisor.RetryPass(ctx))

	requeued := h.jobByID(t, id)
	assert.Equal(t, jobs.JobStatusQueued, requeued.Status())
	assert.Equal(t, 1, requeued.RetryCount())
	assert.Empty(t, requeued.ExecutionName())
}

func TestRetrySupervisor_HungPassRecoversStaleJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	job := staleRunningJob(t, h, 0)

	require.NoError(t, h.supervisor.HungPass(ctx))

	recovered := h.jobByID(t, job.ID())
	assert.Equal(t, jobs.JobStatusRetrying, recovered.Status())
	assert.False(t, recovered.NextRetryAt().IsZero())

	// The zombie execution was torn down before the requeue.
	require.Len(t, h.dispatcher.cancelledExecutions(), 1)
	assert.Equal(t, job.ExecutionName(), h.dispatcher.cancelledExecutions()[0])
}

func TestRetrySupervisor_HungPastRetryCeilingIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	// One retry already consumed against max_retries=2: this attempt is final.
	job := staleRunningJob(t, h, 1)

	require.NoError(t, h.supervisor.HungPass(ctx))

	failed := h.jobByID(t, job.ID())
	assert.Equal(t, jobs.JobStatusFailed, failed.Status())
	require.Len(t, h.notifier.terminalFailures(), 1)
	assert.Equal(t, job.ID(), h.notifier.terminalFailures()[0])
}

func TestRetrySupervisor_HungPassIgnoresHealthyJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	job := dispatchSurveyJob(t, h, "GSE30003")

	require.NoError(t, h.supervisor.HungPass(ctx))
	assert.Equal(t, jobs.JobStatusRunning, h.jobByID(t, job.ID()).Status())
	assert.Empty(t, h.dispatcher.cancelledExecutions())
}

func TestRetrySupervisor_RecoveredJobRedispatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	job := staleRunningJob(t, h, 0)
	require.NoError(t, h.supervisor.HungPass(ctx))

	// Force the backoff deadline into the past so the retry scan picks it up.
	retrying := h.jobByID(t, job.ID())
	require.NoError(t, retrying.Requeue())
	require.NoError(t, h.jobStore.Update(ctx, retrying, jobs.JobStatusRetrying))

	started, err := h.submitter.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	redispatched := h.jobByID(t, job.ID())
	assert.Equal(t, jobs.JobStatusRunning, redispatched.Status())
	assert.Equal(t, 1, redispatched.RetryCount())
}
