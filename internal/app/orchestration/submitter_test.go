package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinebio/refinery/internal/domain/jobs"
)

func queueSurveyJob(t *testing.T, h *harness, accession string) *jobs.Job {
	t.Helper()
	payload, err := jobs.MarshalPayload(jobs.SurveyPayload{Accession: accession, Source: "GEO"})
	require.NoError(t, err)
	job := jobs.NewJob(uuid.New(), jobs.JobTypeSurvey, accession, payload, 3)
	require.NoError(t, h.jobStore.Create(context.Background(), job))
	return job
}

func TestSubmitter_DispatchPass(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	job := queueSurveyJob(t, h, "GSE10001")

	started, err := h.submitter.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	dispatched := h.jobByID(t, job.ID())
	assert.Equal(t, jobs.JobStatusRunning, dispatched.Status())
	assert.Equal(t, executionName(job), dispatched.ExecutionName())
	assert.False(t, dispatched.LastPolledAt().IsZero())
}

func TestSubmitter_EmptyQueueIsANoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	started, err := h.submitter.DispatchPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestSubmitter_SubmitErrorDoesNotWedgeTheBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	job := queueSurveyJob(t, h, "GSE10002")

	h.dispatcher.submitErr = errors.New("substrate unavailable")
	started, err := h.submitter.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Equal(t, jobs.JobStatusQueued, h.jobByID(t, job.ID()).Status())

	// Next pass picks the job back up once the substrate recovers.
	h.dispatcher.submitErr = nil
	started, err = h.submitter.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
}

func TestSubmitter_RacingSchedulersProduceOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	job := queueSurveyJob(t, h, "GSE10003")

	// Two schedulers read the same QUEUED job; both submit, one records the
	// claim, the other loses the conditioned write.
	first, err := h.jobStore.Get(ctx, job.ID())
	require.NoError(t, err)
	second, err := h.jobStore.Get(ctx, job.ID())
	require.NoError(t, err)

	require.NoError(t, h.submitter.dispatchOne(ctx, first))
	assert.ErrorIs(t, h.submitter.dispatchOne(ctx, second), errDispatchRaceLost)

	assert.Equal(t, jobs.JobStatusRunning, h.jobByID(t, job.ID()).Status())
	// Submit is idempotent per job identity, so the duplicate submission
	// produced the same execution name.
	assert.Equal(t, first.ExecutionName(), second.ExecutionName())
}
