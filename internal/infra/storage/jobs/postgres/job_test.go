package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/internal/infra/storage"
)

func setupJobStore(t *testing.T) (*jobStore, *pgxpool.Pool, func()) {
	t.Helper()
	pool, cleanup := storage.SetupTestContainer(t)
	return NewJobStore(pool, storage.NoOpTracer()), pool, cleanup
}

func insertSample(t *testing.T, pool *pgxpool.Pool, id uuid.UUID, accession string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO samples (sample_id, accession, organism, source, division, stage, created_at, updated_at)
		VALUES ($1, $2, 'HOMO_SAPIENS', 'ARRAY_EXPRESS', '', 'DISCOVERED', now(), now())`,
		id, accession)
	require.NoError(t, err)
}

func surveyJob(accession string) *jobs.Job {
	payload, _ := json.Marshal(jobs.SurveyPayload{Accession: accession, Source: "ARRAY_EXPRESS"})
	return jobs.NewJob(uuid.New(), jobs.JobTypeSurvey, accession, payload, 3)
}

func downloaderJob(accession string, sampleID uuid.UUID) *jobs.Job {
	payload, _ := json.Marshal(jobs.DownloadPayload{SampleID: sampleID, Accession: accession})
	return jobs.NewJob(uuid.New(), jobs.JobTypeDownloader, accession, payload, 3, jobs.WithSample(sampleID))
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	store, _, cleanup := setupJobStore(t)
	defer cleanup()
	ctx := context.Background()

	job := surveyJob("E-MTAB-3050")
	require.NoError(t, store.Create(ctx, job))

	loaded, err := store.Get(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, job.ID(), loaded.ID())
	assert.Equal(t, jobs.JobTypeSurvey, loaded.Type())
	assert.Equal(t, jobs.JobStatusQueued, loaded.Status())
	assert.Equal(t, "E-MTAB-3050", loaded.Accession())
	assert.Equal(t, uuid.Nil, loaded.SampleID())
	assert.Equal(t, 3, loaded.MaxRetries())
	assert.False(t, loaded.Timeline().CreatedAt().IsZero())
}

func TestJobStore_GetNotFound(t *testing.T) {
	t.Parallel()
	store, _, cleanup := setupJobStore(t)
	defer cleanup()

	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestJobStore_DuplicateActiveSurveyJob(t *testing.T) {
	t.Parallel()
	store, _, cleanup := setupJobStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, surveyJob("E-MTAB-3050")))

	err := store.Create(ctx, surveyJob("E-MTAB-3050"))
	assert.ErrorIs(t, err, jobs.ErrDuplicateActiveJob)

	// A different accession is fine.
	require.NoError(t, store.Create(ctx, surveyJob("GSE12345")))
}

func TestJobStore_DuplicateActiveSampleJob(t *testing.T) {
	t.Parallel()
	store, pool, cleanup := setupJobStore(t)
	defer cleanup()
	ctx := context.Background()

	sampleID := uuid.New()
	insertSample(t, pool, sampleID, "GSM100001")

	require.NoError(t, store.Create(ctx, downloaderJob("GSM100001", sampleID)))
	err := store.Create(ctx, downloaderJob("GSM100001", sampleID))
	assert.ErrorIs(t, err, jobs.ErrDuplicateActiveJob)
}

func TestJobStore_TerminalJobDoesNotBlockNewOne(t *testing.T) {
	t.Parallel()
	store, pool, cleanup := setupJobStore(t)
	defer cleanup()
	ctx := context.Background()

	sampleID := uuid.New()
	insertSample(t, pool, sampleID, "GSM100002")

	first := downloaderJob("GSM100002", sampleID)
	require.NoError(t, store.Create(ctx, first))

	require.NoError(t, first.Start("refinery-dl-"+first.ID().String()))
	require.NoError(t, store.Update(ctx, first, jobs.JobStatusQueued))
	require.NoError(t, first.Complete())
	require.NoError(t, store.Update(ctx, first, jobs.JobStatusRunning))

	// The terminal job is archived; a fresh active job may now exist.
	require.NoError(t, store.Create(ctx, downloaderJob("GSM100002", sampleID)))
}

func TestJobStore_UpdateOptimisticConcurrency(t *testing.T) {
	t.Parallel()
	store, _, cleanup := setupJobStore(t)
	defer cleanup()
	ctx := context.Background()

	job := surveyJob("E-MTAB-3050")
	require.NoError(t, store.Create(ctx, job))

	// Two schedulers read the same QUEUED job; both try to start it.
	first, err := store.Get(ctx, job.ID())
	require.NoError(t, err)
	second, err := store.Get(ctx, job.ID())
	require.NoError(t, err)

	require.NoError(t, first.Start("refinery-sv-"+job.ID().String()))
	require.NoError(t, store.Update(ctx, first, jobs.JobStatusQueued))

	require.NoError(t, second.Start("refinery-sv-"+job.ID().String()))
	err = store.Update(ctx, second, jobs.JobStatusQueued)
	assert.ErrorIs(t, err, jobs.ErrStateConflict)

	// State conflict on a real row is distinguishable from a missing row.
	ghost := surveyJob("GSE99999")
	require.NoError(t, ghost.Start("x"))
	err = store.Update(ctx, ghost, jobs.JobStatusQueued)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestJobStore_FindRetryEligible(t *testing.T) {
	t.Parallel()
	store, _, cleanup := setupJobStore(t)
	defer cleanup()
	ctx := context.Background()
	backoff := jobs.Backoff{Base: time.Minute, Cap: time.Hour}

	due := surveyJob("E-MTAB-0001")
	require.NoError(t, store.Create(ctx, due))
	require.NoError(t, due.Start("a"))
	terminal, err := due.Fail("transient failure", backoff)
	require.NoError(t, err)
	require.False(t, terminal)
	require.Equal(t, jobs.JobStatusRetrying, due.Status())
	require.NoError(t, store.Update(ctx, due, jobs.JobStatusQueued))

	notDue := surveyJob("E-MTAB-0002")
	require.NoError(t, store.Create(ctx, notDue))
	require.NoError(t, notDue.Start("b"))
	_, err = notDue.Fail("transient failure", backoff)
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, notDue, jobs.JobStatusQueued))

	// Only the job whose deadline elapsed shows up.
	eligible, err := store.FindRetryEligible(ctx, due.NextRetryAt().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, eligible, 2)

	eligible, err = store.FindRetryEligible(ctx, due.NextRetryAt().Add(-time.Second))
	require.NoError(t, err)
	require.Empty(t, eligible)
}

func TestJobStore_FindHungCandidates(t *testing.T) {
	t.Parallel()
	store, _, cleanup := setupJobStore(t)
	defer cleanup()
	ctx := context.Background()

	running := surveyJob("E-MTAB-0003")
	require.NoError(t, store.Create(ctx, running))
	require.NoError(t, running.Start("c"))
	require.NoError(t, store.Update(ctx, running, jobs.JobStatusQueued))

	now := time.Now()
	candidates, err := store.FindHungCandidates(ctx, map[jobs.JobType]time.Time{
		jobs.JobTypeSurvey:     now.Add(time.Hour),
		jobs.JobTypeDownloader: now.Add(-2 * time.Hour),
		jobs.JobTypeProcessor:  now.Add(-4 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, running.ID(), candidates[0].ID())

	// Cutoff in the past for its type: the same job is healthy.
	candidates, err = store.FindHungCandidates(ctx, map[jobs.JobType]time.Time{
		jobs.JobTypeSurvey:     now.Add(-time.Hour),
		jobs.JobTypeDownloader: now.Add(-2 * time.Hour),
		jobs.JobTypeProcessor:  now.Add(-4 * time.Hour),
	})
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestJobStore_FindQueuedAndActiveLookups(t *testing.T) {
	t.Parallel()
	store, pool, cleanup := setupJobStore(t)
	defer cleanup()
	ctx := context.Background()

	sampleID := uuid.New()
	insertSample(t, pool, sampleID, "GSM100003")

	sv := surveyJob("E-MTAB-0004")
	dl := downloaderJob("GSM100003", sampleID)
	require.NoError(t, store.Create(ctx, sv))
	require.NoError(t, store.Create(ctx, dl))

	queued, err := store.FindQueued(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	active, err := store.FindActiveBySampleAndType(ctx, sampleID, jobs.JobTypeDownloader)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, dl.ID(), active.ID())

	active, err = store.FindActiveBySampleAndType(ctx, sampleID, jobs.JobTypeProcessor)
	require.NoError(t, err)
	assert.Nil(t, active)

	active, err = store.FindActiveByAccessionAndType(ctx, "E-MTAB-0004", jobs.JobTypeSurvey)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sv.ID(), active.ID())

	bySample, err := store.ListBySample(ctx, sampleID)
	require.NoError(t, err)
	assert.Len(t, bySample, 1)
}
