package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/internal/domain/pipeline"
	"github.com/refinebio/refinery/internal/infra/storage"
	jobspg "github.com/refinebio/refinery/internal/infra/storage/jobs/postgres"
)

func setupPipelineTest(t *testing.T) (context.Context, *pgxpool.Pool, func()) {
	t.Helper()
	pool, cleanup := storage.SetupTestContainer(t)
	return context.Background(), pool, cleanup
}

func createTestSurveyJob(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *jobs.Job {
	t.Helper()
	store := jobspg.NewJobStore(pool, storage.NoOpTracer())
	job := jobs.NewJob(uuid.New(), jobs.JobTypeSurvey, "E-MTAB-3050", []byte(`{}`), 3)
	require.NoError(t, store.Create(ctx, job))
	return job
}

func TestSampleStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupPipelineTest(t)
	defer cleanup()

	surveyJob := createTestSurveyJob(t, ctx, pool)
	store := NewSampleStore(pool, storage.NoOpTracer())

	sample := pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "Hsapiens", "ARRAY_EXPRESS", surveyJob.ID())
	require.NoError(t, store.Create(ctx, sample))

	loaded, err := store.Get(ctx, sample.ID())
	require.NoError(t, err)
	assert.Equal(t, sample.ID(), loaded.ID())
	assert.Equal(t, "GSM100001", loaded.Accession())
	assert.Equal(t, pipeline.StageDiscovered, loaded.Stage())
	assert.Equal(t, surveyJob.ID(), loaded.SurveyJobID())

	byAccession, err := store.GetByAccession(ctx, "GSM100001")
	require.NoError(t, err)
	assert.Equal(t, sample.ID(), byAccession.ID())

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, pipeline.ErrSampleNotFound)
}

func TestSampleStore_DuplicateAccession(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupPipelineTest(t)
	defer cleanup()

	surveyJob := createTestSurveyJob(t, ctx, pool)
	store := NewSampleStore(pool, storage.NoOpTracer())

	require.NoError(t, store.Create(ctx,
		pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJob.ID())))

	err := store.Create(ctx,
		pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJob.ID()))
	assert.ErrorIs(t, err, pipeline.ErrDuplicateAccession)
}

func TestSampleStore_ListBySurveyJobAndUpdateStage(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupPipelineTest(t)
	defer cleanup()

	surveyJob := createTestSurveyJob(t, ctx, pool)
	store := NewSampleStore(pool, storage.NoOpTracer())

	first := pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJob.ID())
	second := pipeline.NewSample(uuid.New(), "GSM100002", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJob.ID())
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	found, err := store.ListBySurveyJob(ctx, surveyJob.ID())
	require.NoError(t, err)
	assert.Len(t, found, 2)

	require.NoError(t, first.AdvanceStage(pipeline.StageDownloaded))
	require.NoError(t, store.UpdateStage(ctx, first))

	loaded, err := store.Get(ctx, first.ID())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageDownloaded, loaded.Stage())
}

func TestOriginalFileStore_CreateGetAndList(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupPipelineTest(t)
	defer cleanup()

	surveyJob := createTestSurveyJob(t, ctx, pool)
	sampleStore := NewSampleStore(pool, storage.NoOpTracer())
	fileStore := NewOriginalFileStore(pool, storage.NoOpTracer())

	sample := pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJob.ID())
	require.NoError(t, sampleStore.Create(ctx, sample))

	downloadJobID := uuid.New()
	jobStore := jobspg.NewJobStore(pool, storage.NoOpTracer())
	require.NoError(t, jobStore.Create(ctx,
		jobs.NewJob(downloadJobID, jobs.JobTypeDownloader, "GSM100001", []byte(`{}`), 3, jobs.WithSample(sample.ID()))))

	file := pipeline.NewOriginalFile(uuid.New(), sample.ID(), downloadJobID,
		"https://www.ebi.ac.uk/arrayexpress/files/E-MTAB-3050/sample.cel", "CEL", 2048, "abc123")
	require.NoError(t, fileStore.Create(ctx, file))

	loaded, err := fileStore.Get(ctx, file.ID())
	require.NoError(t, err)
	assert.Equal(t, file.ID(), loaded.ID())
	assert.Equal(t, "CEL", loaded.RawFormat())
	assert.True(t, loaded.Complete())

	byJob, err := fileStore.ListByDownloadJob(ctx, downloadJobID)
	require.NoError(t, err)
	assert.Len(t, byJob, 1)

	bySample, err := fileStore.ListBySample(ctx, sample.ID())
	require.NoError(t, err)
	assert.Len(t, bySample, 1)

	_, err = fileStore.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, pipeline.ErrOriginalFileNotFound)
}

func TestComputedFileStore_CreateGetAndList(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupPipelineTest(t)
	defer cleanup()

	surveyJob := createTestSurveyJob(t, ctx, pool)
	sampleStore := NewSampleStore(pool, storage.NoOpTracer())
	originalStore := NewOriginalFileStore(pool, storage.NoOpTracer())
	computedStore := NewComputedFileStore(pool, storage.NoOpTracer())

	sample := pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJob.ID())
	require.NoError(t, sampleStore.Create(ctx, sample))

	original := pipeline.NewOriginalFile(uuid.New(), sample.ID(), uuid.Nil,
		"https://example.org/sample.cel", "CEL", 2048, "abc123")
	require.NoError(t, originalStore.Create(ctx, original))

	processJobID := uuid.New()
	jobStore := jobspg.NewJobStore(pool, storage.NoOpTracer())
	require.NoError(t, jobStore.Create(ctx,
		jobs.NewJob(processJobID, jobs.JobTypeProcessor, "GSM100001", []byte(`{}`), 3,
			jobs.WithSample(sample.ID()), jobs.WithOriginalFile(original.ID()))))

	computed := pipeline.NewComputedFile(uuid.New(), original.ID(), processJobID, "PCL", "s3://refinery/GSM100001.pcl", 1024)
	require.NoError(t, computedStore.Create(ctx, computed))

	loaded, err := computedStore.Get(ctx, computed.ID())
	require.NoError(t, err)
	assert.Equal(t, computed.ID(), loaded.ID())
	assert.Equal(t, "PCL", loaded.OutputFormat())

	byJob, err := computedStore.ListByProcessJob(ctx, processJobID)
	require.NoError(t, err)
	assert.Len(t, byJob, 1)

	_, err = computedStore.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, pipeline.ErrComputedFileNotFound)
}
