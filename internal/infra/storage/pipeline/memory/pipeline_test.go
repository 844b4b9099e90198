package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinebio/refinery/internal/domain/pipeline"
)

func TestSampleStore_CreateGetAndDuplicates(t *testing.T) {
	t.Parallel()
	store := NewSampleStore()
	ctx := context.Background()

	surveyJobID := uuid.New()
	sample := pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "Hsapiens", "ARRAY_EXPRESS", surveyJobID)
	require.NoError(t, store.Create(ctx, sample))

	loaded, err := store.Get(ctx, sample.ID())
	require.NoError(t, err)
	assert.Equal(t, sample.Accession(), loaded.Accession())

	byAccession, err := store.GetByAccession(ctx, "GSM100001")
	require.NoError(t, err)
	assert.Equal(t, sample.ID(), byAccession.ID())

	dup := pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJobID)
	assert.ErrorIs(t, store.Create(ctx, dup), pipeline.ErrDuplicateAccession)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, pipeline.ErrSampleNotFound)
}

func TestSampleStore_StageUpdateIsDetached(t *testing.T) {
	t.Parallel()
	store := NewSampleStore()
	ctx := context.Background()

	sample := pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", uuid.New())
	require.NoError(t, store.Create(ctx, sample))

	// Advancing the caller's copy must not change the stored sample until
	// UpdateStage is called.
	require.NoError(t, sample.AdvanceStage(pipeline.StageDownloaded))
	stored, err := store.Get(ctx, sample.ID())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageDiscovered, stored.Stage())

	require.NoError(t, store.UpdateStage(ctx, sample))
	stored, err = store.Get(ctx, sample.ID())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageDownloaded, stored.Stage())
}

func TestSampleStore_ListBySurveyJob(t *testing.T) {
	t.Parallel()
	store := NewSampleStore()
	ctx := context.Background()

	surveyJobID := uuid.New()
	require.NoError(t, store.Create(ctx,
		pipeline.NewSample(uuid.New(), "GSM100002", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJobID)))
	require.NoError(t, store.Create(ctx,
		pipeline.NewSample(uuid.New(), "GSM100001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", surveyJobID)))
	require.NoError(t, store.Create(ctx,
		pipeline.NewSample(uuid.New(), "GSM200001", "HOMO_SAPIENS", "", "ARRAY_EXPRESS", uuid.New())))

	found, err := store.ListBySurveyJob(ctx, surveyJobID)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "GSM100001", found[0].Accession())
}

func TestOriginalFileStore_CreateGetAndList(t *testing.T) {
	t.Parallel()
	store := NewOriginalFileStore()
	ctx := context.Background()

	sampleID := uuid.New()
	downloadJobID := uuid.New()
	file := pipeline.NewOriginalFile(uuid.New(), sampleID, downloadJobID,
		"https://example.org/sample.cel", "CEL", 2048, "abc123")
	require.NoError(t, store.Create(ctx, file))

	loaded, err := store.Get(ctx, file.ID())
	require.NoError(t, err)
	assert.Equal(t, "CEL", loaded.RawFormat())

	byJob, err := store.ListByDownloadJob(ctx, downloadJobID)
	require.NoError(t, err)
	assert.Len(t, byJob, 1)

	bySample, err := store.ListBySample(ctx, sampleID)
	require.NoError(t, err)
	assert.Len(t, bySample, 1)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, pipeline.ErrOriginalFileNotFound)
}

func TestComputedFileStore_CreateGetAndList(t *testing.T) {
	t.Parallel()
	store := NewComputedFileStore()
	ctx := context.Background()

	processJobID := uuid.New()
	file := pipeline.NewComputedFile(uuid.New(), uuid.New(), processJobID, "PCL", "s3://refinery/x.pcl", 1024)
	require.NoError(t, store.Create(ctx, file))

	loaded, err := store.Get(ctx, file.ID())
	require.NoError(t, err)
	assert.Equal(t, "PCL", loaded.OutputFormat())

	byJob, err := store.ListByProcessJob(ctx, processJobID)
	require.NoError(t, err)
	assert.Len(t, byJob, 1)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, pipeline.ErrComputedFileNotFound)
}
