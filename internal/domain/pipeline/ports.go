package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// SampleRepository persists samples. Samples are shared with the survey
// collaborator, which writes discoveries through the same table.
type SampleRepository interface {
	Create(ctx context.Context, sample *Sample) error
	Get(ctx context.Context, id uuid.UUID) (*Sample, error)
	GetByAccession(ctx context.Context, accession string) (*Sample, error)
	// ListBySurveyJob returns every sample a survey run recorded.
	ListBySurveyJob(ctx context.Context, surveyJobID uuid.UUID) ([]*Sample, error)
	// UpdateStage persists a stage advancement.
	UpdateStage(ctx context.Context, sample *Sample) error
}

// OriginalFileRepository persists raw artifacts. Files marked complete are
// immutable; implementations reject updates to them.
type OriginalFileRepository interface {
	Create(ctx context.Context, file *OriginalFile) error
	Get(ctx context.Context, id uuid.UUID) (*OriginalFile, error)
	// ListByDownloadJob returns the artifacts a downloader job produced.
	ListByDownloadJob(ctx context.Context, downloadJobID uuid.UUID) ([]*OriginalFile, error)
	ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*OriginalFile, error)
}

// ComputedFileRepository persists derived artifacts.
type ComputedFileRepository interface {
	Create(ctx context.Context, file *ComputedFile) error
	Get(ctx context.Context, id uuid.UUID) (*ComputedFile, error)
	// ListByProcessJob returns the artifacts a processor job produced.
	ListByProcessJob(ctx context.Context, processJobID uuid.UUID) ([]*ComputedFile, error)
}
