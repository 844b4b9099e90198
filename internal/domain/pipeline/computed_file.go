package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// ComputedFile is a derived artifact produced by a processor job from one
// OriginalFile.
type ComputedFile struct {
	id             uuid.UUID
	originalFileID uuid.UUID
	processJobID   uuid.UUID
	outputFormat   string
	location       string
	sizeBytes      int64
	createdAt      time.Time
}

// NewComputedFile records a derived artifact produced by a processor job.
func NewComputedFile(id, originalFileID, processJobID uuid.UUID, outputFormat, location string, sizeBytes int64) *ComputedFile {
	return &ComputedFile{
		id:             id,
		originalFileID: originalFileID,
		processJobID:   processJobID,
		outputFormat:   outputFormat,
		location:       location,
		sizeBytes:      sizeBytes,
		createdAt:      time.Now().UTC(),
	}
}

// ReconstructComputedFile creates a ComputedFile from persisted data.
func ReconstructComputedFile(
	id, originalFileID, processJobID uuid.UUID,
	outputFormat, location string,
	sizeBytes int64,
	createdAt time.Time,
) *ComputedFile {
	return &ComputedFile{
		id:             id,
		originalFileID: originalFileID,
		processJobID:   processJobID,
		outputFormat:   outputFormat,
		location:       location,
		sizeBytes:      sizeBytes,
		createdAt:      createdAt,
	}
}

// ID returns the unique identifier of this file.
func (f *ComputedFile) ID() uuid.UUID { return f.id }

// OriginalFileID returns the raw artifact this file was derived from.
func (f *ComputedFile) OriginalFileID() uuid.UUID { return f.originalFileID }

// ProcessJobID returns the processor job that produced this file.
func (f *ComputedFile) ProcessJobID() uuid.UUID { return f.processJobID }

// OutputFormat returns the standardized output format (e.g. PCL).
func (f *ComputedFile) OutputFormat() string { return f.outputFormat }

// Location returns where the derived artifact is stored.
func (f *ComputedFile) Location() string { return f.location }

// SizeBytes returns the artifact size.
func (f *ComputedFile) SizeBytes() int64 { return f.sizeBytes }

// CreatedAt returns when the file record was created.
func (f *ComputedFile) CreatedAt() time.Time { return f.createdAt }
