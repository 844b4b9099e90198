package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// OriginalFile is a raw data artifact produced by a downloader job. Once
// marked complete it is immutable; repositories reject further writes.
type OriginalFile struct {
	id            uuid.UUID
	sampleID      uuid.UUID
	downloadJobID uuid.UUID
	sourceURL     string
	rawFormat     string
	sizeBytes     int64
	sha256        string
	complete      bool
	createdAt     time.Time
}

// NewOriginalFile records a raw artifact retrieved by a downloader job.
func NewOriginalFile(id, sampleID, downloadJobID uuid.UUID, sourceURL, rawFormat string, sizeBytes int64, sha256 string) *OriginalFile {
	return &OriginalFile{
		id:            id,
		sampleID:      sampleID,
		downloadJobID: downloadJobID,
		sourceURL:     sourceURL,
		rawFormat:     rawFormat,
		sizeBytes:     sizeBytes,
		sha256:        sha256,
		complete:      true,
		createdAt:     time.Now().UTC(),
	}
}

// ReconstructOriginalFile creates an OriginalFile from persisted data.
func ReconstructOriginalFile(
	id, sampleID, downloadJobID uuid.UUID,
	sourceURL, rawFormat string,
	sizeBytes int64,
	sha256 string,
	complete bool,
	createdAt time.Time,
) *OriginalFile {
	return &OriginalFile{
		id:            id,
		sampleID:      sampleID,
		downloadJobID: downloadJobID,
		sourceURL:     sourceURL,
		rawFormat:     rawFormat,
		sizeBytes:     sizeBytes,
		sha256:        sha256,
		complete:      complete,
		createdAt:     createdAt,
	}
}

// ID returns the unique identifier of this file.
func (f *OriginalFile) ID() uuid.UUID { return f.id }

// SampleID returns the owning sample.
func (f *OriginalFile) SampleID() uuid.UUID { return f.sampleID }

// DownloadJobID returns the downloader job that produced this file.
func (f *OriginalFile) DownloadJobID() uuid.UUID { return f.downloadJobID }

// SourceURL returns where the raw data was retrieved from.
func (f *OriginalFile) SourceURL() string { return f.sourceURL }

// RawFormat returns the raw data format (e.g. CEL, FASTQ).
func (f *OriginalFile) RawFormat() string { return f.rawFormat }

// SizeBytes returns the artifact size as reported by the download client.
func (f *OriginalFile) SizeBytes() int64 { return f.sizeBytes }

// SHA256 returns the artifact checksum as reported by the download client.
func (f *OriginalFile) SHA256() string { return f.sha256 }

// Complete reports whether the download finished and the file is immutable.
func (f *OriginalFile) Complete() bool { return f.complete }

// CreatedAt returns when the file record was created.
func (f *OriginalFile) CreatedAt() time.Time { return f.createdAt }
