package pipeline

import "errors"

var (
	// ErrSampleNotFound indicates the requested sample does not exist.
	ErrSampleNotFound = errors.New("sample not found")

	// ErrOriginalFileNotFound indicates the requested raw artifact does not
	// exist.
	ErrOriginalFileNotFound = errors.New("original file not found")

	// ErrComputedFileNotFound indicates the requested derived artifact does
	// not exist.
	ErrComputedFileNotFound = errors.New("computed file not found")

	// ErrDuplicateAccession indicates a sample with the same accession code
	// already exists. Surveys re-running over the same accession treat this as
	// already-discovered, not a failure.
	ErrDuplicateAccession = errors.New("sample accession already recorded")
)
