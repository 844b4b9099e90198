// Package memory provides in-memory pipeline repositories for testing and
// development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/refinebio/refinery/internal/domain/pipeline"
)

var (
	_ pipeline.SampleRepository       = (*SampleStore)(nil)
	_ pipeline.OriginalFileRepository = (*OriginalFileStore)(nil)
	_ pipeline.ComputedFileRepository = (*ComputedFileStore)(nil)
)

// SampleStore provides an in-memory implementation of SampleRepository.
type SampleStore struct {
	mu      sync.Mutex
	samples map[uuid.UUID]*pipeline.Sample
}

// NewSampleStore creates an empty in-memory sample store.
func NewSampleStore() *SampleStore {
	return &SampleStore{samples: make(map[uuid.UUID]*pipeline.Sample)}
}

// Create persists a newly discovered sample, rejecting duplicate accessions.
func (s *SampleStore) Create(ctx context.Context, sample *pipeline.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.samples {
		if existing.Accession() == sample.Accession() {
			return pipeline.ErrDuplicateAccession
		}
	}
	s.samples[sample.ID()] = deepCopySample(sample)
	return nil
}

// Get retrieves a sample by ID.
func (s *SampleStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample, exists := s.samples[id]
	if !exists {
		return nil, pipeline.ErrSampleNotFound
	}
	return deepCopySample(sample), nil
}

// GetByAccession retrieves a sample by accession code.
func (s *SampleStore) GetByAccession(ctx context.Context, accession string) (*pipeline.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sample := range s.samples {
		if sample.Accession() == accession {
			return deepCopySample(sample), nil
		}
	}
	return nil, pipeline.ErrSampleNotFound
}

// ListBySurveyJob returns every sample a survey run recorded.
func (s *SampleStore) ListBySurveyJob(ctx context.Context, surveyJobID uuid.UUID) ([]*pipeline.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*pipeline.Sample
	for _, sample := range s.samples {
		if sample.SurveyJobID() == surveyJobID {
			found = append(found, deepCopySample(sample))
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].Accession() < found[j].Accession()
	})
	return found, nil
}

// UpdateStage persists a stage advancement.
func (s *SampleStore) UpdateStage(ctx context.Context, sample *pipeline.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.samples[sample.ID()]; !exists {
		return pipeline.ErrSampleNotFound
	}
	s.samples[sample.ID()] = deepCopySample(sample)
	return nil
}

func deepCopySample(s *pipeline.Sample) *pipeline.Sample {
	return pipeline.ReconstructSample(
		s.ID(),
		s.Accession(), s.Organism(), s.Division(), s.Source(),
		s.Stage(),
		s.SurveyJobID(),
		s.CreatedAt(), s.UpdatedAt(),
	)
}

// OriginalFileStore provides an in-memory implementation of
// OriginalFileRepository.
type OriginalFileStore struct {
	mu    sync.Mutex
	files map[uuid.UUID]*pipeline.OriginalFile
}

// NewOriginalFileStore creates an empty in-memory original file store.
func NewOriginalFileStore() *OriginalFileStore {
	return &OriginalFileStore{files: make(map[uuid.UUID]*pipeline.OriginalFile)}
}

// Create persists a raw artifact record.
func (s *OriginalFileStore) Create(ctx context.Context, file *pipeline.OriginalFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file.ID()] = deepCopyOriginalFile(file)
	return nil
}

// Get retrieves a raw artifact by ID.
func (s *OriginalFileStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.OriginalFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, exists := s.files[id]
	if !exists {
		return nil, pipeline.ErrOriginalFileNotFound
	}
	return deepCopyOriginalFile(file), nil
}

// ListByDownloadJob returns the artifacts a downloader job produced.
func (s *OriginalFileStore) ListByDownloadJob(ctx context.Context, downloadJobID uuid.UUID) ([]*pipeline.OriginalFile, error) {
	return s.filter(func(f *pipeline.OriginalFile) bool {
		return f.DownloadJobID() == downloadJobID
	}), nil
}

// ListBySample returns every raw artifact recorded for a sample.
func (s *OriginalFileStore) ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*pipeline.OriginalFile, error) {
	return s.filter(func(f *pipeline.OriginalFile) bool {
		return f.SampleID() == sampleID
	}), nil
}

func (s *OriginalFileStore) filter(keep func(*pipeline.OriginalFile) bool) []*pipeline.OriginalFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*pipeline.OriginalFile
	for _, file := range s.files {
		if keep(file) {
			found = append(found, deepCopyOriginalFile(file))
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].CreatedAt().Before(found[j].CreatedAt())
	})
	return found
}

func deepCopyOriginalFile(f *pipeline.OriginalFile) *pipeline.OriginalFile {
	return pipeline.ReconstructOriginalFile(
		f.ID(), f.SampleID(), f.DownloadJobID(),
		f.SourceURL(), f.RawFormat(),
		f.SizeBytes(), f.SHA256(), f.Complete(), f.CreatedAt(),
	)
}

// ComputedFileStore provides an in-memory implementation of
// ComputedFileRepository.
type ComputedFileStore struct {
	mu    sync.Mutex
	files map[uuid.UUID]*pipeline.ComputedFile
}

// NewComputedFileStore creates an empty in-memory computed file store.
func NewComputedFileStore() *ComputedFileStore {
	return &ComputedFileStore{files: make(map[uuid.UUID]*pipeline.ComputedFile)}
}

// Create persists a derived artifact record.
func (s *ComputedFileStore) Create(ctx context.Context, file *pipeline.ComputedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file.ID()] = deepCopyComputedFile(file)
	return nil
}

// Get retrieves a derived artifact by ID.
func (s *ComputedFileStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.ComputedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, exists := s.files[id]
	if !exists {
		return nil, pipeline.ErrComputedFileNotFound
	}
	return deepCopyComputedFile(file), nil
}

// ListByProcessJob returns the artifacts a processor job produced.
func (s *ComputedFileStore) ListByProcessJob(ctx context.Context, processJobID uuid.UUID) ([]*pipeline.ComputedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*pipeline.ComputedFile
	for _, file := range s.files {
		if file.ProcessJobID() == processJobID {
			found = append(found, deepCopyComputedFile(file))
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].CreatedAt().Before(found[j].CreatedAt())
	})
	return found, nil
}

func deepCopyComputedFile(f *pipeline.ComputedFile) *pipeline.ComputedFile {
	return pipeline.ReconstructComputedFile(
		f.ID(), f.OriginalFileID(), f.ProcessJobID(),
		f.OutputFormat(), f.Location(),
		f.SizeBytes(), f.CreatedAt(),
	)
}
