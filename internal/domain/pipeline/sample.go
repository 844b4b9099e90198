// Package pipeline holds the domain entities for the harmonization pipeline:
// samples discovered by surveys, the raw files downloads produce, and the
// standardized files processing derives from them.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage marks how far through the pipeline a sample has progressed.
type Stage string

const (
	// StageDiscovered indicates a survey recorded the sample but no raw data
	// has been retrieved yet.
	StageDiscovered Stage = "DISCOVERED"

	// StageDownloaded indicates the sample's raw data landed as an
	// OriginalFile.
	StageDownloaded Stage = "DOWNLOADED"

	// StageProcessed indicates a ComputedFile exists for the sample. Final.
	StageProcessed Stage = "PROCESSED"
)

// String returns the string representation of the Stage.
func (s Stage) String() string { return string(s) }

// canAdvanceTo enforces forward-only stage progression.
func (s Stage) canAdvanceTo(target Stage) bool {
	switch s {
	case StageDiscovered:
		return target == StageDownloaded
	case StageDownloaded:
		return target == StageProcessed
	default:
		return false
	}
}

// Sample is a unit of biological data identified by an external accession
// code. Samples are created by survey execution and never deleted, only
// advanced through pipeline stages.
type Sample struct {
	id          uuid.UUID
	accession   string
	organism    string
	division    string
	source      string
	stage       Stage
	surveyJobID uuid.UUID
	createdAt   time.Time
	updatedAt   time.Time
}

// NewSample records a sample discovered by the given survey job.
func NewSample(id uuid.UUID, accession, organism, division, source string, surveyJobID uuid.UUID) *Sample {
	now := time.Now().UTC()
	return &Sample{
		id:          id,
		accession:   accession,
		organism:    organism,
		division:    division,
		source:      source,
		stage:       StageDiscovered,
		surveyJobID: surveyJobID,
		createdAt:   now,
		updatedAt:   now,
	}
}

// ReconstructSample creates a Sample from persisted data. This should only be
// used by repositories when loading from storage.
func ReconstructSample(
	id uuid.UUID,
	accession, organism, division, source string,
	stage Stage,
	surveyJobID uuid.UUID,
	createdAt, updatedAt time.Time,
) *Sample {
	return &Sample{
		id:          id,
		accession:   accession,
		organism:    organism,
		division:    division,
		source:      source,
		stage:       stage,
		surveyJobID: surveyJobID,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

// ID returns the unique identifier of this sample.
func (s *Sample) ID() uuid.UUID { return s.id }

// Accession returns the external accession code.
func (s *Sample) Accession() string { return s.accession }

// Organism returns the sample's organism name.
func (s *Sample) Organism() string { return s.organism }

// Division returns the organism division used for processor selection.
func (s *Sample) Division() string { return s.division }

// Source returns the discovery source (external archive) of this sample.
func (s *Sample) Source() string { return s.source }

// Stage returns the sample's current pipeline stage.
func (s *Sample) Stage() Stage { return s.stage }

// SurveyJobID returns the survey job that discovered this sample.
func (s *Sample) SurveyJobID() uuid.UUID { return s.surveyJobID }

// CreatedAt returns when the sample was first recorded.
func (s *Sample) CreatedAt() time.Time { return s.createdAt }

// UpdatedAt returns when the sample was last modified.
func (s *Sample) UpdatedAt() time.Time { return s.updatedAt }

// AdvanceStage moves the sample forward one pipeline stage. Regressions and
// stage skipping are rejected.
func (s *Sample) AdvanceStage(target Stage) error {
	if !s.stage.canAdvanceTo(target) {
		return fmt.Errorf("sample %s cannot advance from %s to %s", s.id, s.stage, target)
	}
	s.stage = target
	s.updatedAt = time.Now().UTC()
	return nil
}
