package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SurveyPayload carries the invocation parameters for a survey job: which
// external archive to interrogate and for what accession or accession range.
type SurveyPayload struct {
	Accession      string `json:"accession"`
	AccessionStart string `json:"accession_start,omitempty"`
	AccessionEnd   string `json:"accession_end,omitempty"`
	Source         string `json:"source"`
	Organism       string `json:"organism,omitempty"`
	Division       string `json:"division,omitempty"`
}

// AccessionKey returns the identity a survey job is deduplicated under: the
// single accession, or "start..end" for a range survey. A payload naming
// neither is invalid.
func (p SurveyPayload) AccessionKey() (string, error) {
	if p.Accession != "" {
		return p.Accession, nil
	}
	if p.AccessionStart != "" && p.AccessionEnd != "" {
		return p.AccessionStart + ".." + p.AccessionEnd, nil
	}
	return "", fmt.Errorf("survey payload names neither an accession nor an accession range")
}

// DownloadPayload carries the invocation parameters for a downloader job.
type DownloadPayload struct {
	SampleID  uuid.UUID `json:"sample_id"`
	Accession string    `json:"accession"`
	Source    string    `json:"source"`
	SourceURL string    `json:"source_url"`
}

// ProcessPayload carries the invocation parameters for a processor job,
// including the pipeline chosen by the processor-selection rule.
type ProcessPayload struct {
	SampleID       uuid.UUID `json:"sample_id"`
	OriginalFileID uuid.UUID `json:"original_file_id"`
	Pipeline       string    `json:"pipeline"`
	RawFormat      string    `json:"raw_format,omitempty"`
}

// MarshalPayload serializes a typed payload for storage on a Job.
func MarshalPayload(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling job payload: %w", err)
	}
	return raw, nil
}

// SurveyPayloadFrom deserializes a survey job's payload.
func SurveyPayloadFrom(job *Job) (SurveyPayload, error) {
	var p SurveyPayload
	if err := json.Unmarshal(job.Payload(), &p); err != nil {
		return SurveyPayload{}, fmt.Errorf("unmarshaling survey payload for job %s: %w", job.ID(), err)
	}
	return p, nil
}

// DownloadPayloadFrom deserializes a downloader job's payload.
func DownloadPayloadFrom(job *Job) (DownloadPayload, error) {
	var p DownloadPayload
	if err := json.Unmarshal(job.Payload(), &p); err != nil {
		return DownloadPayload{}, fmt.Errorf("unmarshaling download payload for job %s: %w", job.ID(), err)
	}
	return p, nil
}

// ProcessPayloadFrom deserializes a processor job's payload.
func ProcessPayloadFrom(job *Job) (ProcessPayload, error) {
	var p ProcessPayload
	if err := json.Unmarshal(job.Payload(), &p); err != nil {
		return ProcessPayload{}, fmt.Errorf("unmarshaling process payload for job %s: %w", job.ID(), err)
	}
	return p, nil
}
