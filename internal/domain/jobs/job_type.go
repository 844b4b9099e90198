package jobs

// JobType identifies which pipeline stage a job executes. The set is fixed:
// survey discovers samples, downloader retrieves raw data, processor
// transforms it into the standardized format.
type JobType string

const (
	// JobTypeSurvey discovers Samples and their metadata from an external
	// archive for an accession or accession range.
	JobTypeSurvey JobType = "SURVEY"

	// JobTypeDownloader retrieves the raw data for a Sample, producing an
	// OriginalFile.
	JobTypeDownloader JobType = "DOWNLOADER"

	// JobTypeProcessor transforms OriginalFiles into ComputedFiles using a
	// processor pipeline.
	JobTypeProcessor JobType = "PROCESSOR"

	// JobTypeUnspecified is used when a job type is unknown.
	JobTypeUnspecified JobType = "UNSPECIFIED"
)

// String returns the string representation of the JobType.
func (t JobType) String() string { return string(t) }

// ParseJobType converts a string to a JobType.
func ParseJobType(s string) JobType {
	switch s {
	case "SURVEY":
		return JobTypeSurvey
	case "DOWNLOADER":
		return JobTypeDownloader
	case "PROCESSOR":
		return JobTypeProcessor
	default:
		return JobTypeUnspecified
	}
}

// JobTypes lists every concrete job type in pipeline order.
func JobTypes() []JobType {
	return []JobType{JobTypeSurvey, JobTypeDownloader, JobTypeProcessor}
}
