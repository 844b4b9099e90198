package pipeline

// ProcessorPipeline names the scientific transformation applied to an
// OriginalFile. The orchestration core never executes these; it only selects
// one and records it in the processor job's payload.
type ProcessorPipeline string

const (
	// PipelineAffyToPCL converts Affymetrix microarray data to PCL.
	PipelineAffyToPCL ProcessorPipeline = "AFFY_TO_PCL"

	// PipelineSalmon quantifies RNA-seq data with salmon.
	PipelineSalmon ProcessorPipeline = "SALMON"

	// PipelineIlluminaToPCL converts Illumina BeadArray data to PCL.
	PipelineIlluminaToPCL ProcessorPipeline = "ILLUMINA_TO_PCL"

	// PipelineNoOp passes data through with only standardization of headers.
	// It is the fallback when no selection rule matches.
	PipelineNoOp ProcessorPipeline = "NO_OP"
)

// String returns the string representation of the ProcessorPipeline.
func (p ProcessorPipeline) String() string { return string(p) }

// SelectionRule maps a (discovery source, organism division) pair to the
// processor pipeline that handles its data.
type SelectionRule struct {
	Source   string
	Division string
	Pipeline ProcessorPipeline
}

// RuleSet is the ordered processor-selection table, loaded from
// configuration. First match wins; an empty Division matches any division.
type RuleSet struct {
	rules []SelectionRule
}

// NewRuleSet creates a RuleSet from configuration entries.
func NewRuleSet(rules []SelectionRule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Select returns the pipeline for the given source and division, falling back
// to NO_OP when no rule matches.
func (rs *RuleSet) Select(source, division string) ProcessorPipeline {
	for _, r := range rs.rules {
		if r.Source != source {
			continue
		}
		if r.Division == "" || r.Division == division {
			return r.Pipeline
		}
	}
	return PipelineNoOp
}
