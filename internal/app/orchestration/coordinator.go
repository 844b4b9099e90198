// Package orchestration contains the foreman's application services: the
// pipeline coordinator that chains stages, the submitter and poll tracker
// that drive the execution substrate, and the retry supervisor that recovers
// failed and hung work.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/config"
	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/internal/domain/pipeline"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// PipelineCoordinator encodes the cross-stage chaining contract: survey
// success fans out download jobs, download success fans out processor jobs,
// processor success closes out the sample. Every enqueue consults the job
// store's uniqueness check, so re-running a pass after a crash never
// duplicates work.
type PipelineCoordinator struct {
	jobStore      jobs.JobRepository
	sampleRepo    pipeline.SampleRepository
	originalFiles pipeline.OriginalFileRepository
	dispatcher    jobs.Dispatcher
	notifier      jobs.Notifier

	cfg   *config.Config
	rules *pipeline.RuleSet

	// created counts jobs enqueued over this process's lifetime; it feeds
	// the exit report.
	created atomic.Uint64

	metrics ForemanMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewPipelineCoordinator creates the coordinator with its collaborators.
func NewPipelineCoordinator(
	jobStore jobs.JobRepository,
	sampleRepo pipeline.SampleRepository,
	originalFiles pipeline.OriginalFileRepository,
	dispatcher jobs.Dispatcher,
	notifier jobs.Notifier,
	cfg *config.Config,
	metrics ForemanMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *PipelineCoordinator {
	return &PipelineCoordinator{
		jobStore:      jobStore,
		sampleRepo:    sampleRepo,
		originalFiles: originalFiles,
		dispatcher:    dispatcher,
		notifier:      notifier,
		cfg:           cfg,
		rules:         cfg.RuleSet(),
		metrics:       metrics,
		logger:        logger.With("component", "pipeline_coordinator"),
		tracer:        tracer,
	}
}

// CreateSurveyJob enqueues a survey job for an accession or accession range.
// Deduplication keys on the payload's accession key, so distinct ranges get
// distinct jobs; an active survey under the same key makes this a no-op
// returning the existing job.
func (c *PipelineCoordinator) CreateSurveyJob(ctx context.Context, payload jobs.SurveyPayload) (*jobs.Job, error) {
	accessionKey, err := payload.AccessionKey()
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.create_survey_job",
		trace.WithAttributes(
			attribute.String("accession", accessionKey),
			attribute.String("source", payload.Source),
		),
	)
	defer span.End()

	existing, err := c.jobStore.FindActiveByAccessionAndType(ctx, accessionKey, jobs.JobTypeSurvey)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("checking for active survey job: %w", err)
	}
	if existing != nil {
		span.AddEvent("active_survey_exists")
		return existing, nil
	}

	raw, err := jobs.MarshalPayload(payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	job := jobs.NewJob(uuid.New(), jobs.JobTypeSurvey, accessionKey, raw, c.cfg.Survey.MaxRetries)
	if err := c.createJob(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrDuplicateActiveJob) {
			// Another scheduler created it between our pre-check and write.
			span.AddEvent("duplicate_survey_resolved")
			return c.jobStore.FindActiveByAccessionAndType(ctx, accessionKey, jobs.JobTypeSurvey)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create survey job")
		return nil, err
	}

	c.logger.Info(ctx, "Created survey job",
		"job_id", job.ID().String(), "accession", accessionKey)
	return job, nil
}

// OnJobSucceeded applies the post-success side effect for a job's type: the
// chained next-stage jobs, or the sample's stage closeout. It returns the IDs
// of jobs newly created. The pass is idempotent: duplicate-active and
// already-advanced conditions are treated as no-ops.
func (c *PipelineCoordinator) OnJobSucceeded(ctx context.Context, job *jobs.Job) ([]uuid.UUID, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.on_job_succeeded",
		trace.WithAttributes(
			attribute.String("job_id", job.ID().String()),
			attribute.String("job_type", job.Type().String()),
		),
	)
	defer span.End()

	var created []uuid.UUID
	var err error

	switch job.Type() {
	case jobs.JobTypeSurvey:
		created, err = c.chainDownloads(ctx, job)
	case jobs.JobTypeDownloader:
		created, err = c.chainProcessing(ctx, job)
	case jobs.JobTypeProcessor:
		err = c.closeOutSample(ctx, job)
	default:
		err = fmt.Errorf("job %s has unknown type %s", job.ID(), job.Type())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chaining failed")
		return created, err
	}

	span.AddEvent("chaining_complete", trace.WithAttributes(
		attribute.Int("jobs_created", len(created)),
	))
	return created, nil
}

// chainDownloads creates one download job per sample the survey discovered
// that has not yet been downloaded.
func (c *PipelineCoordinator) chainDownloads(ctx context.Context, surveyJob *jobs.Job) ([]uuid.UUID, error) {
	samples, err := c.sampleRepo.ListBySurveyJob(ctx, surveyJob.ID())
	if err != nil {
		return nil, fmt.Errorf("listing samples for survey job %s: %w", surveyJob.ID(), err)
	}

	var created []uuid.UUID
	for _, sample := range samples {
		if sample.Stage() != pipeline.StageDiscovered {
			continue
		}

		payload, err := jobs.MarshalPayload(jobs.DownloadPayload{
			SampleID:  sample.ID(),
			Accession: sample.Accession(),
			Source:    sample.Source(),
		})
		if err != nil {
			return created, err
		}

		job := jobs.NewJob(uuid.New(), jobs.JobTypeDownloader, sample.Accession(), payload,
			c.cfg.Downloader.MaxRetries, jobs.WithSample(sample.ID()))
		if err := c.createJob(ctx, job); err != nil {
			if errors.Is(err, jobs.ErrDuplicateActiveJob) {
				// A prior pass already enqueued this sample's download.
				continue
			}
			return created, fmt.Errorf("creating download job for sample %s: %w", sample.ID(), err)
		}
		created = append(created, job.ID())
	}

	c.logger.Info(ctx, "Chained download jobs",
		"survey_job_id", surveyJob.ID().String(),
		"samples", len(samples), "jobs_created", len(created))
	return created, nil
}

// chainProcessing advances the sample to DOWNLOADED and creates one processor
// job per original file the download produced, selecting the pipeline from
// the rule table.
func (c *PipelineCoordinator) chainProcessing(ctx context.Context, downloadJob *jobs.Job) ([]uuid.UUID, error) {
	sample, err := c.sampleRepo.Get(ctx, downloadJob.SampleID())
	if err != nil {
		return nil, fmt.Errorf("loading sample %s: %w", downloadJob.SampleID(), err)
	}

	if sample.Stage() == pipeline.StageDiscovered {
		if err := sample.AdvanceStage(pipeline.StageDownloaded); err != nil {
			return nil, err
		}
		if err := c.sampleRepo.UpdateStage(ctx, sample); err != nil {
			return nil, fmt.Errorf("advancing sample %s to downloaded: %w", sample.ID(), err)
		}
	}

	files, err := c.originalFiles.ListByDownloadJob(ctx, downloadJob.ID())
	if err != nil {
		return nil, fmt.Errorf("listing original files for download job %s: %w", downloadJob.ID(), err)
	}

	selected := c.rules.Select(sample.Source(), sample.Division())

	var created []uuid.UUID
	for _, file := range files {
		payload, err := jobs.MarshalPayload(jobs.ProcessPayload{
			SampleID:       sample.ID(),
			OriginalFileID: file.ID(),
			Pipeline:       selected.String(),
			RawFormat:      file.RawFormat(),
		})
		if err != nil {
			return created, err
		}

		job := jobs.NewJob(uuid.New(), jobs.JobTypeProcessor, sample.Accession(), payload,
			c.cfg.Processor.MaxRetries,
			jobs.WithSample(sample.ID()), jobs.WithOriginalFile(file.ID()))
		if err := c.createJob(ctx, job); err != nil {
			if errors.Is(err, jobs.ErrDuplicateActiveJob) {
				continue
			}
			return created, fmt.Errorf("creating processor job for file %s: %w", file.ID(), err)
		}
		created = append(created, job.ID())
	}

	c.logger.Info(ctx, "Chained processor jobs",
		"download_job_id", downloadJob.ID().String(),
		"pipeline", selected.String(), "jobs_created", len(created))
	return created, nil
}

// closeOutSample marks the sample's pipeline stage PROCESSED. The processor
// stage is terminal; nothing chains after it.
func (c *PipelineCoordinator) closeOutSample(ctx context.Context, processJob *jobs.Job) error {
	sample, err := c.sampleRepo.Get(ctx, processJob.SampleID())
	if err != nil {
		return fmt.Errorf("loading sample %s: %w", processJob.SampleID(), err)
	}

	if sample.Stage() == pipeline.StageProcessed {
		return nil
	}
	if err := sample.AdvanceStage(pipeline.StageProcessed); err != nil {
		return err
	}
	if err := c.sampleRepo.UpdateStage(ctx, sample); err != nil {
		return fmt.Errorf("advancing sample %s to processed: %w", sample.ID(), err)
	}

	c.logger.Info(ctx, "Sample pipeline complete",
		"sample_id", sample.ID().String(), "accession", sample.Accession())
	return nil
}

// CancelSample cancels every active job concerning a sample: the substrate
// execution is cancelled first, then the job force-transitions to CANCELLED.
func (c *PipelineCoordinator) CancelSample(ctx context.Context, sampleID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.cancel_sample",
		trace.WithAttributes(attribute.String("sample_id", sampleID.String())),
	)
	defer span.End()

	sampleJobs, err := c.jobStore.ListBySample(ctx, sampleID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("listing jobs for sample %s: %w", sampleID, err)
	}

	var cancelled int
	for _, job := range sampleJobs {
		if !job.Status().IsActive() {
			continue
		}

		if job.ExecutionName() != "" {
			if err := c.dispatcher.Cancel(ctx, jobs.ExecutionHandle{Name: job.ExecutionName()}); err != nil {
				span.RecordError(err)
				return fmt.Errorf("cancelling execution for job %s: %w", job.ID(), err)
			}
		}

		expected := job.Status()
		if err := job.Cancel(); err != nil {
			return err
		}
		if err := c.jobStore.Update(ctx, job, expected); err != nil {
			if errors.Is(err, jobs.ErrStateConflict) {
				// The job moved under us; the next pass sees its new state.
				c.metrics.IncStateConflicts(ctx)
				continue
			}
			return fmt.Errorf("persisting cancellation of job %s: %w", job.ID(), err)
		}
		c.metrics.IncJobsCancelled(ctx, job.Type().String())
		cancelled++
	}

	c.logger.Info(ctx, "Cancelled sample pipeline",
		"sample_id", sampleID.String(), "jobs_cancelled", cancelled)
	span.AddEvent("sample_cancelled", trace.WithAttributes(attribute.Int("jobs_cancelled", cancelled)))
	return nil
}

// JobsCreated returns how many jobs this coordinator has enqueued.
func (c *PipelineCoordinator) JobsCreated() uint64 { return c.created.Load() }

func (c *PipelineCoordinator) createJob(ctx context.Context, job *jobs.Job) error {
	if err := c.jobStore.Create(ctx, job); err != nil {
		return err
	}
	c.created.Add(1)
	c.metrics.IncJobsCreated(ctx, job.Type().String())
	if err := c.notifier.JobCreated(ctx, job); err != nil {
		// Lifecycle notifications are best-effort; only terminal-failure
		// alerts are load-bearing.
		c.logger.Warn(ctx, "Failed to publish job created event",
			"job_id", job.ID().String(), "error", err)
	}
	return nil
}
