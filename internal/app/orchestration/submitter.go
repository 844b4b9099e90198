package orchestration

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/config"
	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// Submitter drains the queue of QUEUED jobs onto the execution substrate.
// Each pass claims a batch, submits every job, and records the substrate's
// execution handle with a status-conditioned write so a racing scheduler's
// claim is detected rather than overwritten.
type Submitter struct {
	jobStore   jobs.JobRepository
	dispatcher jobs.Dispatcher

	batchSize int

	metrics ForemanMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewSubmitter creates a submitter claiming up to cfg.DispatchBatchSize jobs
// per pass.
func NewSubmitter(
	jobStore jobs.JobRepository,
	dispatcher jobs.Dispatcher,
	cfg *config.Config,
	metrics ForemanMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Submitter {
	return &Submitter{
		jobStore:   jobStore,
		dispatcher: dispatcher,
		batchSize:  cfg.DispatchBatchSize,
		metrics:    metrics,
		logger:     logger.With("component", "submitter"),
		tracer:     tracer,
	}
}

// DispatchPass submits one batch of queued jobs and returns how many were
// started. Per-job errors are logged and counted, not fatal: one bad job
// must not wedge the queue behind it.
func (s *Submitter) DispatchPass(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "submitter.dispatch_pass")
	defer span.End()

	queued, err := s.jobStore.FindQueued(ctx, s.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find queued jobs")
		return 0, fmt.Errorf("finding queued jobs: %w", err)
	}
	if len(queued) == 0 {
		return 0, nil
	}

	var started int
	for _, job := range queued {
		if ctx.Err() != nil {
			break
		}
		switch err := s.dispatchOne(ctx, job); {
		case errors.Is(err, errDispatchRaceLost):
			// Another scheduler started this job; it counts toward their pass.
		case err != nil:
			s.metrics.IncDispatchErrors(ctx)
			s.logger.Error(ctx, "Failed to dispatch job",
				"job_id", job.ID().String(), "job_type", job.Type().String(), "error", err)
		default:
			started++
		}
	}

	span.AddEvent("dispatch_pass_complete", trace.WithAttributes(
		attribute.Int("queued", len(queued)),
		attribute.Int("started", started),
	))
	return started, nil
}

// errDispatchRaceLost reports that another scheduler claimed the job between
// our read and our conditioned write. Harmless, but not a start we own.
var errDispatchRaceLost = errors.New("dispatch race lost")

func (s *Submitter) dispatchOne(ctx context.Context, job *jobs.Job) error {
	handle, err := s.dispatcher.Submit(ctx, job)
	if err != nil {
		return fmt.Errorf("submitting job %s: %w", job.ID(), err)
	}

	if err := job.Start(handle.Name); err != nil {
		return err
	}
	if err := s.jobStore.Update(ctx, job, jobs.JobStatusQueued); err != nil {
		if errors.Is(err, jobs.ErrStateConflict) {
			// Another scheduler claimed this job first. Submit is idempotent
			// per job identity, so the duplicate submission was harmless.
			s.metrics.IncStateConflicts(ctx)
			s.logger.Debug(ctx, "Lost dispatch race for job", "job_id", job.ID().String())
			return errDispatchRaceLost
		}
		return fmt.Errorf("recording dispatch of job %s: %w", job.ID(), err)
	}

	s.metrics.IncDispatches(ctx)
	s.logger.Debug(ctx, "Dispatched job",
		"job_id", job.ID().String(),
		"job_type", job.Type().String(),
		"execution", handle.Name)
	return nil
}
