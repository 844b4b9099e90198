package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/refinebio/refinery/internal/config"
	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// pollBatchLimit bounds how many running jobs one poll pass examines.
const pollBatchLimit = 500

// PollTracker reconciles the job store against the execution substrate. Each
// pass polls every RUNNING job's execution with a bounded worker pool and
// applies the outcome: completion chains the next pipeline stage, failure
// routes through retry, and an unaccountable execution escalates to hung
// handling.
type PollTracker struct {
	jobStore    jobs.JobRepository
	dispatcher  jobs.Dispatcher
	notifier    jobs.Notifier
	coordinator *PipelineCoordinator

	cfg *config.Config

	metrics ForemanMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewPollTracker creates the poll tracker.
func NewPollTracker(
	jobStore jobs.JobRepository,
	dispatcher jobs.Dispatcher,
	notifier jobs.Notifier,
	coordinator *PipelineCoordinator,
	cfg *config.Config,
	metrics ForemanMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *PollTracker {
	return &PollTracker{
		jobStore:    jobStore,
		dispatcher:  dispatcher,
		notifier:    notifier,
		coordinator: coordinator,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With("component", "poll_tracker"),
		tracer:      tracer,
	}
}

// PollPass polls every running job once and applies the results. Per-job
// errors are logged and skipped so one bad job cannot stall reconciliation
// for the rest of the batch.
func (p *PollTracker) PollPass(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "poll_tracker.poll_pass")
	defer span.End()

	running, err := p.jobStore.FindRunning(ctx, pollBatchLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find running jobs")
		return fmt.Errorf("finding running jobs: %w", err)
	}
	p.metrics.ObservePollBatchSize(ctx, len(running))
	if len(running) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PollWorkers)
	for _, job := range running {
		job := job
		g.Go(func() error {
			if err := p.pollOne(gctx, job); err != nil {
				p.logger.Error(gctx, "Failed to reconcile job",
					"job_id", job.ID().String(),
					"job_type", job.Type().String(),
					"error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	span.AddEvent("poll_pass_complete", trace.WithAttributes(
		attribute.Int("jobs_polled", len(running)),
	))
	return nil
}

// pollOne polls a single job's execution and applies the outcome. A poll that
// exceeds the configured timeout is treated as a LOST execution, the same as
// the substrate reporting it missing.
func (p *PollTracker) pollOne(ctx context.Context, job *jobs.Job) error {
	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	result, err := p.dispatcher.Poll(pollCtx, jobs.ExecutionHandle{Name: job.ExecutionName()})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			result = jobs.ExecutionResult{
				Status:  jobs.ExecutionStatusLost,
				Message: "substrate poll timed out",
			}
		} else {
			return fmt.Errorf("polling execution %s: %w", job.ExecutionName(), err)
		}
	}

	switch result.Status {
	case jobs.ExecutionStatusRunning:
		return p.handleStillRunning(ctx, job)
	case jobs.ExecutionStatusSucceeded:
		return p.handleSucceeded(ctx, job)
	case jobs.ExecutionStatusFailed:
		return p.handleFailed(ctx, job, result.Message)
	case jobs.ExecutionStatusLost:
		return p.handleLost(ctx, job, result.Message)
	default:
		return fmt.Errorf("execution %s reported unknown status %q", job.ExecutionName(), result.Status)
	}
}

func (p *PollTracker) handleStillRunning(ctx context.Context, job *jobs.Job) error {
	if err := job.RecordPoll(); err != nil {
		return err
	}
	if err := p.jobStore.Update(ctx, job, jobs.JobStatusRunning); err != nil {
		if errors.Is(err, jobs.ErrStateConflict) {
			p.metrics.IncStateConflicts(ctx)
			return nil
		}
		return err
	}
	return nil
}

func (p *PollTracker) handleSucceeded(ctx context.Context, job *jobs.Job) error {
	if err := job.Complete(); err != nil {
		return err
	}
	if err := p.jobStore.Update(ctx, job, jobs.JobStatusRunning); err != nil {
		if errors.Is(err, jobs.ErrStateConflict) {
			// Another scheduler already recorded the outcome and chained the
			// next stage.
			p.metrics.IncStateConflicts(ctx)
			return nil
		}
		return err
	}

	p.metrics.IncJobsSucceeded(ctx, job.Type().String())
	if started := job.Timeline().StartedAt(); !started.IsZero() {
		p.metrics.ObserveJobDuration(ctx, job.Type().String(), time.Since(started))
	}
	p.logger.Info(ctx, "Job succeeded",
		"job_id", job.ID().String(), "job_type", job.Type().String())

	if err := p.notifier.JobSucceeded(ctx, job); err != nil {
		p.logger.Warn(ctx, "Failed to publish job succeeded event",
			"job_id", job.ID().String(), "error", err)
	}

	if _, err := p.coordinator.OnJobSucceeded(ctx, job); err != nil {
		// The job's own success is already durable; chaining retries on the
		// next pass via the idempotent duplicate check.
		return fmt.Errorf("chaining after job %s: %w", job.ID(), err)
	}
	return nil
}

func (p *PollTracker) handleFailed(ctx context.Context, job *jobs.Job, message string) error {
	terminal, err := job.Fail(message, p.cfg.Backoff(job.Type()))
	if err != nil {
		return err
	}

	// The alert goes out before the terminal write. If publishing fails the
	// stored job is still RUNNING, so the next pass re-polls and retries the
	// alert: at-least-once, never dropped.
	if terminal {
		if err := p.notifier.JobTerminallyFailed(ctx, job); err != nil {
			return fmt.Errorf("alerting terminal failure of job %s: %w", job.ID(), err)
		}
	}

	if err := p.jobStore.Update(ctx, job, jobs.JobStatusRunning); err != nil {
		if errors.Is(err, jobs.ErrStateConflict) {
			p.metrics.IncStateConflicts(ctx)
			return nil
		}
		return err
	}

	if terminal {
		p.metrics.IncJobsTerminallyFailed(ctx, job.Type().String())
		p.logger.Error(ctx, "Job failed terminally",
			"job_id", job.ID().String(),
			"job_type", job.Type().String(),
			"retry_count", job.RetryCount(),
			"reason", message)
		return nil
	}

	p.metrics.IncJobsRetried(ctx, job.Type().String())
	p.logger.Warn(ctx, "Job failed, scheduled for retry",
		"job_id", job.ID().String(),
		"job_type", job.Type().String(),
		"retry_count", job.RetryCount(),
		"next_retry_at", job.NextRetryAt(),
		"reason", message)
	return nil
}

func (p *PollTracker) handleLost(ctx context.Context, job *jobs.Job, message string) error {
	p.metrics.IncExecutionsLost(ctx)
	p.logger.Warn(ctx, "Execution lost",
		"job_id", job.ID().String(),
		"execution", job.ExecutionName(),
		"reason", message)

	if err := job.MarkHung(); err != nil {
		return err
	}
	p.metrics.IncJobsHung(ctx, job.Type().String())

	terminal, err := job.RetryFromHung(p.cfg.Backoff(job.Type()))
	if err != nil {
		return err
	}

	// Alert before the terminal write, as in handleFailed.
	if terminal {
		if err := p.notifier.JobTerminallyFailed(ctx, job); err != nil {
			return fmt.Errorf("alerting terminal failure of job %s: %w", job.ID(), err)
		}
	}

	if err := p.jobStore.Update(ctx, job, jobs.JobStatusRunning); err != nil {
		if errors.Is(err, jobs.ErrStateConflict) {
			p.metrics.IncStateConflicts(ctx)
			return nil
		}
		return err
	}

	if terminal {
		p.metrics.IncJobsTerminallyFailed(ctx, job.Type().String())
	}
	return nil
}
