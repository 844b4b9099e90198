package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/config"
	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// RetrySupervisor owns the two periodic recovery scans: requeueing RETRYING
// jobs whose backoff elapsed, and catching RUNNING jobs whose executions
// stopped reporting. Both scans run on their own tickers since the hung
// window is much coarser than the retry interval.
type RetrySupervisor struct {
	jobStore   jobs.JobRepository
	dispatcher jobs.Dispatcher
	notifier   jobs.Notifier

	cfg *config.Config

	wg sync.WaitGroup

	metrics ForemanMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewRetrySupervisor creates the supervisor.
func NewRetrySupervisor(
	jobStore jobs.JobRepository,
	dispatcher jobs.Dispatcher,
	notifier jobs.Notifier,
	cfg *config.Config,
	metrics ForemanMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *RetrySupervisor {
	return &RetrySupervisor{
		jobStore:   jobStore,
		dispatcher: dispatcher,
		notifier:   notifier,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With("component", "retry_supervisor"),
		tracer:     tracer,
	}
}

// Start launches the retry and hung-detection loops; they run until the
// context is cancelled, so the supervisor can be restarted under a fresh
// context after a leadership change. The hung scan runs at half the shortest
// configured hung timeout so a hang is caught within one detection cycle of
// its window elapsing.
func (s *RetrySupervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		retryTicker := time.NewTicker(s.cfg.RetryInterval)
		defer retryTicker.Stop()
		hungTicker := time.NewTicker(s.hungScanInterval())
		defer hungTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-retryTicker.C:
				if err := s.RetryPass(ctx); err != nil {
					s.logger.Error(ctx, "Retry pass failed", "error", err)
				}
			case <-hungTicker.C:
				if err := s.HungPass(ctx); err != nil {
					s.logger.Error(ctx, "Hung detection pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop waits for the loops to observe their context cancellation and finish
// any in-flight pass. The caller cancels the context passed to Start first.
func (s *RetrySupervisor) Stop() {
	s.wg.Wait()
}

func (s *RetrySupervisor) hungScanInterval() time.Duration {
	shortest := s.cfg.Survey.HungTimeout
	for _, t := range []time.Duration{s.cfg.Downloader.HungTimeout, s.cfg.Processor.HungTimeout} {
		if t < shortest {
			shortest = t
		}
	}
	interval := shortest / 2
	if interval < s.cfg.RetryInterval {
		interval = s.cfg.RetryInterval
	}
	return interval
}

// RetryPass requeues every RETRYING job whose backoff deadline has elapsed.
// It returns how many jobs were requeued via the error-free path; lost races
// with another scheduler are skipped.
func (s *RetrySupervisor) RetryPass(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "retry_supervisor.retry_pass")
	defer span.End()

	eligible, err := s.jobStore.FindRetryEligible(ctx, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find retry-eligible jobs")
		return fmt.Errorf("finding retry-eligible jobs: %w", err)
	}

	var requeued int
	for _, job := range eligible {
		if err := job.Requeue(); err != nil {
			s.logger.Error(ctx, "Failed to requeue job",
				"job_id", job.ID().String(), "error", err)
			continue
		}
		if err := s.jobStore.Update(ctx, job, jobs.JobStatusRetrying); err != nil {
			if errors.Is(err, jobs.ErrStateConflict) {
				s.metrics.IncStateConflicts(ctx)
				continue
			}
			s.logger.Error(ctx, "Failed to persist requeue",
				"job_id", job.ID().String(), "error", err)
			continue
		}
		requeued++
		s.logger.Info(ctx, "Requeued job for retry",
			"job_id", job.ID().String(),
			"job_type", job.Type().String(),
			"retry_count", job.RetryCount())
	}

	span.AddEvent("retry_pass_complete", trace.WithAttributes(
		attribute.Int("eligible", len(eligible)),
		attribute.Int("requeued", requeued),
	))
	return nil
}

// HungPass finds RUNNING jobs whose last poll predates their type's timeout
// window, cancels their stale executions, and routes them through hung
// recovery: back to retry while retries remain, terminal FAILED otherwise.
func (s *RetrySupervisor) HungPass(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "retry_supervisor.hung_pass")
	defer span.End()

	candidates, err := s.jobStore.FindHungCandidates(ctx, s.cfg.HungCutoffs(time.Now().UTC()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find hung candidates")
		return fmt.Errorf("finding hung candidates: %w", err)
	}

	for _, job := range candidates {
		if err := s.recoverHung(ctx, job); err != nil {
			s.logger.Error(ctx, "Failed to recover hung job",
				"job_id", job.ID().String(), "error", err)
		}
	}

	span.AddEvent("hung_pass_complete", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
	))
	return nil
}

func (s *RetrySupervisor) recoverHung(ctx context.Context, job *jobs.Job) error {
	s.logger.Warn(ctx, "Job hung, last poll too old",
		"job_id", job.ID().String(),
		"job_type", job.Type().String(),
		"execution", job.ExecutionName(),
		"last_polled_at", job.LastPolledAt())

	// The execution may still be limping along; tear it down before the job
	// is requeued so a zombie cannot race its replacement.
	if job.ExecutionName() != "" {
		if err := s.dispatcher.Cancel(ctx, jobs.ExecutionHandle{Name: job.ExecutionName()}); err != nil {
			return fmt.Errorf("cancelling stale execution %s: %w", job.ExecutionName(), err)
		}
	}

	if err := job.MarkHung(); err != nil {
		return err
	}
	s.metrics.IncJobsHung(ctx, job.Type().String())

	terminal, err := job.RetryFromHung(s.cfg.Backoff(job.Type()))
	if err != nil {
		return err
	}

	// Alert before the terminal write: a failed publish leaves the stored job
	// RUNNING, so the next hung pass picks it up again and retries the alert.
	if terminal {
		if err := s.notifier.JobTerminallyFailed(ctx, job); err != nil {
			return fmt.Errorf("alerting terminal failure of job %s: %w", job.ID(), err)
		}
	}

	if err := s.jobStore.Update(ctx, job, jobs.JobStatusRunning); err != nil {
		if errors.Is(err, jobs.ErrStateConflict) {
			s.metrics.IncStateConflicts(ctx)
			return nil
		}
		return fmt.Errorf("persisting hung recovery of job %s: %w", job.ID(), err)
	}

	if terminal {
		s.metrics.IncJobsTerminallyFailed(ctx, job.Type().String())
	}
	return nil
}
