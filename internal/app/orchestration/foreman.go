package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/app/cluster"
	"github.com/refinebio/refinery/internal/config"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// Foreman is the top-level scheduling service. Exactly one foreman replica
// drives scheduling at a time: leadership is arbitrated by the cluster
// coordinator, and the dispatch, poll, and recovery loops only run while this
// replica holds the lease. Losing the lease stops the loops without draining
// in-flight work; the next leader's passes pick it back up from the job store.
type Foreman struct {
	id string

	coordinator cluster.Coordinator
	pipeline    *PipelineCoordinator
	submitter   *Submitter
	pollTracker *PollTracker
	supervisor  *RetrySupervisor

	cfg *config.Config

	mu       sync.Mutex
	leading  bool
	cancelFn context.CancelFunc

	metrics ForemanMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewForeman creates the foreman service.
func NewForeman(
	id string,
	coordinator cluster.Coordinator,
	pipeline *PipelineCoordinator,
	submitter *Submitter,
	pollTracker *PollTracker,
	supervisor *RetrySupervisor,
	cfg *config.Config,
	metrics ForemanMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Foreman {
	return &Foreman{
		id:          id,
		coordinator: coordinator,
		pipeline:    pipeline,
		submitter:   submitter,
		pollTracker: pollTracker,
		supervisor:  supervisor,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With("component", "foreman", "foreman_id", id),
		tracer:      tracer,
	}
}

// Run joins leader election and returns a channel closed once this replica
// has observed its first leadership decision. Scheduling loops start and stop
// with leadership; Run itself returns promptly.
func (f *Foreman) Run(ctx context.Context) (<-chan struct{}, error) {
	runCtx, span := f.tracer.Start(ctx, "foreman.run",
		trace.WithAttributes(attribute.String("foreman_id", f.id)))
	defer span.End()

	readyCh := make(chan struct{})
	leaderCh := make(chan bool, 1)

	f.coordinator.OnLeadershipChange(func(isLeader bool) {
		f.logger.Info(runCtx, "Leadership change", "is_leader", isLeader)
		f.metrics.SetLeaderStatus(runCtx, isLeader)
		select {
		case leaderCh <- isLeader:
		default:
			f.logger.Warn(runCtx, "Leadership channel full, dropping update")
		}
	})

	go f.runLeadershipLoop(ctx, leaderCh, readyCh)

	if err := f.coordinator.Start(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start coordinator")
		return nil, fmt.Errorf("foreman[%s]: starting coordinator: %w", f.id, err)
	}

	span.AddEvent("coordinator_started")
	return readyCh, nil
}

func (f *Foreman) runLeadershipLoop(ctx context.Context, leaderCh <-chan bool, readyCh chan<- struct{}) {
	readyClosed := false
	f.logger.Info(ctx, "Waiting for leadership signal...")

	for {
		select {
		case isLeader := <-leaderCh:
			if !readyClosed {
				close(readyCh)
				readyClosed = true
			}
			if isLeader {
				f.startScheduling(ctx)
			} else {
				f.stopScheduling()
			}
		case <-ctx.Done():
			f.stopScheduling()
			if !readyClosed {
				close(readyCh)
			}
			return
		}
	}
}

// startScheduling launches the dispatch/poll loop and the retry supervisor.
// Safe to call on repeated leader notifications.
func (f *Foreman) startScheduling(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leading {
		return
	}
	f.leading = true

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancelFn = cancel

	f.logger.Info(loopCtx, "Leadership acquired, starting scheduling loops")
	f.supervisor.Start(loopCtx)
	go f.runSchedulingLoop(loopCtx)
}

func (f *Foreman) stopScheduling() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leading {
		return
	}
	f.leading = false

	f.logger.Info(context.Background(), "Leadership lost, stopping scheduling loops")
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	f.supervisor.Stop()
}

// runSchedulingLoop alternates dispatch and poll passes on the configured
// poll interval. An immediate first pass avoids waiting a full interval after
// winning leadership.
func (f *Foreman) runSchedulingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	f.schedulingPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.schedulingPass(ctx)
		}
	}
}

func (f *Foreman) schedulingPass(ctx context.Context) {
	if _, err := f.submitter.DispatchPass(ctx); err != nil && ctx.Err() == nil {
		f.logger.Error(ctx, "Dispatch pass failed", "error", err)
	}
	if err := f.pollTracker.PollPass(ctx); err != nil && ctx.Err() == nil {
		f.logger.Error(ctx, "Poll pass failed", "error", err)
	}
}

// Stop relinquishes leadership, halts all scheduling loops, and logs the
// exit report.
func (f *Foreman) Stop(ctx context.Context) error {
	f.stopScheduling()
	if err := f.coordinator.Stop(); err != nil {
		return fmt.Errorf("foreman[%s]: stopping coordinator: %w", f.id, err)
	}
	f.logger.Info(ctx, "Foreman stopped", "jobs_created", f.pipeline.JobsCreated())
	return nil
}
