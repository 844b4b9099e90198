package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ForemanMetrics defines metrics operations needed by the foreman.
type ForemanMetrics interface {
	// Leader election metrics
	SetLeaderStatus(ctx context.Context, isLeader bool)

	// Job lifecycle metrics
	IncJobsCreated(ctx context.Context, jobType string)
	IncJobsSucceeded(ctx context.Context, jobType string)
	IncJobsTerminallyFailed(ctx context.Context, jobType string)
	IncJobsRetried(ctx context.Context, jobType string)
	IncJobsHung(ctx context.Context, jobType string)
	IncJobsCancelled(ctx context.Context, jobType string)
	ObserveJobDuration(ctx context.Context, jobType string, duration time.Duration)

	// Scheduler metrics
	IncDispatches(ctx context.Context)
	IncDispatchErrors(ctx context.Context)
	IncStateConflicts(ctx context.Context)
	IncExecutionsLost(ctx context.Context)
	ObservePollBatchSize(ctx context.Context, size int)
}

// foremanMetrics implements ForemanMetrics.
type foremanMetrics struct {
	leaderStatus metric.Int64UpDownCounter

	jobsCreated          metric.Int64Counter
	jobsSucceeded        metric.Int64Counter
	jobsTerminallyFailed metric.Int64Counter
	jobsRetried          metric.Int64Counter
	jobsHung             metric.Int64Counter
	jobsCancelled        metric.Int64Counter
	jobDuration          metric.Float64Histogram

	dispatches     metric.Int64Counter
	dispatchErrors metric.Int64Counter
	stateConflicts metric.Int64Counter
	executionsLost metric.Int64Counter
	pollBatchSize  metric.Int64Histogram
}

const namespace = "foreman"

// NewForemanMetrics creates a new foreman metrics instance.
func NewForemanMetrics(mp metric.MeterProvider) (*foremanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(foremanMetrics)
	var err error

	if m.leaderStatus, err = meter.Int64UpDownCounter(
		"leader_status",
		metric.WithDescription("Indicates if this instance is the leader (1) or follower (0)"),
	); err != nil {
		return nil, err
	}

	if m.jobsCreated, err = meter.Int64Counter(
		"jobs_created_total",
		metric.WithDescription("Total number of jobs created"),
	); err != nil {
		return nil, err
	}

	if m.jobsSucceeded, err = meter.Int64Counter(
		"jobs_succeeded_total",
		metric.WithDescription("Total number of jobs that reached SUCCEEDED"),
	); err != nil {
		return nil, err
	}

	if m.jobsTerminallyFailed, err = meter.Int64Counter(
		"jobs_terminally_failed_total",
		metric.WithDescription("Total number of jobs that exhausted their retries"),
	); err != nil {
		return nil, err
	}

	if m.jobsRetried, err = meter.Int64Counter(
		"jobs_retried_total",
		metric.WithDescription("Total number of job requeues after failure"),
	); err != nil {
		return nil, err
	}

	if m.jobsHung, err = meter.Int64Counter(
		"jobs_hung_total",
		metric.WithDescription("Total number of jobs detected as hung"),
	); err != nil {
		return nil, err
	}

	if m.jobsCancelled, err = meter.Int64Counter(
		"jobs_cancelled_total",
		metric.WithDescription("Total number of jobs cancelled by operators"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Wall time from job creation to terminal state"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.dispatches, err = meter.Int64Counter(
		"dispatches_total",
		metric.WithDescription("Total number of submissions to the execution substrate"),
	); err != nil {
		return nil, err
	}

	if m.dispatchErrors, err = meter.Int64Counter(
		"dispatch_errors_total",
		metric.WithDescription("Total number of failed substrate submissions"),
	); err != nil {
		return nil, err
	}

	if m.stateConflicts, err = meter.Int64Counter(
		"state_conflicts_total",
		metric.WithDescription("Total number of optimistic-concurrency write conflicts"),
	); err != nil {
		return nil, err
	}

	if m.executionsLost, err = meter.Int64Counter(
		"executions_lost_total",
		metric.WithDescription("Total number of executions the substrate could no longer account for"),
	); err != nil {
		return nil, err
	}

	if m.pollBatchSize, err = meter.Int64Histogram(
		"poll_batch_size",
		metric.WithDescription("Number of running jobs polled per cycle"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *foremanMetrics) SetLeaderStatus(ctx context.Context, isLeader bool) {
	if isLeader {
		m.leaderStatus.Add(ctx, 1)
	} else {
		m.leaderStatus.Add(ctx, -1)
	}
}

func typeAttr(jobType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job_type", jobType))
}

func (m *foremanMetrics) IncJobsCreated(ctx context.Context, jobType string) {
	m.jobsCreated.Add(ctx, 1, typeAttr(jobType))
}

func (m *foremanMetrics) IncJobsSucceeded(ctx context.Context, jobType string) {
	m.jobsSucceeded.Add(ctx, 1, typeAttr(jobType))
}

func (m *foremanMetrics) IncJobsTerminallyFailed(ctx context.Context, jobType string) {
	m.jobsTerminallyFailed.Add(ctx, 1, typeAttr(jobType))
}

func (m *foremanMetrics) IncJobsRetried(ctx context.Context, jobType string) {
	m.jobsRetried.Add(ctx, 1, typeAttr(jobType))
}

func (m *foremanMetrics) IncJobsHung(ctx context.Context, jobType string) {
	m.jobsHung.Add(ctx, 1, typeAttr(jobType))
}

func (m *foremanMetrics) IncJobsCancelled(ctx context.Context, jobType string) {
	m.jobsCancelled.Add(ctx, 1, typeAttr(jobType))
}

func (m *foremanMetrics) ObserveJobDuration(ctx context.Context, jobType string, duration time.Duration) {
	m.jobDuration.Record(ctx, duration.Seconds(), typeAttr(jobType))
}

func (m *foremanMetrics) IncDispatches(ctx context.Context) { m.dispatches.Add(ctx, 1) }

func (m *foremanMetrics) IncDispatchErrors(ctx context.Context) { m.dispatchErrors.Add(ctx, 1) }

func (m *foremanMetrics) IncStateConflicts(ctx context.Context) { m.stateConflicts.Add(ctx, 1) }

func (m *foremanMetrics) IncExecutionsLost(ctx context.Context) { m.executionsLost.Add(ctx, 1) }

func (m *foremanMetrics) ObservePollBatchSize(ctx context.Context, size int) {
	m.pollBatchSize.Record(ctx, int64(size))
}
