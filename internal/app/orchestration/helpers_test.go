package orchestration

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/refinebio/refinery/internal/config"
	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/internal/domain/pipeline"
	jobsmem "github.com/refinebio/refinery/internal/infra/storage/jobs/memory"
	pipelinemem "github.com/refinebio/refinery/internal/infra/storage/pipeline/memory"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// fakeDispatcher is an in-memory execution substrate. Submitted executions
// report RUNNING until a test scripts an outcome with finish.
type fakeDispatcher struct {
	mu        sync.Mutex
	results   map[string]jobs.ExecutionResult
	submitted []uuid.UUID
	cancelled []string
	submitErr error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{results: make(map[string]jobs.ExecutionResult)}
}

func (d *fakeDispatcher) Submit(ctx context.Context, job *jobs.Job) (jobs.ExecutionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return jobs.ExecutionHandle{}, d.submitErr
	}
	d.submitted = append(d.submitted, job.ID())
	return jobs.ExecutionHandle{Name: executionName(job)}, nil
}

func (d *fakeDispatcher) Poll(ctx context.Context, handle jobs.ExecutionHandle) (jobs.ExecutionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if result, ok := d.results[handle.Name]; ok {
		return result, nil
	}
	return jobs.ExecutionResult{Status: jobs.ExecutionStatusRunning}, nil
}

func (d *fakeDispatcher) Cancel(ctx context.Context, handle jobs.ExecutionHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, handle.Name)
	return nil
}

// finish scripts the next poll outcome for a job's execution.
func (d *fakeDispatcher) finish(job *jobs.Job, status jobs.ExecutionStatus, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[executionName(job)] = jobs.ExecutionResult{Status: status, Message: message}
}

func (d *fakeDispatcher) cancelledExecutions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.cancelled...)
}

func executionName(job *jobs.Job) string {
	return fmt.Sprintf("exec-%s", job.ID())
}

// fakeNotifier records lifecycle notifications by job ID. Tests can script a
// terminal-alert failure to exercise the redelivery path.
type fakeNotifier struct {
	mu          sync.Mutex
	created     []uuid.UUID
	finished    []uuid.UUID
	terminal    []uuid.UUID
	terminalErr error
}

func (n *fakeNotifier) JobCreated(ctx context.Context, job *jobs.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, job.ID())
	return nil
}

func (n *fakeNotifier) JobSucceeded(ctx context.Context, job *jobs.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, job.ID())
	return nil
}

func (n *fakeNotifier) JobTerminallyFailed(ctx context.Context, job *jobs.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.terminalErr != nil {
		return n.terminalErr
	}
	n.terminal = append(n.terminal, job.ID())
	return nil
}

func (n *fakeNotifier) setTerminalError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminalErr = err
}

func (n *fakeNotifier) terminalFailures() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uuid.UUID(nil), n.terminal...)
}

func testConfig() *config.Config {
	typeCfg := config.JobTypeConfig{
		MaxRetries:     3,
		BackoffBase:    time.Minute,
		BackoffCap:     30 * time.Minute,
		HungTimeout:    30 * time.Minute,
		MaxConcurrency: 10,
	}
	return &config.Config{
		Survey:            typeCfg,
		Downloader:        typeCfg,
		Processor:         typeCfg,
		RetryInterval:     time.Second,
		PollInterval:      time.Second,
		PollTimeout:       5 * time.Second,
		PollWorkers:       4,
		DispatchBatchSize: 50,
		SubmitRPS:         100,
		SubmitBurst:       10,
		ProcessorRules: []config.ProcessorRule{
			{Source: "ARRAY_EXPRESS", Division: "", Pipeline: "AFFY_TO_PCL"},
			{Source: "SRA", Division: "Ensembl", Pipeline: "SALMON"},
		},
	}
}

// harness wires the full scheduling stack over in-memory collaborators.
type harness struct {
	jobStore      *jobsmem.JobStore
	samples       *pipelinemem.SampleStore
	originalFiles *pipelinemem.OriginalFileStore
	dispatcher    *fakeDispatcher
	notifier      *fakeNotifier

	coordinator *PipelineCoordinator
	submitter   *Submitter
	pollTracker *PollTracker
	supervisor  *RetrySupervisor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := testConfig()
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := testTracer()
	metrics, err := NewForemanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	h := &harness{
		jobStore:      jobsmem.NewJobStore(),
		samples:       pipelinemem.NewSampleStore(),
		originalFiles: pipelinemem.NewOriginalFileStore(),
		dispatcher:    newFakeDispatcher(),
		notifier:      new(fakeNotifier),
	}
	h.coordinator = NewPipelineCoordinator(
		h.jobStore, h.samples, h.originalFiles, h.dispatcher, h.notifier,
		cfg, metrics, log, tracer)
	h.submitter = NewSubmitter(h.jobStore, h.dispatcher, cfg, metrics, log, tracer)
	h.pollTracker = NewPollTracker(
		h.jobStore, h.dispatcher, h.notifier, h.coordinator,
		cfg, metrics, log, tracer)
	h.supervisor = NewRetrySupervisor(
		h.jobStore, h.dispatcher, h.notifier, cfg, metrics, log, tracer)
	return h
}

func testTracer() trace.Tracer {
	return tracenoop.NewTracerProvider().Tracer("test")
}

// recordSurveyResults simulates the survey worker persisting its discoveries.
func (h *harness) recordSurveyResults(t *testing.T, surveyJob *jobs.Job, accessions ...string) []*pipeline.Sample {
	t.Helper()
	samples := make([]*pipeline.Sample, 0, len(accessions))
	for _, acc := range accessions {
		sample := pipeline.NewSample(uuid.New(), acc, "HOMO_SAPIENS", "Ensembl", "ARRAY_EXPRESS", surveyJob.ID())
		require.NoError(t, h.samples.Create(context.Background(), sample))
		samples = append(samples, sample)
	}
	return samples
}

// recordDownloadResult simulates the downloader worker persisting a raw file.
func (h *harness) recordDownloadResult(t *testing.T, downloadJob *jobs.Job, sample *pipeline.Sample) *pipeline.OriginalFile {
	t.Helper()
	file := pipeline.NewOriginalFile(
		uuid.New(), sample.ID(), downloadJob.ID(),
		"https://www.ebi.ac.uk/arrayexpress/files/"+sample.Accession()+".CEL",
		"CEL", 2048, "deadbeef")
	require.NoError(t, h.originalFiles.Create(context.Background(), file))
	return file
}

// runToCompletion drives a job through dispatch and a successful poll. The
// job may already be running from an earlier dispatch pass.
func (h *harness) runToCompletion(t *testing.T, job *jobs.Job) {
	t.Helper()
	ctx := context.Background()

	_, err := h.submitter.DispatchPass(ctx)
	require.NoError(t, err)

	h.dispatcher.finish(job, jobs.ExecutionStatusSucceeded, "")
	require.NoError(t, h.pollTracker.PollPass(ctx))

	done, err := h.jobStore.Get(ctx, job.ID())
	require.NoError(t, err)
	require.Equal(t, jobs.JobStatusSucceeded, done.Status())
}

func (h *harness) jobByID(t *testing.T, id uuid.UUID) *jobs.Job {
	t.Helper()
	job, err := h.jobStore.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}
