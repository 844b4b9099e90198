// Package kubernetes implements the job dispatcher on Kubernetes batch Jobs.
package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/pkg/common"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// Compile-time check to verify that Dispatcher implements the Dispatcher interface.
var _ jobs.Dispatcher = (*Dispatcher)(nil)

const (
	labelApp     = "refinery-worker"
	labelJobType = "refinery.io/job-type"
	labelJobID   = "refinery.io/job-id"
)

// Config holds the dispatch settings for the Kubernetes substrate.
type Config struct {
	Namespace string
	// Images maps each job type to the worker image its executions run.
	Images map[jobs.JobType]string
	// MaxConcurrency caps simultaneous executions per job type. Zero means
	// unlimited for that type.
	MaxConcurrency map[jobs.JobType]int64
	// TTLSecondsAfterFinished controls how long finished Jobs linger before
	// the cluster garbage-collects them. The foreman reads terminal status in
	// its poll cycle, so a short window is enough.
	TTLSecondsAfterFinished int32
}

// Dispatcher runs pipeline jobs as Kubernetes batch Jobs. Job names derive
// deterministically from the job ID, which makes Submit idempotent: a
// resubmission of an already-running job collides on the name and resolves to
// the existing execution.
type Dispatcher struct {
	client kubernetes.Interface
	config Config

	// Per-type semaphores back the concurrency ceiling. Submissions over the
	// ceiling wait for a slot instead of failing.
	slots map[jobs.JobType]*semaphore.Weighted
	// held maps execution names to their type so a slot is released exactly
	// once, on the first terminal poll or cancel.
	mu   sync.Mutex
	held map[string]jobs.JobType

	rateLimiter *common.RateLimiter
	logger      *logger.Logger
	tracer      trace.Tracer
}

// NewDispatcher creates a Dispatcher using the ambient Kubernetes client
// configuration.
func NewDispatcher(cfg Config, rl *common.RateLimiter, logger *logger.Logger, tracer trace.Tracer) (*Dispatcher, error) {
	client, err := getKubernetesClient()
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client for dispatcher: %w", err)
	}
	return NewDispatcherWithClient(client, cfg, rl, logger, tracer), nil
}

// NewDispatcherWithClient creates a Dispatcher with an injected client, used
// by tests with a fake clientset.
func NewDispatcherWithClient(
	client kubernetes.Interface,
	cfg Config,
	rl *common.RateLimiter,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Dispatcher {
	slots := make(map[jobs.JobType]*semaphore.Weighted)
	for _, t := range jobs.JobTypes() {
		if max := cfg.MaxConcurrency[t]; max > 0 {
			slots[t] = semaphore.NewWeighted(max)
		}
	}

	return &Dispatcher{
		client:      client,
		config:      cfg,
		slots:       slots,
		held:        make(map[string]jobs.JobType),
		rateLimiter: rl,
		logger:      logger.With("component", "kubernetes_dispatcher", "namespace", cfg.Namespace),
		tracer:      tracer,
	}
}

// ExecutionName returns the deterministic substrate name for a job.
func ExecutionName(job *jobs.Job) string {
	return fmt.Sprintf("refinery-%s-%s", strings.ToLower(job.Type().String()), job.ID())
}

// Submit launches the job on the substrate, blocking while its type is at the
// concurrency ceiling. Submitting a job that is already running returns the
// existing handle.
func (d *Dispatcher) Submit(ctx context.Context, job *jobs.Job) (jobs.ExecutionHandle, error) {
	name := ExecutionName(job)
	ctx, span := d.tracer.Start(ctx, "kubernetes_dispatcher.submit",
		trace.WithAttributes(
			attribute.String("job_id", job.ID().String()),
			attribute.String("job_type", job.Type().String()),
			attribute.String("execution_name", name),
		),
	)
	defer span.End()

	acquired, err := d.acquireSlot(ctx, job.Type(), name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "waiting for execution slot")
		return jobs.ExecutionHandle{}, fmt.Errorf("waiting for %s execution slot: %w", job.Type(), err)
	}

	if d.rateLimiter != nil {
		if err := d.rateLimiter.Wait(ctx); err != nil {
			if acquired {
				d.releaseSlot(name)
			}
			span.RecordError(err)
			return jobs.ExecutionHandle{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	spec := d.buildJobSpec(job, name)
	_, err = d.client.BatchV1().Jobs(d.config.Namespace).Create(ctx, spec, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			// The execution already exists and keeps exactly one slot: the one
			// recorded under its name, whether acquired on the original
			// submission or on this call.
			span.AddEvent("execution_already_exists")
			return jobs.ExecutionHandle{Name: name}, nil
		}
		if acquired {
			d.releaseSlot(name)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create batch job")
		return jobs.ExecutionHandle{}, fmt.Errorf("creating batch job %s: %w", name, err)
	}

	d.logger.Info(ctx, "Dispatched job to substrate",
		"job_id", job.ID().String(), "execution_name", name)
	span.AddEvent("batch_job_created")
	return jobs.ExecutionHandle{Name: name}, nil
}

// Poll reports the substrate's view of an execution. A handle the substrate
// no longer recognizes is LOST: the foreman presumes the execution dead and
// escalates to hung handling.
func (d *Dispatcher) Poll(ctx context.Context, handle jobs.ExecutionHandle) (jobs.ExecutionResult, error) {
	ctx, span := d.tracer.Start(ctx, "kubernetes_dispatcher.poll",
		trace.WithAttributes(attribute.String("execution_name", handle.Name)),
	)
	defer span.End()

	batchJob, err := d.client.BatchV1().Jobs(d.config.Namespace).Get(ctx, handle.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			d.releaseSlot(handle.Name)
			span.AddEvent("execution_not_found")
			return jobs.ExecutionResult{
				Status:  jobs.ExecutionStatusLost,
				Message: fmt.Sprintf("execution %s not found on substrate", handle.Name),
			}, nil
		}
		span.RecordError(err)
		return jobs.ExecutionResult{}, fmt.Errorf("getting batch job %s: %w", handle.Name, err)
	}

	result := translateJobStatus(batchJob)
	if result.Status != jobs.ExecutionStatusRunning {
		d.releaseSlot(handle.Name)
	}
	span.AddEvent("execution_polled", trace.WithAttributes(
		attribute.String("status", string(result.Status)),
	))
	return result, nil
}

// Cancel removes the execution from the substrate. Cancelling an execution
// that no longer exists is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, handle jobs.ExecutionHandle) error {
	ctx, span := d.tracer.Start(ctx, "kubernetes_dispatcher.cancel",
		trace.WithAttributes(attribute.String("execution_name", handle.Name)),
	)
	defer span.End()

	defer d.releaseSlot(handle.Name)

	policy := metav1.DeletePropagationBackground
	err := d.client.BatchV1().Jobs(d.config.Namespace).Delete(ctx, handle.Name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		span.RecordError(err)
		return fmt.Errorf("deleting batch job %s: %w", handle.Name, err)
	}

	d.logger.Info(ctx, "Cancelled execution", "execution_name", handle.Name)
	return nil
}

// acquireSlot waits for a concurrency slot and reports whether this call
// acquired one. A resubmission whose execution already holds a slot acquires
// nothing, so the caller must not release on its behalf.
func (d *Dispatcher) acquireSlot(ctx context.Context, jobType jobs.JobType, name string) (bool, error) {
	sem, limited := d.slots[jobType]
	if !limited {
		return false, nil
	}

	d.mu.Lock()
	if _, holds := d.held[name]; holds {
		d.mu.Unlock()
		return false, nil
	}
	d.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return false, err
	}

	d.mu.Lock()
	d.held[name] = jobType
	d.mu.Unlock()
	return true, nil
}

func (d *Dispatcher) releaseSlot(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	jobType, holds := d.held[name]
	if !holds {
		return
	}
	delete(d.held, name)
	if sem := d.slots[jobType]; sem != nil {
		sem.Release(1)
	}
}

func (d *Dispatcher) buildJobSpec(job *jobs.Job, name string) *batchv1.Job {
	// Substrate-level retries are disabled; the foreman owns the retry policy.
	backoffLimit := int32(0)
	ttl := d.config.TTLSecondsAfterFinished

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.config.Namespace,
			Labels: map[string]string{
				"app":        labelApp,
				labelJobType: strings.ToLower(job.Type().String()),
				labelJobID:   job.ID().String(),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":        labelApp,
						labelJobType: strings.ToLower(job.Type().String()),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "worker",
						Image: d.config.Images[job.Type()],
						Env: []corev1.EnvVar{
							{Name: "REFINERY_JOB_ID", Value: job.ID().String()},
							{Name: "REFINERY_JOB_TYPE", Value: job.Type().String()},
							{Name: "REFINERY_PAYLOAD", Value: string(job.Payload())},
						},
					}},
				},
			},
		},
	}
}

// translateJobStatus converts batch Job status to an execution result.
func translateJobStatus(batchJob *batchv1.Job) jobs.ExecutionResult {
	for _, cond := range batchJob.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return jobs.ExecutionResult{Status: jobs.ExecutionStatusSucceeded}
		case batchv1.JobFailed:
			msg := cond.Message
			if msg == "" {
				msg = cond.Reason
			}
			return jobs.ExecutionResult{Status: jobs.ExecutionStatusFailed, Message: msg}
		}
	}
	return jobs.ExecutionResult{Status: jobs.ExecutionStatusRunning}
}
