package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// Compile-time check to verify that Notifier implements the Notifier interface.
var _ jobs.Notifier = (*Notifier)(nil)

// NotifierConfig contains the topics lifecycle events publish to.
type NotifierConfig struct {
	CreatedTopic   string
	SucceededTopic string
	FailedTopic    string
}

// JobEvent is the wire payload for a job lifecycle notification.
type JobEvent struct {
	JobID         string    `json:"job_id"`
	JobType       string    `json:"job_type"`
	Status        string    `json:"status"`
	Accession     string    `json:"accession"`
	SampleID      string    `json:"sample_id,omitempty"`
	RetryCount    int       `json:"retry_count"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier publishes job lifecycle milestones to Kafka topics. Messages are
// keyed by job ID, so events for one job land on one partition in order.
type Notifier struct {
	producer sarama.SyncProducer
	config   *NotifierConfig
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewNotifier creates a Notifier using the given producer.
func NewNotifier(producer sarama.SyncProducer, cfg *NotifierConfig, logger *logger.Logger, tracer trace.Tracer) *Notifier {
	return &Notifier{
		producer: producer,
		config:   cfg,
		logger:   logger.With("component", "kafka_notifier"),
		tracer:   tracer,
	}
}

// JobCreated reports that a job entered the system.
func (n *Notifier) JobCreated(ctx context.Context, job *jobs.Job) error {
	return n.publish(ctx, n.config.CreatedTopic, "job_created", job)
}

// JobSucceeded reports a successful terminal state.
func (n *Notifier) JobSucceeded(ctx context.Context, job *jobs.Job) error {
	return n.publish(ctx, n.config.SucceededTopic, "job_succeeded", job)
}

// JobTerminallyFailed reports a job that exhausted its retries. These are the
// alerts operators act on; a publish failure here is surfaced, never dropped.
func (n *Notifier) JobTerminallyFailed(ctx context.Context, job *jobs.Job) error {
	return n.publish(ctx, n.config.FailedTopic, "job_terminally_failed", job)
}

func (n *Notifier) publish(ctx context.Context, topic, eventName string, job *jobs.Job) error {
	ctx, span := n.tracer.Start(ctx, "kafka_notifier.publish",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("event", eventName),
			attribute.String("job_id", job.ID().String()),
			attribute.String("job_type", job.Type().String()),
		),
	)
	defer span.End()

	event := JobEvent{
		JobID:         job.ID().String(),
		JobType:       job.Type().String(),
		Status:        job.Status().String(),
		Accession:     job.Accession(),
		RetryCount:    job.RetryCount(),
		FailureReason: job.FailureReason(),
		OccurredAt:    time.Now().UTC(),
	}
	if job.SampleID() != uuid.Nil {
		event.SampleID = job.SampleID().String()
	}

	value, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshalling %s event: %w", eventName, err)
	}

	partition, offset, err := n.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.JobID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		return fmt.Errorf("publishing %s event for job %s: %w", eventName, event.JobID, err)
	}

	n.logger.Debug(ctx, "Published lifecycle event",
		"event", eventName, "job_id", event.JobID,
		"partition", partition, "offset", offset)
	span.AddEvent("event_published")
	return nil
}
