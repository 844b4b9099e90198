// Package kafka implements the job lifecycle notifier on Kafka.
package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/pkg/common/logger"
)

// ClientConfig contains all configuration needed for Kafka client setup.
type ClientConfig struct {
	Brokers  []string
	ClientID string
}

// NewClient creates and configures a Kafka client with the provided settings.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectNotifier creates a Notifier using the provided Kafka client. It
// handles retries for establishing the producer connection.
func ConnectNotifier(
	cfg *NotifierConfig,
	client sarama.Client,
	logger *logger.Logger,
	tracer trace.Tracer,
) (jobs.Notifier, error) {
	var notifier jobs.Notifier

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		notifier = NewNotifier(producer, cfg, logger, tracer)
		return nil
	}

	err := backoff.Retry(operation, expBackoff)
	if err != nil {
		return nil, fmt.Errorf("failed to connect notifier after retries: %w", err)
	}

	return notifier, nil
}
