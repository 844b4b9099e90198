package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/refinebio/refinery/internal/app/orchestration"
	"github.com/refinebio/refinery/internal/config"
	"github.com/refinebio/refinery/internal/domain/jobs"
	clusterk8s "github.com/refinebio/refinery/internal/infra/cluster/kubernetes"
	dispatchk8s "github.com/refinebio/refinery/internal/infra/dispatch/kubernetes"
	"github.com/refinebio/refinery/internal/infra/notify/kafka"
	jobsStore "github.com/refinebio/refinery/internal/infra/storage/jobs/postgres"
	pipelineStore "github.com/refinebio/refinery/internal/infra/storage/pipeline/postgres"
	"github.com/refinebio/refinery/pkg/common"
	"github.com/refinebio/refinery/pkg/common/logger"
	"github.com/refinebio/refinery/pkg/common/otel"
)

const serviceType = "foreman"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("FOREMAN-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
		os.Exit(1)
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true, // TODO: Come back to setup TLS.
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	cfg, err := config.Load(os.Getenv("REFINERY_CONFIG_PATH"))
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := os.Getenv("POSTGRES_USER")
		password := os.Getenv("POSTGRES_PASSWORD")
		host := os.Getenv("POSTGRES_HOST")
		dbname := os.Getenv("POSTGRES_DB")

		if user == "" {
			user = "postgres"
		}
		if password == "" {
			password = "postgres"
		}
		if host == "" {
			host = "postgres"
		}
		if dbname == "" {
			dbname = "refinery"
		}

		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting application...")

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		log.Error(ctx, "POD_NAME environment variable must be set")
		os.Exit(1)
	}

	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		log.Error(ctx, "POD_NAMESPACE environment variable must be set")
		os.Exit(1)
	}

	k8sCfg := &clusterk8s.K8sConfig{
		Namespace:    namespace,
		LeaderLockID: "foreman-leader-lock",
		Identity:     podName,
		Name:         serviceType,
	}

	coord, err := clusterk8s.NewCoordinator(hostname, k8sCfg, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Stop()

	mp := otel.GetMeterProvider()
	metricCollector, err := orchestration.NewForemanMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:  strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
		ClientID: svcName,
	})
	if err != nil {
		log.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	notifier, err := kafka.ConnectNotifier(&kafka.NotifierConfig{
		CreatedTopic:   os.Getenv("KAFKA_JOB_CREATED_TOPIC"),
		SucceededTopic: os.Getenv("KAFKA_JOB_SUCCEEDED_TOPIC"),
		FailedTopic:    os.Getenv("KAFKA_JOB_FAILED_TOPIC"),
	}, kafkaClient, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect notifier", "error", err)
		os.Exit(1)
	}

	dispatcher, err := dispatchk8s.NewDispatcher(dispatchk8s.Config{
		Namespace: namespace,
		Images: map[jobs.JobType]string{
			jobs.JobTypeSurvey:     cfg.Survey.Image,
			jobs.JobTypeDownloader: cfg.Downloader.Image,
			jobs.JobTypeProcessor:  cfg.Processor.Image,
		},
		MaxConcurrency: map[jobs.JobType]int64{
			jobs.JobTypeSurvey:     int64(cfg.Survey.MaxConcurrency),
			jobs.JobTypeDownloader: int64(cfg.Downloader.MaxConcurrency),
			jobs.JobTypeProcessor:  int64(cfg.Processor.MaxConcurrency),
		},
		TTLSecondsAfterFinished: 300,
	}, common.NewRateLimiter(cfg.SubmitRPS, cfg.SubmitBurst), log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	jobRepo := jobsStore.NewJobStore(pool, tracer)
	sampleRepo := pipelineStore.NewSampleStore(pool, tracer)
	originalFileRepo := pipelineStore.NewOriginalFileStore(pool, tracer)

	coordinator := orchestration.NewPipelineCoordinator(
		jobRepo, sampleRepo, originalFileRepo,
		dispatcher, notifier, cfg, metricCollector, log, tracer)
	submitter := orchestration.NewSubmitter(
		jobRepo, dispatcher, cfg, metricCollector, log, tracer)
	pollTracker := orchestration.NewPollTracker(
		jobRepo, dispatcher, notifier, coordinator,
		cfg, metricCollector, log, tracer)
	supervisor := orchestration.NewRetrySupervisor(
		jobRepo, dispatcher, notifier, cfg, metricCollector, log, tracer)

	foreman := orchestration.NewForeman(
		hostname, coord,
		coordinator, submitter, pollTracker, supervisor,
		cfg, metricCollector, log, tracer)

	readyCh, err := foreman.Run(ctx)
	if err != nil {
		log.Error(ctx, "failed to run foreman", "error", err)
		os.Exit(1)
	}

	go func() {
		<-readyCh
		log.Info(ctx, "Foreman initialized")
		ready.Store(true)
	}()

	sig := <-sigCh
	log.Info(ctx, "Received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := foreman.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Failed to stop foreman", "error", err)
	}
}

// TODO: consider moving this to an init container.
// runMigrations uses golang-migrate to apply all up migrations from "db/migrations".
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	const migrationsPath = "file:///app/db/migrations"
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
