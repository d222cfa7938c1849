// Package main is the entry point for the courseops scheduler daemon.
//
// It loads the configuration, connects the Postgres pool and the AWS
// clients, wires the task engine, registry, bulk coordinator, and scheduler,
// runs the startup re-scheduling pass, and serves the ops API until a
// shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"courseops/internal/config"
	"courseops/internal/core"
	"courseops/internal/db"
	"courseops/internal/lifecycle"
	"courseops/internal/queue"
	"courseops/internal/vcs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("courseops scheduler starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	// Database pool.
	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database pool: %w", err)
	}
	defer pool.Close()

	// AWS clients.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Storage repositories.
	exerciseRepo := db.NewExerciseRepository(pool)
	participationRepo := db.NewParticipationRepository(pool)
	examRepo := db.NewExamRepository(pool)

	// Version-control host client.
	vcsClient := vcs.NewClient(vcs.ClientConfig{
		BaseURL: cfg.VCS.BaseURL,
		Token:   cfg.VCS.Token.Unmask(),
		HTTPClient: &http.Client{
			Timeout: cfg.VCS.RequestTimeout,
		},
		RetryPolicy: vcs.RetryPolicy{
			MaxRetries: cfg.VCS.MaxRetries,
			MinWait:    500 * time.Millisecond,
			MaxWait:    10 * time.Second,
		},
		Logger: logger,
	})

	// Queue producers.
	buildTrigger := queue.NewBuildTrigger(sqsClient, cfg.AWS, logger)
	gradeTrigger := queue.NewGradeTrigger(sqsClient, cfg.AWS, logger)
	notifier := queue.NewNotifier(sqsClient, cfg.AWS, logger)

	metrics := &liveMetricPublisher{
		client:    cwClient,
		namespace: cfg.AWS.MetricsNamespace,
		logger:    logger,
	}

	// Task engine, registry, bulk coordinator, scheduler.
	engine := lifecycle.NewEngine(lifecycle.EngineConfig{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
		Logger:    logger,
	})
	registry := lifecycle.NewRegistry(engine, logger)
	coordinator := lifecycle.NewCoordinator(lifecycle.CoordinatorConfig{
		Exercises:      exerciseRepo,
		Participations: participationRepo,
		Notifier:       notifier,
		Metrics:        metrics,
		Workers:        cfg.Scheduler.BulkWorkers,
		Timeout:        cfg.Scheduler.BulkTimeout,
		Logger:         logger,
	})
	scheduler := lifecycle.NewScheduler(lifecycle.SchedulerConfig{
		Registry:        registry,
		Coordinator:     coordinator,
		Exercises:       exerciseRepo,
		Participations:  participationRepo,
		Exams:           examRepo,
		Repos:           vcsClient,
		Builds:          buildTrigger,
		Grading:         gradeTrigger,
		Notifier:        notifier,
		Metrics:         metrics,
		Logger:          logger,
		ExamUnlockGrace: cfg.Scheduler.ExamUnlockGrace,
		StartupTimeout:  cfg.Scheduler.StartupTimeout,
	})

	// Ops API.
	srv, err := core.NewServer(cfg, scheduler, registry, exerciseRepo, pool, logger)
	if err != nil {
		return fmt.Errorf("creating ops server: %w", err)
	}
	srv.MountRoutes()

	// Startup re-scheduling pass, delayed so the database and queues have
	// time to become reachable after a deploy.
	go func() {
		time.Sleep(cfg.Scheduler.StartupDelay)
		scheduler.OnStartup(ctx)
	}()

	return serve(srv, engine, registry, cfg, logger)
}

// serve runs the ops HTTP server until a shutdown signal arrives, then
// drains the server and the task engine.
func serve(srv *core.Server, engine *lifecycle.Engine, registry *lifecycle.Registry, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("ops server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("ops server shutdown error", "error", err)
	}
	registry.ClearAll()
	if err := engine.Shutdown(ctx); err != nil {
		logger.Error("task engine shutdown error", "error", err)
		return fmt.Errorf("task engine shutdown: %w", err)
	}

	logger.Info("scheduler stopped cleanly")
	return nil
}

// newPool builds the pgx connection pool from the database configuration.
func newPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = dbCfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// newLogger creates a structured slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}

// --- Metric Publisher Implementation ---

// cloudwatchAPI is the subset of the CloudWatch SDK client used by the
// scheduler.
type cloudwatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// metricPublishTimeout bounds each PutMetricData call so telemetry cannot
// stall a worker.
const metricPublishTimeout = 5 * time.Second

// liveMetricPublisher implements lifecycle.Metrics against CloudWatch.
// Publish failures are logged and swallowed; telemetry loss must never fail
// a scheduling or batch operation.
type liveMetricPublisher struct {
	client    cloudwatchAPI
	namespace string
	logger    *slog.Logger
}

// RecordBatchResult emits succeeded and failed counts for one batch
// operation, dimensioned by operation name.
func (p *liveMetricPublisher) RecordBatchResult(operation string, succeeded, failed int) {
	ctx, cancel := context.WithTimeout(context.Background(), metricPublishTimeout)
	defer cancel()

	dims := []cwTypes.Dimension{
		{
			Name:  aws.String("Operation"),
			Value: aws.String(operation),
		},
	}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwTypes.MetricDatum{
			{
				MetricName: aws.String("BatchItemsSucceeded"),
				Value:      aws.Float64(float64(succeeded)),
				Unit:       cwTypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String("BatchItemsFailed"),
				Value:      aws.Float64(float64(failed)),
				Unit:       cwTypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to publish batch metrics",
			"operation", operation, "error", err)
	}
}

// RecordScheduledExercises emits the number of exercises scheduled by the
// startup pass.
func (p *liveMetricPublisher) RecordScheduledExercises(count int) {
	ctx, cancel := context.WithTimeout(context.Background(), metricPublishTimeout)
	defer cancel()

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwTypes.MetricDatum{
			{
				MetricName: aws.String("ScheduledExercises"),
				Value:      aws.Float64(float64(count)),
				Unit:       cwTypes.StandardUnitCount,
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to publish scheduled exercises metric", "error", err)
	}
}

// Compile-time assertion that the publisher satisfies lifecycle.Metrics.
var _ lifecycle.Metrics = (*liveMetricPublisher)(nil)
