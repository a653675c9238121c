// Package main is the entry point for the SalesFlow API server.
//
// It loads configuration (resolving secrets from SSM outside local mode),
// connects the Postgres pool and AWS clients, wires the follow-up service and
// maintenance runner into the HTTP chassis, and serves until SIGINT/SIGTERM.
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
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"salesflow/internal/api/handlers"
	"salesflow/internal/config"
	"salesflow/internal/core"
	"salesflow/internal/db"
	"salesflow/internal/followup"
	"salesflow/internal/metrics"
	"salesflow/internal/queue"
	"salesflow/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// SSM resolution is bypassed inside LoadConfig when APP_ENV=local, so the
	// provider is safe to pass unconditionally.
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("salesflow API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

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

	emitter := metrics.NewCloudWatchEmitter(cwClient, logger)

	// Repositories.
	configRepo := db.NewFollowUpConfigRepository(pool)
	ticketRepo := db.NewTicketRepository(pool)
	messageRepo := db.NewScheduledMessageRepository(pool)
	delayedJobRepo := db.NewDelayedJobRepository(pool)
	lockRepo := db.NewJobLockRepository(pool)
	historyRepo := db.NewJobHistoryRepository(pool)
	webhookRepo := db.NewWebhookEventRepository(pool)

	// Domain services.
	delayedQueue := queue.NewDelayedQueue(delayedJobRepo, logger)
	followUpSvc := followup.NewService(configRepo, ticketRepo, messageRepo, delayedQueue, emitter, logger)

	publisher := queue.NewPublisher(sqsClient, cfg.AWS, logger)
	dispatcher := scheduler.NewDueJobDispatcher(delayedJobRepo, publisher,
		cfg.FollowUp.DispatchHorizon, cfg.FollowUp.DispatchBatchLimit, logger)
	replayProcessor := followup.NewReplyProcessor(followUpSvc, logger)
	webhookRetry := scheduler.NewWebhookRetryService(webhookRepo, replayProcessor, emitter, logger)

	workerID := uuid.New().String()
	runner := scheduler.NewRunner(lockRepo, historyRepo, emitter, workerID, cfg.FollowUp.LockTTL, logger)
	runner.Register(scheduler.TaskDispatchDueJobs, dispatcher.DispatchDue)
	runner.Register(scheduler.TaskWebhookRetry, func(ctx context.Context, now time.Time) (int, error) {
		return webhookRetry.Run(ctx, now, cfg.FollowUp.WebhookBatchLimit)
	})
	runner.Register(scheduler.TaskPurgeJobHistory, func(ctx context.Context, now time.Time) (int, error) {
		return historyRepo.DeleteFinishedBefore(ctx, now.Add(-cfg.FollowUp.JobHistoryRetention))
	})

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = emitter
	srv.HealthProbes = []core.HealthProbe{
		&databaseProbe{pool: pool},
		&queueProbe{client: sqsClient, queueURL: cfg.AWS.FollowUpQueue},
		&metricsProbe{svc: followUpSvc},
	}
	srv.OnShutdown = append(srv.OnShutdown, func(context.Context) error {
		pool.Close()
		return nil
	})

	followUpHandler := handlers.NewFollowUpHandler(followUpSvc, srv.Validator, logger)
	maintenanceHandler := handlers.NewMaintenanceHandler(runner, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		followUpHandler.RegisterRoutes,
		maintenanceHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	logger.Info("salesflow API wired",
		"worker_id", workerID,
		"follow_up_queue", cfg.AWS.FollowUpQueue,
		"dispatch_horizon", cfg.FollowUp.DispatchHorizon.String(),
	)

	return runHTTPServer(srv, cfg, logger)
}

// newPool builds the pgx connection pool with the configured tuning and
// verifies connectivity before the server accepts traffic.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = cfg.Database.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
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
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
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

// databaseProbe reports Postgres connectivity for the health endpoint.
type databaseProbe struct {
	pool *pgxpool.Pool
}

func (p *databaseProbe) Name() string { return "database" }

func (p *databaseProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// queueProbe verifies the follow-up SQS queue is reachable.
type queueProbe struct {
	client   *sqs.Client
	queueURL string
}

func (p *queueProbe) Name() string { return "sqs" }

func (p *queueProbe) Check(ctx context.Context) error {
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(p.queueURL),
	})
	return err
}

// metricsProbe surfaces a follow-up service running on the noop metrics
// recorder as a degraded component instead of silently dropping counters.
type metricsProbe struct {
	svc *followup.Service
}

func (p *metricsProbe) Name() string { return "metrics" }

func (p *metricsProbe) Check(context.Context) error {
	if !p.svc.MetricsWired() {
		return fmt.Errorf("%w: metrics recorder not configured", core.ErrDegraded)
	}
	return nil
}

var (
	_ core.HealthProbe = (*databaseProbe)(nil)
	_ core.HealthProbe = (*queueProbe)(nil)
	_ core.HealthProbe = (*metricsProbe)(nil)
)
