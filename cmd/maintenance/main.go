// Package main is the entrypoint for the Maintenance Lambda function.
//
// The Maintenance Lambda is a multiplexer: EventBridge rules send JSON
// payloads naming a TaskType, and the handler routes execution through the
// scheduler.Runner, which wraps every task in the distributed job lock and
// job history recording. Consolidating the low-frequency maintenance tasks
// into a single Lambda reduces cold starts and infrastructure sprawl.
//
// Tasks:
//   - dispatch_due_jobs: move due delayed jobs onto the follow-up SQS queue.
//   - webhook_retry: replay unresolved webhook events, dead-letter at ceiling.
//   - purge_job_history: trim finished job history rows past retention.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"salesflow/internal/config"
	"salesflow/internal/db"
	"salesflow/internal/followup"
	"salesflow/internal/metrics"
	"salesflow/internal/queue"
	"salesflow/internal/scheduler"
)

// MaintenanceRunner executes one maintenance task under the job-type lock.
// Satisfied by *scheduler.Runner; an interface so Handle is testable.
type MaintenanceRunner interface {
	AcquireAndRun(ctx context.Context, task scheduler.TaskType, now time.Time) (scheduler.RunOutcome, error)
}

// Handler holds the dependencies for the maintenance Lambda handler.
type Handler struct {
	Runner MaintenanceRunner
	Logger *slog.Logger
}

// Handle processes a MaintenancePayload from EventBridge. Lock contention is
// a normal outcome (another worker ran the task), not an error.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	logger.InfoContext(ctx, "maintenance handler invoked",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)

	outcome, err := h.Runner.AcquireAndRun(ctx, payload.Task, now)
	if err != nil {
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	if outcome.Skipped {
		return fmt.Sprintf("skipped: lock %s held by another worker", payload.Task), nil
	}
	return fmt.Sprintf("task %s complete: %d items processed", payload.Task, outcome.Items), nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("maintenance Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	emitter := metrics.NewCloudWatchEmitter(cwClient, logger)

	// Repositories.
	configRepo := db.NewFollowUpConfigRepository(pool)
	ticketRepo := db.NewTicketRepository(pool)
	messageRepo := db.NewScheduledMessageRepository(pool)
	delayedJobRepo := db.NewDelayedJobRepository(pool)
	lockRepo := db.NewJobLockRepository(pool)
	historyRepo := db.NewJobHistoryRepository(pool)
	webhookRepo := db.NewWebhookEventRepository(pool)

	// The webhook replay path goes through the full follow-up service so a
	// replayed inbound message restarts the ticket's sequence.
	delayedQueue := queue.NewDelayedQueue(delayedJobRepo, logger)
	followUpSvc := followup.NewService(configRepo, ticketRepo, messageRepo, delayedQueue, emitter, logger)
	replayProcessor := followup.NewReplyProcessor(followUpSvc, logger)
	webhookRetry := scheduler.NewWebhookRetryService(webhookRepo, replayProcessor, emitter, logger)

	publisher := queue.NewPublisher(sqsClient, cfg.AWS, logger)
	dispatcher := scheduler.NewDueJobDispatcher(delayedJobRepo, publisher,
		cfg.FollowUp.DispatchHorizon, cfg.FollowUp.DispatchBatchLimit, logger)

	// Worker ID identifies this Lambda instance for lock ownership.
	workerID := uuid.New().String()
	runner := scheduler.NewRunner(lockRepo, historyRepo, emitter, workerID, cfg.FollowUp.LockTTL, logger)
	runner.Register(scheduler.TaskDispatchDueJobs, dispatcher.DispatchDue)
	runner.Register(scheduler.TaskWebhookRetry, func(ctx context.Context, now time.Time) (int, error) {
		return webhookRetry.Run(ctx, now, cfg.FollowUp.WebhookBatchLimit)
	})
	runner.Register(scheduler.TaskPurgeJobHistory, func(ctx context.Context, now time.Time) (int, error) {
		return historyRepo.DeleteFinishedBefore(ctx, now.Add(-cfg.FollowUp.JobHistoryRetention))
	})

	handler := &Handler{
		Runner: runner,
		Logger: logger,
	}

	logger.Info("maintenance Lambda initialized",
		"worker_id", workerID,
		"lock_ttl", cfg.FollowUp.LockTTL.String(),
		"job_history_retention", cfg.FollowUp.JobHistoryRetention.String(),
	)

	lambda.Start(handler.Handle)
}
