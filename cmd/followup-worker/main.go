// Package main is the entrypoint for the Follow-Up Worker Lambda function.
//
// The worker consumes due follow-up jobs from the follow-up SQS queue (placed
// there by the maintenance dispatcher), delivers the message through the
// WhatsApp gateway, and advances the ticket's sequence via the follow-up
// Deliverer. Messages that fail are reported as partial batch failures so SQS
// redelivers only them; everything in the delivery path is idempotent because
// the queue is at-least-once.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"salesflow/internal/config"
	"salesflow/internal/db"
	"salesflow/internal/external"
	"salesflow/internal/followup"
	"salesflow/internal/metrics"
	"salesflow/internal/queue"
	"salesflow/internal/types"
)

// JobDeliverer processes one due follow-up job. Satisfied by
// *followup.Deliverer; an interface so Handle is testable.
type JobDeliverer interface {
	HandleDueJob(ctx context.Context, job types.FollowUpJobMessage) error
}

// JobCompleter records terminal delivery on the backing delayed job row.
type JobCompleter interface {
	MarkCompleted(ctx context.Context, id string) error
}

// Handler holds the dependencies for the follow-up worker Lambda handler.
type Handler struct {
	Deliverer JobDeliverer
	Jobs      JobCompleter
	Logger    *slog.Logger
}

// Handle processes an SQS event containing one or more follow-up job
// messages. Each message is processed independently; failures are returned
// as partial batch failures so SQS retries only those messages.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.Logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processRecord handles a single SQS message through the delivery pipeline.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var job types.FollowUpJobMessage
	if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
		h.Logger.ErrorContext(ctx, "failed to unmarshal follow-up job message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure. Retrying cannot fix the body, so ACK.
		return nil
	}

	logger := h.Logger.With(
		"job_id", job.JobID,
		"scheduled_message_id", job.ScheduledMessageID,
		"ticket_id", job.TicketID,
		"organization_id", job.OrganizationID,
		"step", job.Step,
		"trace_id", job.TraceID,
	)
	logger.InfoContext(ctx, "processing follow-up job")

	if err := h.Deliverer.HandleDueJob(ctx, job); err != nil {
		return err
	}

	// Best-effort: the scheduled message row is the delivery source of truth;
	// the delayed job status is operational bookkeeping.
	if job.JobID != "" {
		if err := h.Jobs.MarkCompleted(ctx, job.JobID); err != nil {
			logger.WarnContext(ctx, "failed to mark delayed job completed",
				"error", err.Error(),
			)
		}
	}

	logger.InfoContext(ctx, "follow-up job processed")
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("follow-up worker Lambda initializing (cold start)")

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
	cwClient := cloudwatch.NewFromConfig(awsCfg)
	emitter := metrics.NewCloudWatchEmitter(cwClient, logger)

	// Repositories and the follow-up service the deliverer advances through.
	configRepo := db.NewFollowUpConfigRepository(pool)
	ticketRepo := db.NewTicketRepository(pool)
	messageRepo := db.NewScheduledMessageRepository(pool)
	delayedJobRepo := db.NewDelayedJobRepository(pool)

	delayedQueue := queue.NewDelayedQueue(delayedJobRepo, logger)
	followUpSvc := followup.NewService(configRepo, ticketRepo, messageRepo, delayedQueue, emitter, logger)

	sender := external.NewWhatsAppClient(
		&http.Client{Timeout: cfg.WhatsApp.Timeout},
		external.WhatsAppClientConfig{
			BaseURL:   cfg.WhatsApp.BaseURL,
			Token:     cfg.WhatsApp.Token,
			UserAgent: cfg.WhatsApp.UserAgent,
			Logger:    logger,
		},
	)

	deliverer := followup.NewDeliverer(followUpSvc, sender, logger)

	handler := &Handler{
		Deliverer: deliverer,
		Jobs:      delayedJobRepo,
		Logger:    logger,
	}

	logger.Info("follow-up worker Lambda initialized",
		"whatsapp_base_url", cfg.WhatsApp.BaseURL,
		"whatsapp_timeout", cfg.WhatsApp.Timeout.String(),
	)

	lambda.Start(handler.Handle)
}
