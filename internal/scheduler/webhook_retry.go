package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"salesflow/internal/types"
)

// WebhookRetryCeiling is the retry_count at which an event stops being
// replayed and becomes a dead letter.
const WebhookRetryCeiling = 3

// WebhookEventStore defines the database operations needed by the
// WebhookRetryService.
type WebhookEventStore interface {
	// ListUnprocessed returns events with processed=FALSE, a valid
	// signature, and retry_count below the ceiling, oldest first.
	//
	// SQL: SELECT ... FROM webhook_events
	//      WHERE processed = FALSE AND signature_valid = TRUE
	//      AND retry_count < $1 ORDER BY received_at ASC LIMIT $2
	ListUnprocessed(ctx context.Context, ceiling int, limit int) ([]types.WebhookEvent, error)

	// MarkProcessed sets processed=TRUE and clears last_error.
	MarkProcessed(ctx context.Context, id string) error

	// IncrementRetry bumps retry_count and records the failure message.
	IncrementRetry(ctx context.Context, id string, lastError string) error

	// CountDeadLetters counts valid-signature events stuck at the ceiling.
	CountDeadLetters(ctx context.Context, ceiling int) (int, error)
}

// EventProcessor replays one webhook event through the ingestion pipeline.
// The implementation lives outside this core; the retry loop only needs the
// success/failure verdict.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event types.WebhookEvent) error
}

// WebhookMetrics abstracts CloudWatch metric emission for the retry loop.
type WebhookMetrics interface {
	// RecordWebhookRetry emits a retry attempt with its result.
	RecordWebhookRetry(ctx context.Context, result string)
	// RecordDeadLetterDepth emits the current dead-letter backlog gauge.
	RecordDeadLetterDepth(ctx context.Context, depth int)
}

// WebhookRetryService re-drives unresolved webhook events. Events that fail
// keep their place in line until retry_count hits the ceiling; after that
// they are dead letters, visible only through the depth metric and manual
// inspection.
type WebhookRetryService struct {
	store     WebhookEventStore
	processor EventProcessor
	metrics   WebhookMetrics
	logger    *slog.Logger
}

// NewWebhookRetryService creates a WebhookRetryService. The metrics
// parameter may be nil if metric emission is not configured.
func NewWebhookRetryService(store WebhookEventStore, processor EventProcessor, metrics WebhookMetrics, logger *slog.Logger) *WebhookRetryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookRetryService{
		store:     store,
		processor: processor,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run replays one batch of unresolved events. A failing event increments its
// retry_count and the batch continues; only infrastructure errors (listing
// the batch) abort the run. Returns the number of events successfully
// processed.
func (s *WebhookRetryService) Run(ctx context.Context, now time.Time, limit int) (int, error) {
	events, err := s.store.ListUnprocessed(ctx, WebhookRetryCeiling, limit)
	if err != nil {
		return 0, fmt.Errorf("listing unprocessed webhook events: %w", err)
	}

	if len(events) == 0 {
		s.logger.InfoContext(ctx, "no webhook events to retry")
		s.reportDeadLetters(ctx)
		return 0, nil
	}

	s.logger.InfoContext(ctx, "retrying webhook events",
		"count", len(events),
		"reference_time", now.Format(time.RFC3339),
	)

	processed := 0
	for _, event := range events {
		if err := s.processor.ProcessEvent(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "webhook event replay failed",
				"event_id", event.ID,
				"retry_count", event.RetryCount,
				"error", err,
			)
			if recErr := s.store.IncrementRetry(ctx, event.ID, err.Error()); recErr != nil {
				s.logger.ErrorContext(ctx, "failed to record retry failure",
					"event_id", event.ID,
					"error", recErr,
				)
			}
			if s.metrics != nil {
				s.metrics.RecordWebhookRetry(ctx, "failure")
			}
			// Continue with other events; this one keeps its place until
			// it hits the ceiling.
			continue
		}

		if err := s.store.MarkProcessed(ctx, event.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark webhook event processed",
				"event_id", event.ID,
				"error", err,
			)
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordWebhookRetry(ctx, "success")
		}
		processed++
	}

	s.logger.InfoContext(ctx, "webhook retry run complete",
		"processed", processed,
		"total_candidates", len(events),
	)

	s.reportDeadLetters(ctx)
	return processed, nil
}

// reportDeadLetters emits the dead-letter backlog gauge. Failures here are
// logged and swallowed; monitoring must never fail the run.
func (s *WebhookRetryService) reportDeadLetters(ctx context.Context) {
	depth, err := s.store.CountDeadLetters(ctx, WebhookRetryCeiling)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to count webhook dead letters", "error", err)
		return
	}
	if depth > 0 {
		s.logger.WarnContext(ctx, "webhook dead letters present", "depth", depth)
	}
	if s.metrics != nil {
		s.metrics.RecordDeadLetterDepth(ctx, depth)
	}
}
