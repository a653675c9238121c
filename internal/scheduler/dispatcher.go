package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"salesflow/internal/db"
	"salesflow/internal/types"
)

// DueJobStore defines the database operations needed by the DueJobDispatcher.
type DueJobStore interface {
	// ListDue returns pending jobs with run_at inside the dispatch horizon,
	// soonest first.
	ListDue(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]db.DelayedJob, error)

	// MarkDispatched atomically flips a job from pending to dispatched.
	// Returns false when another dispatcher (or a cancel) won the race.
	MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error)
}

// JobPublisher hands a due job to the delivery queue with its residual delay.
type JobPublisher interface {
	Publish(ctx context.Context, msg types.FollowUpJobMessage, delay time.Duration) error
}

// DueJobDispatcher moves due delayed jobs from the durable table onto SQS.
// It publishes first and marks second, so a crash between the two redelivers
// the job on the next run; the delivery worker is idempotent against that.
type DueJobDispatcher struct {
	store     DueJobStore
	publisher JobPublisher
	horizon   time.Duration
	limit     int
	logger    *slog.Logger
}

// NewDueJobDispatcher creates a DueJobDispatcher. The horizon is how far
// ahead of run_at a job may be handed to SQS (the residual delay rides on
// DelaySeconds); the limit bounds one run's batch.
func NewDueJobDispatcher(store DueJobStore, publisher JobPublisher, horizon time.Duration, limit int, logger *slog.Logger) *DueJobDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DueJobDispatcher{
		store:     store,
		publisher: publisher,
		horizon:   horizon,
		limit:     limit,
		logger:    logger,
	}
}

// DispatchDue publishes one batch of due jobs. A job that fails to publish
// stays pending and is retried next run; a malformed payload is marked
// dispatched anyway so it cannot wedge the batch forever. Returns the number
// of jobs handed to the queue.
func (d *DueJobDispatcher) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	jobs, err := d.store.ListDue(ctx, now, d.horizon, d.limit)
	if err != nil {
		return 0, fmt.Errorf("listing due jobs: %w", err)
	}

	if len(jobs) == 0 {
		d.logger.InfoContext(ctx, "no due jobs to dispatch")
		return 0, nil
	}

	d.logger.InfoContext(ctx, "dispatching due jobs",
		"count", len(jobs),
		"horizon", d.horizon.String(),
	)

	dispatched := 0
	for _, job := range jobs {
		var msg types.FollowUpJobMessage
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			d.logger.ErrorContext(ctx, "delayed job payload is malformed, dropping",
				"job_id", job.ID,
				"job_type", job.JobType,
				"error", err,
			)
			if _, markErr := d.store.MarkDispatched(ctx, job.ID, now); markErr != nil {
				d.logger.ErrorContext(ctx, "failed to mark malformed job", "job_id", job.ID, "error", markErr)
			}
			continue
		}
		msg.JobID = job.ID

		if err := d.publisher.Publish(ctx, msg, job.RunAt.Sub(now)); err != nil {
			d.logger.ErrorContext(ctx, "failed to publish due job",
				"job_id", job.ID,
				"error", err,
			)
			// Still pending; the next run retries it.
			continue
		}

		ok, err := d.store.MarkDispatched(ctx, job.ID, now)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to mark job dispatched",
				"job_id", job.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			// Cancelled (or claimed by a concurrent run) between listing
			// and marking. The published message is harmless: the worker
			// checks the scheduled message's state before sending.
			d.logger.InfoContext(ctx, "job no longer pending, publish was redundant",
				"job_id", job.ID,
			)
			continue
		}

		dispatched++
	}

	d.logger.InfoContext(ctx, "due job dispatch complete",
		"dispatched", dispatched,
		"total_due", len(jobs),
	)

	return dispatched, nil
}
