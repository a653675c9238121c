package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"salesflow/internal/db"
)

// JobStore is the persistence surface DelayedQueue needs from the
// DelayedJobRepository.
type JobStore interface {
	Insert(ctx context.Context, job *db.DelayedJob) error
	CancelByID(ctx context.Context, id string) (bool, error)
}

// DelayedQueue is the durable delayed-job facade. Jobs are persisted as rows
// and only handed to SQS by the dispatcher once they come due, which is what
// makes multi-day delays and cancel-by-handle possible (SQS itself caps
// delays at 15 minutes and cannot cancel an enqueued message).
type DelayedQueue struct {
	store  JobStore
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewDelayedQueue creates a DelayedQueue over the given job store.
func NewDelayedQueue(store JobStore, logger *slog.Logger) *DelayedQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DelayedQueue{
		store:  store,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists a job to fire after delay and returns its handle.
func (q *DelayedQueue) Enqueue(ctx context.Context, jobType string, payload any, delay time.Duration) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal job payload: %w", err)
	}

	now := q.nowFn()
	job := &db.DelayedJob{
		ID:        uuid.NewString(),
		JobType:   jobType,
		Payload:   body,
		RunAt:     now.Add(delay),
		Status:    db.JobStatusPending,
		CreatedAt: now,
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("queue: failed to persist delayed job: %w", err)
	}

	q.logger.InfoContext(ctx, "delayed job enqueued",
		"job_id", job.ID,
		"job_type", jobType,
		"run_at", job.RunAt.Format(time.RFC3339),
	)
	return job.ID, nil
}

// Cancel prevents a not-yet-fired job from dispatching. Returns false when
// the job already fired or does not exist; callers treat that as "too late",
// not as a failure.
func (q *DelayedQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := q.store.CancelByID(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("queue: failed to cancel delayed job %s: %w", jobID, err)
	}
	if cancelled {
		q.logger.InfoContext(ctx, "delayed job cancelled", "job_id", jobID)
	}
	return cancelled, nil
}
