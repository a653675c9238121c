package db

import (
	"context"
	"encoding/json"
	"time"

	"salesflow/internal/types"
)

// DelayedJob is a durable queue row: a payload that becomes due at run_at.
// Status transitions: pending -> dispatched -> completed, or pending ->
// cancelled. Every transition is a compare-and-swap so concurrent dispatchers
// and cancellations cannot double-apply.
type DelayedJob struct {
	ID           string
	JobType      string
	Payload      json.RawMessage
	RunAt        time.Time
	Status       string
	Attempts     int
	DispatchedAt *time.Time
	CreatedAt    time.Time
}

// Delayed job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusDispatched = "dispatched"
	JobStatusCompleted  = "completed"
	JobStatusCancelled  = "cancelled"
)

// DelayedJobRepository provides data access for the delayed_jobs table, the
// durable store behind the delayed job queue.
type DelayedJobRepository struct {
	db DBTX
}

// NewDelayedJobRepository creates a new DelayedJobRepository backed by the
// given database connection (pool or transaction).
func NewDelayedJobRepository(db DBTX) *DelayedJobRepository {
	return &DelayedJobRepository{db: db}
}

// Insert persists a new pending job.
func (r *DelayedJobRepository) Insert(ctx context.Context, job *DelayedJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO delayed_jobs (id, job_type, payload, run_at, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, NOW())`,
		job.ID,
		job.JobType,
		job.Payload,
		job.RunAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert delayed job", err)
	}
	return nil
}

// CancelByID moves a not-yet-completed job to cancelled. Returns false when
// the job is unknown or already completed/cancelled — a no-op for the caller,
// never an error. A job already handed to SQS (dispatched) is still
// cancellable here: the delivery worker's terminal-row check makes the
// in-flight message a no-op.
func (r *DelayedJobRepository) CancelByID(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delayed_jobs
		 SET status = 'cancelled'
		 WHERE id = $1 AND status IN ('pending', 'dispatched')`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel delayed job", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListDue returns pending jobs whose run_at falls before now + horizon,
// soonest first. The horizon lets the dispatcher pre-publish jobs that come
// due before its next sweep, using the queue's delay for the residual wait.
func (r *DelayedJobRepository) ListDue(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]DelayedJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, job_type, payload, run_at, status, attempts, dispatched_at, created_at
		 FROM delayed_jobs
		 WHERE status = 'pending' AND run_at <= $1
		 ORDER BY run_at ASC
		 LIMIT $2`,
		now.Add(horizon),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due delayed jobs", err)
	}
	defer rows.Close()

	var jobs []DelayedJob
	for rows.Next() {
		var j DelayedJob
		if err := rows.Scan(
			&j.ID,
			&j.JobType,
			&j.Payload,
			&j.RunAt,
			&j.Status,
			&j.Attempts,
			&j.DispatchedAt,
			&j.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delayed job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating delayed jobs", err)
	}

	return jobs, nil
}

// MarkDispatched records the SQS hand-off. Returns false when the job is no
// longer pending (cancelled underneath the dispatcher, or claimed by a
// concurrent sweep); the published message then resolves as a worker-side
// no-op.
func (r *DelayedJobRepository) MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delayed_jobs
		 SET status = 'dispatched', dispatched_at = $2, attempts = attempts + 1
		 WHERE id = $1 AND status = 'pending'`,
		id,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark delayed job dispatched", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompleted records successful delivery of a dispatched job.
func (r *DelayedJobRepository) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE delayed_jobs
		 SET status = 'completed'
		 WHERE id = $1 AND status = 'dispatched'`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark delayed job completed", err)
	}
	return nil
}
