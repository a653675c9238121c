package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"salesflow/internal/types"
)

// pgUniqueViolation is the Postgres SQLSTATE for unique constraint errors.
const pgUniqueViolation = "23505"

// ScheduledMessageRepository provides data access for the scheduled_messages
// table, the durable record of every follow-up attempt. The single-pending
// invariant (at most one row per ticket with sent_at and cancelled_at both
// NULL) is held two ways: the scheduler cancels pending rows before every
// Create, and a UNIQUE partial index on (ticket_id) WHERE pending backstops
// races between replicas. A losing Create surfaces as a conflict AppError.
type ScheduledMessageRepository struct {
	db DBTX
}

// NewScheduledMessageRepository creates a new ScheduledMessageRepository
// backed by the given database connection (pool or transaction).
func NewScheduledMessageRepository(db DBTX) *ScheduledMessageRepository {
	return &ScheduledMessageRepository{db: db}
}

// Create inserts a new pending scheduled message.
func (r *ScheduledMessageRepository) Create(ctx context.Context, m *types.ScheduledMessage) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO scheduled_messages
		 (id, ticket_id, organization_id, step, scheduled_at, job_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		m.ID,
		m.TicketID,
		m.OrganizationID,
		m.Step,
		m.ScheduledAt,
		m.JobID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return types.NewAppError(types.ErrCodeConflictPendingExists,
				"ticket already has a pending scheduled message", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create scheduled message", err)
	}
	return nil
}

// Get returns a scheduled message by ID.
func (r *ScheduledMessageRepository) Get(ctx context.Context, id string) (*types.ScheduledMessage, error) {
	var m types.ScheduledMessage
	err := r.db.QueryRow(ctx,
		`SELECT id, ticket_id, organization_id, step, scheduled_at,
		        sent_at, cancelled_at, cancel_reason, job_id, created_at
		 FROM scheduled_messages
		 WHERE id = $1`,
		id,
	).Scan(
		&m.ID,
		&m.TicketID,
		&m.OrganizationID,
		&m.Step,
		&m.ScheduledAt,
		&m.SentAt,
		&m.CancelledAt,
		&m.CancelReason,
		&m.JobID,
		&m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundScheduledMessage, "scheduled message not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query scheduled message", err)
	}
	return &m, nil
}

// ListPendingByTicket returns the ticket's non-terminal rows, oldest first.
// The single-pending invariant means the result has at most one element in a
// healthy system; the list shape lets cancellation sweep up stragglers after
// a partially failed scheduling call.
func (r *ScheduledMessageRepository) ListPendingByTicket(ctx context.Context, ticketID string) ([]types.ScheduledMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, ticket_id, organization_id, step, scheduled_at,
		        sent_at, cancelled_at, cancel_reason, job_id, created_at
		 FROM scheduled_messages
		 WHERE ticket_id = $1 AND sent_at IS NULL AND cancelled_at IS NULL
		 ORDER BY created_at ASC`,
		ticketID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query pending scheduled messages", err)
	}
	defer rows.Close()

	var pending []types.ScheduledMessage
	for rows.Next() {
		var m types.ScheduledMessage
		if err := rows.Scan(
			&m.ID,
			&m.TicketID,
			&m.OrganizationID,
			&m.Step,
			&m.ScheduledAt,
			&m.SentAt,
			&m.CancelledAt,
			&m.CancelReason,
			&m.JobID,
			&m.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan scheduled message", err)
		}
		pending = append(pending, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating scheduled messages", err)
	}

	return pending, nil
}

// Cancel marks a single pending row cancelled with the given reason.
// Returns false when the row was already terminal (sent or cancelled), which
// callers treat as "lost the race", never as an error.
func (r *ScheduledMessageRepository) Cancel(ctx context.Context, id string, reason string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages
		 SET cancelled_at = $3, cancel_reason = $2
		 WHERE id = $1 AND sent_at IS NULL AND cancelled_at IS NULL`,
		id,
		reason,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel scheduled message", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent atomically stamps sent_at on a still-pending row. Returns false
// when the row was already sent or cancelled; the delivery worker uses this
// as its at-least-once idempotency check.
func (r *ScheduledMessageRepository) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages
		 SET sent_at = $2
		 WHERE id = $1 AND sent_at IS NULL AND cancelled_at IS NULL`,
		id,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark scheduled message sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetJobID backfills the delayed-job reference after the job is enqueued.
func (r *ScheduledMessageRepository) SetJobID(ctx context.Context, id string, jobID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages SET job_id = $2 WHERE id = $1`,
		id,
		jobID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set scheduled message job id", err)
	}
	return nil
}
