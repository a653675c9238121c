package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"salesflow/internal/types"
)

// TicketRepository reads and writes the follow-up fields on tickets. The
// wider ticket record belongs to the CRM layer; this repository touches only
// follow_up_enabled and current_follow_up_step.
type TicketRepository struct {
	db DBTX
}

// NewTicketRepository creates a new TicketRepository backed by the given
// database connection (pool or transaction).
func NewTicketRepository(db DBTX) *TicketRepository {
	return &TicketRepository{db: db}
}

// Get returns the follow-up view of a ticket.
func (r *TicketRepository) Get(ctx context.Context, ticketID string) (*types.Ticket, error) {
	var t types.Ticket
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, follow_up_enabled, current_follow_up_step
		 FROM tickets
		 WHERE id = $1`,
		ticketID,
	).Scan(&t.ID, &t.OrganizationID, &t.FollowUpEnabled, &t.CurrentFollowUpStep)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundTicket, "ticket not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query ticket", err)
	}
	return &t, nil
}

// SetFollowUpState updates the scheduler-owned fields in one statement.
// A nil step stores NULL (follow-up disabled or completed).
func (r *TicketRepository) SetFollowUpState(ctx context.Context, ticketID string, enabled bool, step *int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tickets
		 SET follow_up_enabled = $2, current_follow_up_step = $3, updated_at = NOW()
		 WHERE id = $1`,
		ticketID,
		enabled,
		step,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update ticket follow-up state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTicket, "ticket not found", nil)
	}
	return nil
}
