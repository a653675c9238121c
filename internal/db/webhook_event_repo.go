package db

import (
	"context"

	"salesflow/internal/types"
)

// WebhookEventRepository provides the work-item view of inbound webhook
// events for the retry processor. Event creation and signature validation
// belong to the ingestion layer; this repository only scans unresolved events
// and updates their terminal state.
type WebhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository creates a new WebhookEventRepository backed by
// the given database connection (pool or transaction).
func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// ListUnprocessed returns events still eligible for a retry pass: not yet
// processed, signature-valid, and below the retry ceiling. Oldest first so a
// backlog drains in arrival order.
func (r *WebhookEventRepository) ListUnprocessed(ctx context.Context, ceiling int, limit int) ([]types.WebhookEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, organization_id, payload, processed, retry_count,
		        signature_valid, last_error, received_at
		 FROM webhook_events
		 WHERE processed = FALSE
		   AND signature_valid = TRUE
		   AND retry_count < $1
		 ORDER BY received_at ASC
		 LIMIT $2`,
		ceiling,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query unprocessed webhook events", err)
	}
	defer rows.Close()

	var events []types.WebhookEvent
	for rows.Next() {
		var e types.WebhookEvent
		if err := rows.Scan(
			&e.ID,
			&e.OrganizationID,
			&e.Payload,
			&e.Processed,
			&e.RetryCount,
			&e.SignatureValid,
			&e.LastError,
			&e.ReceivedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating webhook events", err)
	}

	return events, nil
}

// MarkProcessed stamps an event as successfully replayed.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET processed = TRUE, last_error = NULL, updated_at = NOW()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processed", err)
	}
	return nil
}

// IncrementRetry bumps retry_count and records the failure for the next run.
// An event reaching the ceiling simply stops matching ListUnprocessed; it is
// never deleted.
func (r *WebhookEventRepository) IncrementRetry(ctx context.Context, id string, lastError string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		 WHERE id = $1`,
		id,
		lastError,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment webhook event retry count", err)
	}
	return nil
}

// CountDeadLetters returns the number of signature-valid events that
// exhausted their retry budget and now wait for manual remediation.
func (r *WebhookEventRepository) CountDeadLetters(ctx context.Context, ceiling int) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events
		 WHERE processed = FALSE
		   AND signature_valid = TRUE
		   AND retry_count >= $1`,
		ceiling,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count dead-letter webhook events", err)
	}
	return count, nil
}
