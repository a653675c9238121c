package followup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"salesflow/internal/types"
)

// Webhook event types the reply processor understands. Everything else is
// acknowledged without side effects so it does not clog the retry loop.
const (
	eventTypeMessageReceived = "message.received"
)

// replyEventPayload is the subset of the inbound webhook payload this
// processor reads. The ingestion layer stores the full gateway payload.
type replyEventPayload struct {
	Type     string `json:"type"`
	TicketID string `json:"ticket_id"`
}

// ReplyProcessor replays stored webhook events against the follow-up state
// machine. An inbound message on a ticket restarts its follow-up sequence;
// event types without follow-up side effects are treated as processed.
type ReplyProcessor struct {
	svc    *Service
	logger *slog.Logger
}

// NewReplyProcessor creates a ReplyProcessor around the follow-up service.
func NewReplyProcessor(svc *Service, logger *slog.Logger) *ReplyProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyProcessor{svc: svc, logger: logger}
}

// ProcessEvent handles one stored webhook event. A returned error means the
// event stays unprocessed and the retry loop will replay it.
func (p *ReplyProcessor) ProcessEvent(ctx context.Context, event types.WebhookEvent) error {
	var payload replyEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("parsing webhook payload %s: %w", event.ID, err)
	}

	if payload.Type != eventTypeMessageReceived {
		p.logger.DebugContext(ctx, "webhook event has no follow-up effect",
			"event_id", event.ID,
			"event_type", payload.Type,
		)
		return nil
	}

	if payload.TicketID == "" {
		return fmt.Errorf("webhook event %s: message.received payload missing ticket_id", event.ID)
	}

	if err := p.svc.CancelOnReply(ctx, payload.TicketID); err != nil {
		return fmt.Errorf("replaying reply for ticket %s: %w", payload.TicketID, err)
	}
	return nil
}
