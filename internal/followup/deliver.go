package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"salesflow/internal/types"
)

// earlyDeliveryTolerance absorbs clock skew between the dispatcher and the
// worker when judging whether a due job really is due.
const earlyDeliveryTolerance = time.Minute

// MessageSender delivers a follow-up message over the outbound channel
// (WhatsApp in production). A returned error makes the queue redeliver the
// job, so implementations must only fail on genuinely retryable conditions.
type MessageSender interface {
	SendFollowUp(ctx context.Context, orgID string, ticketID string, step int) error
}

// Deliverer is the worker-side half of the scheduler: it consumes due
// follow-up jobs from the queue, sends the message, and advances the ticket
// to the next step or completes the sequence.
type Deliverer struct {
	svc    *Service
	sender MessageSender
	logger *slog.Logger
}

// NewDeliverer creates a Deliverer sharing the Service's stores and ticket
// locks. A nil logger defaults to slog.Default().
func NewDeliverer(svc *Service, sender MessageSender, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{svc: svc, sender: sender, logger: logger}
}

// HandleDueJob processes one due follow-up job. The queue delivers
// at-least-once, so every outcome here must be idempotent:
//
//   - message missing or already terminal (cancelled, sent): no-op, nil.
//   - send failure: error, so the queue retries the job later.
//   - sent: stamp sent_at, then schedule the next step or complete the
//     sequence when none remains.
//
// A crash between send and mark can duplicate one message; the durable row
// bounds the duplication to a single redelivery.
func (d *Deliverer) HandleDueJob(ctx context.Context, job types.FollowUpJobMessage) error {
	unlock := d.svc.locks.Lock(job.TicketID)
	defer unlock()

	msg, err := d.svc.messages.Get(ctx, job.ScheduledMessageID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundScheduledMessage {
			d.logger.WarnContext(ctx, "scheduled message gone, dropping job",
				"scheduled_message_id", job.ScheduledMessageID,
				"job_id", job.JobID,
			)
			return nil
		}
		return fmt.Errorf("HandleDueJob: %w", err)
	}

	if !msg.Pending() {
		d.logger.InfoContext(ctx, "scheduled message already terminal, skipping",
			"scheduled_message_id", msg.ID,
			"ticket_id", msg.TicketID,
			"step", msg.Step,
		)
		return nil
	}

	// A job can only arrive early if the dispatch horizon was pushed past the
	// SQS delay ceiling. Refuse to send ahead of schedule; the queue retries
	// and the error makes the misconfiguration visible.
	if until := msg.ScheduledAt.Sub(d.svc.nowFn()); until > earlyDeliveryTolerance {
		return fmt.Errorf("HandleDueJob: message %s not due for %s, refusing early delivery", msg.ID, until)
	}

	if err := d.sender.SendFollowUp(ctx, msg.OrganizationID, msg.TicketID, msg.Step); err != nil {
		return fmt.Errorf("HandleDueJob: send step %d for ticket %s: %w", msg.Step, msg.TicketID, err)
	}

	sent, err := d.svc.messages.MarkSent(ctx, msg.ID, d.svc.nowFn())
	if err != nil {
		return fmt.Errorf("HandleDueJob: %w", err)
	}
	if !sent {
		// A concurrent cancel won the race after our pending check. The
		// message went out, but the state machine already moved on.
		d.logger.WarnContext(ctx, "message sent but row turned terminal concurrently",
			"scheduled_message_id", msg.ID,
			"ticket_id", msg.TicketID,
		)
		return nil
	}

	d.svc.metrics.FollowUpSent(ctx, msg.OrganizationID)
	d.logger.InfoContext(ctx, "follow-up sent",
		"ticket_id", msg.TicketID,
		"step", msg.Step,
		"scheduled_message_id", msg.ID,
	)

	return d.advance(ctx, msg)
}

// advance schedules the step after the one just sent, or completes the
// follow-up when the sequence is exhausted or the config stopped being
// usable.
func (d *Deliverer) advance(ctx context.Context, sent *types.ScheduledMessage) error {
	ticket, err := d.svc.tickets.Get(ctx, sent.TicketID)
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	if !ticket.FollowUpEnabled {
		return nil
	}

	cfg, err := d.svc.loadUsableConfig(ctx, ticket.OrganizationID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code != types.ErrCodeInternalDB {
			// Config deactivated mid-sequence. Finish cleanly instead of
			// erroring the job into a retry loop.
			d.logger.WarnContext(ctx, "config no longer usable, completing follow-up",
				"ticket_id", ticket.ID,
				"code", string(appErr.Code),
			)
			return d.complete(ctx, ticket.ID)
		}
		return err
	}

	next := cfg.StepByOrder(sent.Step + 1)
	if next == nil {
		return d.complete(ctx, ticket.ID)
	}

	if err := d.svc.schedule(ctx, ticket, cfg, *next); err != nil {
		// Another worker already planted the next step (a reply restart or a
		// duplicate delivery racing us). Erroring here would just retry the
		// job against a row that is already live.
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code.IsConflict() {
			d.logger.InfoContext(ctx, "next step already scheduled by a concurrent worker",
				"ticket_id", ticket.ID,
				"step", next.Order,
			)
			return nil
		}
		return err
	}

	step := next.Order
	if err := d.svc.tickets.SetFollowUpState(ctx, ticket.ID, true, &step); err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	return nil
}

func (d *Deliverer) complete(ctx context.Context, ticketID string) error {
	if err := d.svc.tickets.SetFollowUpState(ctx, ticketID, false, nil); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	d.logger.InfoContext(ctx, "follow-up sequence completed", "ticket_id", ticketID)
	return nil
}
