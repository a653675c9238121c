// Package followup implements the follow-up scheduler state machine: the
// entry points the conversation layer calls (enable, disable, cancel-on-reply,
// skip) and the worker-side delivery handler. All scheduling paths funnel
// through a cancel-before-schedule step so a ticket never carries two live
// scheduled messages.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"salesflow/internal/hours"
	"salesflow/internal/types"
)

// JobTypeFollowUp is the job_type recorded on delayed jobs created by this
// service.
const JobTypeFollowUp = "follow_up"

// ConfigStore loads the per-organization follow-up policy.
type ConfigStore interface {
	// GetByOrganization returns the organization's config with its steps
	// ordered ascending, or nil when no config exists.
	GetByOrganization(ctx context.Context, orgID string) (*types.FollowUpConfig, error)
}

// TicketStore reads and writes the follow-up state on tickets.
type TicketStore interface {
	Get(ctx context.Context, ticketID string) (*types.Ticket, error)

	// SetFollowUpState updates follow_up_enabled and current_follow_up_step
	// in one statement. step is nil when disabling.
	SetFollowUpState(ctx context.Context, ticketID string, enabled bool, step *int) error
}

// MessageStore persists scheduled messages and their terminal transitions.
type MessageStore interface {
	Create(ctx context.Context, m *types.ScheduledMessage) error
	Get(ctx context.Context, id string) (*types.ScheduledMessage, error)
	ListPendingByTicket(ctx context.Context, ticketID string) ([]types.ScheduledMessage, error)

	// Cancel marks a pending message cancelled. Returns false when the row
	// is already terminal, which callers treat as "lost the race", not as a
	// failure.
	Cancel(ctx context.Context, id string, reason string, at time.Time) (bool, error)

	// MarkSent stamps sent_at if and only if the message is still pending.
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)

	// SetJobID records the delayed-job reference after enqueue.
	SetJobID(ctx context.Context, id string, jobID string) error
}

// JobQueue is the delayed-job facade the scheduler enqueues into. The
// production implementation persists a durable job row and lets the
// dispatcher hand it to SQS when due.
type JobQueue interface {
	// Enqueue stores a job to fire after delay and returns its handle.
	Enqueue(ctx context.Context, jobType string, payload any, delay time.Duration) (string, error)

	// Cancel prevents a not-yet-fired job from dispatching. Returns false
	// when the job already fired or is unknown; that is not an error.
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// MetricRecorder receives follow-up lifecycle counters. Implementations are
// fire-and-forget; failures are logged, never propagated.
type MetricRecorder interface {
	FollowUpScheduled(ctx context.Context, orgID string)
	FollowUpSent(ctx context.Context, orgID string)
	FollowUpCancelled(ctx context.Context, orgID string, reason string)
}

// noopMetrics is used when no recorder is wired (tests, local runs).
type noopMetrics struct{}

func (noopMetrics) FollowUpScheduled(context.Context, string)         {}
func (noopMetrics) FollowUpSent(context.Context, string)              {}
func (noopMetrics) FollowUpCancelled(context.Context, string, string) {}

// Service orchestrates the follow-up lifecycle for tickets. All operations
// are safe for concurrent use; operations on the same ticket are serialized.
type Service struct {
	configs  ConfigStore
	tickets  TicketStore
	messages MessageStore
	queue    JobQueue
	metrics  MetricRecorder
	locks    *ticketLocks
	logger   *slog.Logger

	// metricsWired records whether a real recorder was provided, so the
	// health endpoint can surface the degraded (noop) substitution.
	metricsWired bool

	// nowFn is swapped in tests for deterministic time.
	nowFn func() time.Time
}

// NewService creates a follow-up Service. A nil logger defaults to
// slog.Default(); a nil metrics recorder disables metric emission, which
// MetricsWired exposes for health reporting.
func NewService(configs ConfigStore, tickets TicketStore, messages MessageStore, queue JobQueue, metrics MetricRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	wired := metrics != nil
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		configs:      configs,
		tickets:      tickets,
		messages:     messages,
		queue:        queue,
		metrics:      metrics,
		metricsWired: wired,
		locks:        newTicketLocks(),
		logger:       logger,
		nowFn:        func() time.Time { return time.Now().UTC() },
	}
}

// MetricsWired reports whether the service emits real metrics or runs on the
// noop recorder. Health probes use this to report the optional dependency as
// degraded rather than silently absent.
func (s *Service) MetricsWired() bool { return s.metricsWired }

// Enable turns follow-up on for a ticket and schedules step 1.
//
// Preconditions: the organization must have an active config with at least
// one step, and the ticket must not already be enabled. Precondition
// failures surface as typed AppErrors (422 for config problems, 409 for the
// already-enabled conflict) so the API layer can report them without treating
// them as faults.
func (s *Service) Enable(ctx context.Context, ticketID string, orgID string) error {
	unlock := s.locks.Lock(ticketID)
	defer unlock()

	cfg, err := s.loadUsableConfig(ctx, orgID)
	if err != nil {
		return err
	}

	ticket, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("Enable: %w", err)
	}
	if ticket.FollowUpEnabled {
		return types.NewAppError(types.ErrCodeConflictAlreadyEnabled, "follow-up is already enabled for this ticket", nil)
	}

	// A prior enable that failed between scheduling and the ticket update
	// leaves a live row behind while the ticket reads disabled. Clear it so
	// the retry cannot stack a second pending message.
	if err := s.cancelPending(ctx, ticketID, types.CancelReasonManual); err != nil {
		return fmt.Errorf("Enable: %w", err)
	}

	firstStep := cfg.Steps[0]
	if err := s.schedule(ctx, ticket, cfg, firstStep); err != nil {
		return err
	}

	step := firstStep.Order
	if err := s.tickets.SetFollowUpState(ctx, ticketID, true, &step); err != nil {
		return fmt.Errorf("Enable: %w", err)
	}

	s.logger.InfoContext(ctx, "follow-up enabled",
		"ticket_id", ticketID,
		"organization_id", orgID,
		"step", step,
	)
	return nil
}

// Disable cancels every pending scheduled message for the ticket and clears
// its follow-up state. Calling it on an already-disabled ticket reports a
// conflict so the API can answer 409 with an informational body.
func (s *Service) Disable(ctx context.Context, ticketID string) error {
	unlock := s.locks.Lock(ticketID)
	defer unlock()

	ticket, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("Disable: %w", err)
	}
	if !ticket.FollowUpEnabled {
		return types.NewAppError(types.ErrCodeConflictAlreadyDisabled, "follow-up is already disabled for this ticket", nil)
	}

	if err := s.cancelPending(ctx, ticketID, types.CancelReasonManual); err != nil {
		return fmt.Errorf("Disable: %w", err)
	}

	if err := s.tickets.SetFollowUpState(ctx, ticketID, false, nil); err != nil {
		return fmt.Errorf("Disable: %w", err)
	}

	s.logger.InfoContext(ctx, "follow-up disabled", "ticket_id", ticketID)
	return nil
}

// CancelOnReply handles an inbound message on a follow-up-enabled ticket:
// pending messages are cancelled with reason lead_replied and the sequence
// restarts at step 1. Restarting rather than disabling is a deliberate
// product policy: every reply resets the nudge countdown.
//
// Tickets with follow-up disabled are ignored silently; the messaging layer
// calls this on every inbound message.
func (s *Service) CancelOnReply(ctx context.Context, ticketID string) error {
	unlock := s.locks.Lock(ticketID)
	defer unlock()

	ticket, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("CancelOnReply: %w", err)
	}
	if !ticket.FollowUpEnabled {
		return nil
	}

	cfg, err := s.loadUsableConfig(ctx, ticket.OrganizationID)
	if err != nil {
		// The config was deactivated or emptied after enable. Fall back to
		// a plain disable so the ticket does not hold pending messages no
		// config backs.
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code != types.ErrCodeInternalDB {
			s.logger.WarnContext(ctx, "follow-up config no longer usable, disabling ticket",
				"ticket_id", ticketID,
				"code", string(appErr.Code),
			)
			if cErr := s.cancelPending(ctx, ticketID, types.CancelReasonLeadReplied); cErr != nil {
				return fmt.Errorf("CancelOnReply: %w", cErr)
			}
			return s.tickets.SetFollowUpState(ctx, ticketID, false, nil)
		}
		return err
	}

	if err := s.cancelPending(ctx, ticketID, types.CancelReasonLeadReplied); err != nil {
		return fmt.Errorf("CancelOnReply: %w", err)
	}

	firstStep := cfg.Steps[0]
	if err := s.schedule(ctx, ticket, cfg, firstStep); err != nil {
		// A replica processing the same reply can win the pending-row race
		// between our cancel and create. Its row is the restarted sequence;
		// nothing is left for us to do.
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code.IsConflict() {
			s.logger.InfoContext(ctx, "follow-up already restarted by a concurrent worker",
				"ticket_id", ticketID,
			)
			return nil
		}
		return err
	}

	step := firstStep.Order
	if err := s.tickets.SetFollowUpState(ctx, ticketID, true, &step); err != nil {
		return fmt.Errorf("CancelOnReply: %w", err)
	}

	s.logger.InfoContext(ctx, "follow-up restarted after reply",
		"ticket_id", ticketID,
		"step", step,
	)
	return nil
}

// SkipToNextStep cancels the current pending message and schedules the next
// step with zero delay (still subject to the business-hours window). When no
// next step exists the sequence is exhausted and the ticket is disabled.
//
// The bool reports whether another step remains: true when the next step was
// scheduled, false when the skip completed the sequence.
func (s *Service) SkipToNextStep(ctx context.Context, ticketID string) (bool, error) {
	unlock := s.locks.Lock(ticketID)
	defer unlock()

	ticket, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		return false, fmt.Errorf("SkipToNextStep: %w", err)
	}
	if !ticket.FollowUpEnabled || ticket.CurrentFollowUpStep == nil {
		return false, types.NewAppError(types.ErrCodeConflictNoPendingStep, "ticket has no pending follow-up step to skip", nil)
	}

	cfg, err := s.loadUsableConfig(ctx, ticket.OrganizationID)
	if err != nil {
		return false, err
	}

	if err := s.cancelPending(ctx, ticketID, types.CancelReasonManual); err != nil {
		return false, fmt.Errorf("SkipToNextStep: %w", err)
	}

	next := cfg.StepByOrder(*ticket.CurrentFollowUpStep + 1)
	if next == nil {
		// Sequence exhausted: skipping the last step ends the follow-up.
		if err := s.tickets.SetFollowUpState(ctx, ticketID, false, nil); err != nil {
			return false, fmt.Errorf("SkipToNextStep: %w", err)
		}
		s.logger.InfoContext(ctx, "follow-up completed by skip", "ticket_id", ticketID)
		return false, nil
	}

	immediate := types.FollowUpStep{Order: next.Order, DelayMinutes: 0}
	if err := s.schedule(ctx, ticket, cfg, immediate); err != nil {
		return false, err
	}

	step := next.Order
	if err := s.tickets.SetFollowUpState(ctx, ticketID, true, &step); err != nil {
		return false, fmt.Errorf("SkipToNextStep: %w", err)
	}

	s.logger.InfoContext(ctx, "follow-up skipped to next step",
		"ticket_id", ticketID,
		"step", step,
	)
	return true, nil
}

// Status returns the read-model for the API layer: whether follow-up is
// enabled, the current step, total steps in the config, and when the next
// message fires.
func (s *Service) Status(ctx context.Context, ticketID string) (*types.FollowUpStatus, error) {
	ticket, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}

	status := &types.FollowUpStatus{Enabled: ticket.FollowUpEnabled}
	if ticket.CurrentFollowUpStep != nil {
		status.CurrentStep = *ticket.CurrentFollowUpStep
	}

	cfg, err := s.configs.GetByOrganization(ctx, ticket.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	if cfg != nil {
		status.TotalSteps = len(cfg.Steps)
	}

	if ticket.FollowUpEnabled {
		pending, err := s.messages.ListPendingByTicket(ctx, ticketID)
		if err != nil {
			return nil, fmt.Errorf("Status: %w", err)
		}
		if len(pending) > 0 {
			at := pending[0].ScheduledAt
			status.NextScheduledAt = &at
		}
	}

	return status, nil
}

// schedule creates the ScheduledMessage row for the step, enqueues the
// delayed job, and links the two. Callers hold the ticket lock and have
// already cancelled any pending message.
func (s *Service) schedule(ctx context.Context, ticket *types.Ticket, cfg *types.FollowUpConfig, step types.FollowUpStep) error {
	now := s.nowFn()
	scheduledAt := now.Add(time.Duration(step.DelayMinutes) * time.Minute)
	if cfg.BusinessHoursOnly {
		scheduledAt = hours.Adjust(scheduledAt, hours.Window{
			Enabled:   true,
			StartHour: cfg.BusinessStartHour,
			EndHour:   cfg.BusinessEndHour,
			Days:      weekdaySet(cfg.BusinessDays),
		})
	}

	msg := &types.ScheduledMessage{
		ID:             uuid.NewString(),
		TicketID:       ticket.ID,
		OrganizationID: ticket.OrganizationID,
		Step:           step.Order,
		ScheduledAt:    scheduledAt,
		CreatedAt:      now,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("schedule step %d: %w", step.Order, err)
	}

	payload := types.FollowUpJobMessage{
		ScheduledMessageID: msg.ID,
		TicketID:           ticket.ID,
		OrganizationID:     ticket.OrganizationID,
		Step:               step.Order,
		TraceID:            types.GetRequestID(ctx),
	}

	jobID, err := s.queue.Enqueue(ctx, JobTypeFollowUp, payload, scheduledAt.Sub(now))
	if err != nil {
		// Roll the message back so the ticket does not carry a pending row
		// no job will ever fire.
		if _, cErr := s.messages.Cancel(ctx, msg.ID, types.CancelReasonManual, s.nowFn()); cErr != nil {
			s.logger.ErrorContext(ctx, "failed to roll back scheduled message after enqueue failure",
				"scheduled_message_id", msg.ID,
				"error", cErr,
			)
		}
		return fmt.Errorf("schedule step %d: %w", step.Order, err)
	}

	if err := s.messages.SetJobID(ctx, msg.ID, jobID); err != nil {
		return fmt.Errorf("schedule step %d: %w", step.Order, err)
	}

	s.metrics.FollowUpScheduled(ctx, ticket.OrganizationID)
	s.logger.InfoContext(ctx, "follow-up step scheduled",
		"ticket_id", ticket.ID,
		"step", step.Order,
		"scheduled_at", scheduledAt.Format(time.RFC3339),
		"job_id", jobID,
	)
	return nil
}

// cancelPending cancels every live scheduled message for the ticket along
// with its backing delayed job. Queue cancellations that lose the race
// (job already fired) are fine: the worker sees the cancelled message row
// and no-ops.
func (s *Service) cancelPending(ctx context.Context, ticketID string, reason string) error {
	pending, err := s.messages.ListPendingByTicket(ctx, ticketID)
	if err != nil {
		return err
	}

	now := s.nowFn()
	for _, msg := range pending {
		if msg.JobID != "" {
			if _, err := s.queue.Cancel(ctx, msg.JobID); err != nil {
				return fmt.Errorf("cancel job %s: %w", msg.JobID, err)
			}
		}
		cancelled, err := s.messages.Cancel(ctx, msg.ID, reason, now)
		if err != nil {
			return fmt.Errorf("cancel message %s: %w", msg.ID, err)
		}
		if cancelled {
			s.metrics.FollowUpCancelled(ctx, msg.OrganizationID, reason)
		}
	}
	return nil
}

// loadUsableConfig loads the organization's config and enforces the enable
// preconditions: present, active, at least one step.
func (s *Service) loadUsableConfig(ctx context.Context, orgID string) (*types.FollowUpConfig, error) {
	cfg, err := s.configs.GetByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, types.NewAppError(types.ErrCodeFollowUpConfigMissing, "organization has no follow-up configuration", nil)
	}
	if !cfg.IsActive {
		return nil, types.NewAppError(types.ErrCodeFollowUpConfigInactive, "follow-up configuration is not active", nil)
	}
	if len(cfg.Steps) == 0 {
		return nil, types.NewAppError(types.ErrCodeFollowUpConfigNoSteps, "follow-up configuration has no steps", nil)
	}
	return cfg, nil
}

func weekdaySet(days []time.Weekday) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set
}
