// Package types defines the shared domain model for the SalesFlow follow-up
// core: follow-up configuration, tickets, scheduled messages, webhook events,
// and the error/context plumbing used across packages.
package types

import (
	"encoding/json"
	"time"
)

// FollowUpStep is one entry in an organization's ordered nudge sequence.
// Order starts at 1 and is strictly increasing within a config; DelayMinutes
// is measured from the triggering event (enable, previous step sent, reply).
type FollowUpStep struct {
	Order        int `json:"order"`
	DelayMinutes int `json:"delay_minutes"`
}

// FollowUpConfig is the per-organization follow-up policy. It is created and
// edited by the CRM admin surface; this core only reads it.
type FollowUpConfig struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	IsActive       bool   `json:"is_active"`

	// Business-hours window. Hours are local 0-23; BusinessDays holds the
	// eligible weekdays. Ignored when BusinessHoursOnly is false.
	BusinessHoursOnly bool           `json:"business_hours_only"`
	BusinessStartHour int            `json:"business_start_hour"`
	BusinessEndHour   int            `json:"business_end_hour"`
	BusinessDays      []time.Weekday `json:"business_days"`

	// Steps are ordered ascending by Order. Product caps the count; the core
	// only relies on uniqueness and ordering.
	Steps []FollowUpStep `json:"steps"`
}

// StepByOrder returns the step with the given order, or nil if the sequence
// has no such step.
func (c *FollowUpConfig) StepByOrder(order int) *FollowUpStep {
	for i := range c.Steps {
		if c.Steps[i].Order == order {
			return &c.Steps[i]
		}
	}
	return nil
}

// Ticket carries the follow-up state owned by the scheduler. The conversation
// layer toggles follow-up via the scheduler's entry points and never writes
// these fields directly.
type Ticket struct {
	ID              string `json:"id"`
	OrganizationID  string `json:"organization_id"`
	FollowUpEnabled bool   `json:"follow_up_enabled"`

	// CurrentFollowUpStep points at the step currently scheduled or just
	// fired. Nil when follow-up is disabled.
	CurrentFollowUpStep *int `json:"current_follow_up_step,omitempty"`
}

// Cancellation reasons recorded on ScheduledMessage rows.
const (
	CancelReasonManual      = "manual"
	CancelReasonLeadReplied = "lead_replied"
)

// ScheduledMessage is the durable record of one in-flight or historical
// attempt to fire a follow-up step. Exactly one of SentAt / CancelledAt
// terminates it; a ticket has at most one non-terminal row at a time.
type ScheduledMessage struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	OrganizationID string     `json:"organization_id"`
	Step           int        `json:"step"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CancelReason   *string    `json:"cancel_reason,omitempty"`

	// JobID references the delayed job backing this attempt. Empty until the
	// job has been enqueued.
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Pending reports whether the message is still awaiting delivery.
func (m *ScheduledMessage) Pending() bool {
	return m.SentAt == nil && m.CancelledAt == nil
}

// FollowUpStatus is the read-model returned to the API layer.
type FollowUpStatus struct {
	Enabled         bool       `json:"enabled"`
	CurrentStep     int        `json:"current_step,omitempty"`
	TotalSteps      int        `json:"total_steps"`
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`
}

// WebhookEvent is the inbound-event record consumed by the retry processor.
// The ingestion layer owns creation and signature validation; this core only
// replays unresolved events and updates their terminal state.
type WebhookEvent struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Payload        json.RawMessage `json:"payload"`
	Processed      bool            `json:"processed"`
	RetryCount     int             `json:"retry_count"`
	SignatureValid bool            `json:"signature_valid"`
	LastError      *string         `json:"last_error,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}
