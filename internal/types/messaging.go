package types

// FollowUpJobMessage is the SQS transport envelope for a due follow-up job.
// The dispatcher serializes it when handing a delayed job to the delivery
// workers; the payload persisted on the delayed_jobs row has the same shape
// so a job survives process crashes between enqueue and dispatch.
type FollowUpJobMessage struct {
	JobID              string `json:"job_id"`
	ScheduledMessageID string `json:"scheduled_message_id"`
	TicketID           string `json:"ticket_id"`
	OrganizationID     string `json:"organization_id"`
	Step               int    `json:"step"`

	// TraceID correlates dispatcher and worker log lines for one attempt.
	TraceID string `json:"trace_id,omitempty"`
}
