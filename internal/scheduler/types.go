// Package scheduler implements the maintenance services behind the
// EventBridge multiplexer: the webhook retry loop, the due-job dispatcher
// that hands delayed jobs to SQS, and the history purge. All services accept
// a `now` parameter for deterministic testing and manual backfill via
// MaintenancePayload.ReferenceTime.
package scheduler

import "time"

// TaskType identifies which maintenance service should handle an EventBridge
// event.
type TaskType string

const (
	TaskWebhookRetry    TaskType = "webhook_retry"
	TaskDispatchDueJobs TaskType = "dispatch_due_jobs"
	TaskPurgeJobHistory TaskType = "purge_job_history"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the
// maintenance Lambda. It identifies the task to execute and optionally
// overrides the reference time for manual invocation or backfilling.
//
//	{
//	  "task": "webhook_retry",
//	  "reference_time": "2026-08-29T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now"
	// for deterministic execution. If nil, time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// RunOutcome reports what AcquireAndRun did for one maintenance invocation.
type RunOutcome struct {
	// Ran is true when this worker held the lock and executed the task.
	Ran bool `json:"ran"`
	// Skipped is true when another worker held the lock. Not an error.
	Skipped bool `json:"skipped"`
	// Items is the number of items the task processed.
	Items int `json:"items"`
}
