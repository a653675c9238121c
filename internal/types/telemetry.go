package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricFollowUpScheduled = "FollowUpScheduled"
	MetricFollowUpSent      = "FollowUpSent"
	MetricFollowUpCancelled = "FollowUpCancelled"
	MetricWebhookRetry      = "WebhookRetryAttempt"
	MetricWebhookDeadLetter = "WebhookDeadLetterDepth"
	MetricJobLockSkip       = "JobLockSkip"
	MetricAPILatency        = "APILatency"

	// Dimension Keys
	DimOrgID    = "OrgID"
	DimJobType  = "JobType"
	DimResult   = "Result"
	DimReason   = "Reason"
	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"

	// Metric Namespace
	MetricNamespace = "SalesFlow"
)
