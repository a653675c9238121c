// Package metrics emits operational telemetry to AWS CloudWatch. Emission is
// best-effort: a failed PutMetricData call is logged and swallowed so metric
// outages never affect follow-up delivery or maintenance runs.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"salesflow/internal/core"
	"salesflow/internal/followup"
	"salesflow/internal/scheduler"
	"salesflow/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchEmitter publishes follow-up and maintenance metrics to a single
// CloudWatch namespace.
//
// Metrics emitted:
//   - FollowUpScheduled / FollowUpSent: Dims {OrgID}
//   - FollowUpCancelled: Dims {OrgID, Reason}
//   - WebhookRetryAttempt: Dims {Result}
//   - WebhookDeadLetterDepth: gauge, no dims
//   - JobLockSkip: Dims {JobType}
type CloudWatchEmitter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// Compile-time assertions that CloudWatchEmitter satisfies every consumer
// interface it is wired into.
var (
	_ followup.MetricRecorder  = (*CloudWatchEmitter)(nil)
	_ scheduler.WebhookMetrics = (*CloudWatchEmitter)(nil)
	_ scheduler.LockMetrics    = (*CloudWatchEmitter)(nil)
	_ core.MetricsCollector    = (*CloudWatchEmitter)(nil)
)

// NewCloudWatchEmitter creates an emitter publishing to the shared
// application namespace.
func NewCloudWatchEmitter(client CloudWatchClient, logger *slog.Logger) *CloudWatchEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchEmitter{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// FollowUpScheduled counts a follow-up step being scheduled for an organization.
func (m *CloudWatchEmitter) FollowUpScheduled(ctx context.Context, orgID string) {
	m.putCount(ctx, types.MetricFollowUpScheduled, 1, []cwtypes.Dimension{
		{Name: aws.String(types.DimOrgID), Value: aws.String(orgID)},
	})
}

// FollowUpSent counts a successful follow-up delivery.
func (m *CloudWatchEmitter) FollowUpSent(ctx context.Context, orgID string) {
	m.putCount(ctx, types.MetricFollowUpSent, 1, []cwtypes.Dimension{
		{Name: aws.String(types.DimOrgID), Value: aws.String(orgID)},
	})
}

// FollowUpCancelled counts a cancelled pending follow-up with the cancellation
// reason as a dimension ("manual", "lead_replied").
func (m *CloudWatchEmitter) FollowUpCancelled(ctx context.Context, orgID string, reason string) {
	m.putCount(ctx, types.MetricFollowUpCancelled, 1, []cwtypes.Dimension{
		{Name: aws.String(types.DimOrgID), Value: aws.String(orgID)},
		{Name: aws.String(types.DimReason), Value: aws.String(reason)},
	})
}

// RecordWebhookRetry counts a webhook reprocessing attempt with its result
// ("success", "failure").
func (m *CloudWatchEmitter) RecordWebhookRetry(ctx context.Context, result string) {
	m.putCount(ctx, types.MetricWebhookRetry, 1, []cwtypes.Dimension{
		{Name: aws.String(types.DimResult), Value: aws.String(result)},
	})
}

// RecordDeadLetterDepth emits the current webhook dead-letter backlog as a
// gauge so an alarm can fire on sustained growth.
func (m *CloudWatchEmitter) RecordDeadLetterDepth(ctx context.Context, depth int) {
	m.putCount(ctx, types.MetricWebhookDeadLetter, float64(depth), nil)
}

// RecordJobLockSkip counts a maintenance run skipped because another worker
// held the job lock.
func (m *CloudWatchEmitter) RecordJobLockSkip(ctx context.Context, jobType string) {
	m.putCount(ctx, types.MetricJobLockSkip, 1, []cwtypes.Dimension{
		{Name: aws.String(types.DimJobType), Value: aws.String(jobType)},
	})
}

// RecordRequest emits API request latency with method, endpoint, and status
// dimensions. Called from the HTTP middleware after the response is written,
// so it has no request context to propagate.
func (m *CloudWatchEmitter) RecordRequest(method, endpoint, status string, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricAPILatency),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimMethod), Value: aws.String(method)},
					{Name: aws.String(types.DimEndpoint), Value: aws.String(endpoint)},
					{Name: aws.String(types.DimStatus), Value: aws.String(status)},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(context.Background(), input); err != nil {
		m.logger.Error("failed to put metric data",
			"metric", types.MetricAPILatency,
			"error", err.Error(),
		)
	}
}

func (m *CloudWatchEmitter) putCount(ctx context.Context, name string, value float64, dims []cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to put metric data",
			"metric", name,
			"error", err.Error(),
		)
	}
}
