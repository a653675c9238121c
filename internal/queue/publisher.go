// Package queue implements the delayed job queue: durable pg-backed job rows
// with an SQS hand-off for due jobs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"salesflow/internal/config"
	"salesflow/internal/types"
)

// maxSQSDelay is the SQS DelaySeconds ceiling. Jobs further out than this
// stay in the delayed_jobs table until the dispatcher picks them up inside
// the dispatch horizon.
const maxSQSDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends FollowUpJobMessages to the follow-up delivery queue.
type Publisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewPublisher creates a Publisher targeting the follow-up queue from the
// AWS configuration.
func NewPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:   client,
		queueURL: awsCfg.FollowUpQueue,
		logger:   logger,
	}
}

// Publish serializes the job message and sends it with the given residual
// delay. The delay is clamped to the SQS ceiling; negative delays (job is
// overdue) send immediately.
func (p *Publisher) Publish(ctx context.Context, msg types.FollowUpJobMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal FollowUpJobMessage: %w", err)
	}

	if delay < 0 {
		delay = 0
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"job_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String("follow_up"),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send follow-up job to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "follow-up job published",
		"queue_url", p.queueURL,
		"job_id", msg.JobID,
		"scheduled_message_id", msg.ScheduledMessageID,
		"ticket_id", msg.TicketID,
		"step", msg.Step,
		"delay_seconds", int32(delay/time.Second),
		"trace_id", msg.TraceID,
	)

	return nil
}
