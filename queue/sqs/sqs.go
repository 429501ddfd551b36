// Package sqs adapts the pipeline's transport contracts to AWS SQS:
// visibility extension through ChangeMessageVisibility, dead-letter
// publication through SendMessage, and Lambda SQS event parsing.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/internal/metrics"
	"go.flowbatch.tech/queue"
)

// SQSAPI is the slice of the SQS client the adapters use.
type SQSAPI interface {
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// ReceiptHandleAttribute is the message attribute carrying the SQS
// receipt handle through the pipeline.
const ReceiptHandleAttribute = "receiptHandle"

// SQS visibility timeout bounds in seconds.
const (
	minVisibilitySeconds = 1
	maxVisibilitySeconds = 43200 // 12 hours
)

const transport = "sqs"

// ErrNoReceiptHandle reports a message that did not come from SQS or
// lost its receipt handle in transit.
var ErrNoReceiptHandle = errors.New("sqs: message has no receipt handle")

// NewClient builds an SQS client from the ambient AWS configuration.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// NewClientWithEndpoint builds an SQS client against a custom endpoint
// with static credentials, for LocalStack and tests.
func NewClientWithEndpoint(ctx context.Context, region, endpoint, accessKeyID, secretAccessKey string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, secretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// ResolveQueueURL looks up the URL for a queue name.
func ResolveQueueURL(ctx context.Context, client SQSAPI, name string) (string, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("resolve queue url %s: %w", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// Extender implements visibility.Extender over ChangeMessageVisibility.
// Messages must carry their receipt handle in the ReceiptHandleAttribute
// attribute, which ParseEvent sets.
type Extender struct {
	client   SQSAPI
	queueURL string
}

// NewExtender extends visibility for messages of the given queue.
func NewExtender(client SQSAPI, queueURL string) *Extender {
	return &Extender{client: client, queueURL: queueURL}
}

// Extend makes msg invisible for another extendBy from now.
func (e *Extender) Extend(ctx context.Context, msg *batch.Message, extendBy time.Duration) error {
	handle := msg.Attribute(ReceiptHandleAttribute)
	if handle == "" {
		return ErrNoReceiptHandle
	}
	seconds := int32(extendBy / time.Second)
	if seconds < minVisibilitySeconds {
		seconds = minVisibilitySeconds
	}
	if seconds > maxVisibilitySeconds {
		seconds = maxVisibilitySeconds
	}
	_, err := e.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(e.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("change message visibility %s: %w", msg.ID, err)
	}
	return nil
}

// DeadLetter implements queue.DeadLetterSink over SendMessage. Failure
// metadata travels as string message attributes; FIFO queues get the
// original group and a dedup id derived from the message.
type DeadLetter struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewDeadLetter dead-letters messages to the given queue.
func NewDeadLetter(client SQSAPI, queueURL string) *DeadLetter {
	return &DeadLetter{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Publish implements queue.DeadLetterSink.
func (d *DeadLetter) Publish(ctx context.Context, msg *batch.Message, failure queue.Failure) error {
	attrs := queue.FailureAttributes(msg, failure)
	msgAttrs := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		msgAttrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(d.queueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: msgAttrs,
	}
	if d.fifo {
		group := msg.GroupID
		if group == "" {
			group = msg.ID
		}
		dedup := msg.DedupID
		if dedup == "" {
			dedup = msg.ID
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(dedup)
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(transport).Inc()
		return fmt.Errorf("send dead letter %s: %w", msg.ID, err)
	}
	metrics.QueueDeadLetterPublished.WithLabelValues(transport).Inc()
	return nil
}
