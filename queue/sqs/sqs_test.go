package sqs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/queue"
)

type fakeAPI struct {
	visibilityInputs []*awssqs.ChangeMessageVisibilityInput
	visibilityErr    error

	sendInputs []*awssqs.SendMessageInput
	sendErr    error

	queueURLs map[string]string
}

func (f *fakeAPI) ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
	f.visibilityInputs = append(f.visibilityInputs, params)
	if f.visibilityErr != nil {
		return nil, f.visibilityErr
	}
	return &awssqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	f.sendInputs = append(f.sendInputs, params)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &awssqs.SendMessageOutput{MessageId: aws.String("dlq-1")}, nil
}

func (f *fakeAPI) GetQueueUrl(ctx context.Context, params *awssqs.GetQueueUrlInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueUrlOutput, error) {
	url, ok := f.queueURLs[aws.ToString(params.QueueName)]
	if !ok {
		return nil, errors.New("queue does not exist")
	}
	return &awssqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

func sqsMessage(id, handle string) *batch.Message {
	msg := &batch.Message{ID: id, Body: []byte(`{"type":"order.created"}`)}
	if handle != "" {
		msg.Attributes = map[string]string{ReceiptHandleAttribute: handle}
	}
	return msg
}

func TestExtenderChangesVisibility(t *testing.T) {
	api := &fakeAPI{}
	ext := NewExtender(api, "https://sqs.test/queue")

	err := ext.Extend(context.Background(), sqsMessage("m-1", "rh-1"), 90*time.Second)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	if len(api.visibilityInputs) != 1 {
		t.Fatalf("got %d visibility calls, want 1", len(api.visibilityInputs))
	}
	in := api.visibilityInputs[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.test/queue" {
		t.Errorf("QueueUrl = %s", aws.ToString(in.QueueUrl))
	}
	if aws.ToString(in.ReceiptHandle) != "rh-1" {
		t.Errorf("ReceiptHandle = %s, want rh-1", aws.ToString(in.ReceiptHandle))
	}
	if in.VisibilityTimeout != 90 {
		t.Errorf("VisibilityTimeout = %d, want 90", in.VisibilityTimeout)
	}
}

func TestExtenderClampsToBounds(t *testing.T) {
	api := &fakeAPI{}
	ext := NewExtender(api, "https://sqs.test/queue")

	if err := ext.Extend(context.Background(), sqsMessage("m-1", "rh-1"), 0); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if err := ext.Extend(context.Background(), sqsMessage("m-2", "rh-2"), 24*time.Hour); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	if got := api.visibilityInputs[0].VisibilityTimeout; got != 1 {
		t.Errorf("zero extension clamped to %d, want 1", got)
	}
	if got := api.visibilityInputs[1].VisibilityTimeout; got != 43200 {
		t.Errorf("oversized extension clamped to %d, want 43200", got)
	}
}

func TestExtenderWithoutReceiptHandle(t *testing.T) {
	api := &fakeAPI{}
	ext := NewExtender(api, "https://sqs.test/queue")

	err := ext.Extend(context.Background(), sqsMessage("m-1", ""), time.Minute)
	if !errors.Is(err, ErrNoReceiptHandle) {
		t.Fatalf("Extend = %v, want ErrNoReceiptHandle", err)
	}
	if len(api.visibilityInputs) != 0 {
		t.Errorf("API was called for a message without receipt handle")
	}
}

func TestDeadLetterPublishesFailureMetadata(t *testing.T) {
	api := &fakeAPI{}
	sink := NewDeadLetter(api, "https://sqs.test/dlq")

	msg := sqsMessage("m-1", "rh-1")
	failure := queue.Failure{
		Outcome:  batch.OutcomeRetryExhausted,
		Err:      errors.New("connection refused"),
		Attempts: 4,
	}
	if err := sink.Publish(context.Background(), msg, failure); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(api.sendInputs) != 1 {
		t.Fatalf("got %d sends, want 1", len(api.sendInputs))
	}
	in := api.sendInputs[0]
	if aws.ToString(in.MessageBody) != `{"type":"order.created"}` {
		t.Errorf("MessageBody = %s", aws.ToString(in.MessageBody))
	}
	if in.MessageGroupId != nil {
		t.Errorf("standard queue send carried MessageGroupId %q", aws.ToString(in.MessageGroupId))
	}

	wantAttrs := map[string]string{
		"failureOutcome":  "RETRY_EXHAUSTED",
		"failureAttempts": "4",
		"failureReason":   "connection refused",
		"sourceMessageId": "m-1",
	}
	for k, want := range wantAttrs {
		attr, ok := in.MessageAttributes[k]
		if !ok {
			t.Errorf("missing message attribute %s", k)
			continue
		}
		if got := aws.ToString(attr.StringValue); got != want {
			t.Errorf("attribute %s = %s, want %s", k, got, want)
		}
		if got := aws.ToString(attr.DataType); got != "String" {
			t.Errorf("attribute %s DataType = %s, want String", k, got)
		}
	}
}

func TestDeadLetterFIFOAttributes(t *testing.T) {
	api := &fakeAPI{}
	sink := NewDeadLetter(api, "https://sqs.test/dlq.fifo")

	msg := sqsMessage("m-1", "")
	msg.GroupID = "orders"
	failure := queue.Failure{Outcome: batch.OutcomePermanent, Attempts: 1}
	if err := sink.Publish(context.Background(), msg, failure); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	in := api.sendInputs[0]
	if got := aws.ToString(in.MessageGroupId); got != "orders" {
		t.Errorf("MessageGroupId = %s, want orders", got)
	}
	// No explicit dedup id on the message, so the message id stands in.
	if got := aws.ToString(in.MessageDeduplicationId); got != "m-1" {
		t.Errorf("MessageDeduplicationId = %s, want m-1", got)
	}
}

func TestDeadLetterSendFailure(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("access denied")}
	sink := NewDeadLetter(api, "https://sqs.test/dlq")

	err := sink.Publish(context.Background(), sqsMessage("m-1", ""), queue.Failure{
		Outcome: batch.OutcomePermanent,
	})
	if err == nil {
		t.Fatal("Publish succeeded despite send failure")
	}
	if !strings.Contains(err.Error(), "access denied") {
		t.Errorf("error %q does not carry the cause", err)
	}
}

func TestResolveQueueURL(t *testing.T) {
	api := &fakeAPI{queueURLs: map[string]string{
		"orders-dlq": "https://sqs.test/orders-dlq",
	}}

	url, err := ResolveQueueURL(context.Background(), api, "orders-dlq")
	if err != nil {
		t.Fatalf("ResolveQueueURL failed: %v", err)
	}
	if url != "https://sqs.test/orders-dlq" {
		t.Errorf("url = %s", url)
	}

	if _, err := ResolveQueueURL(context.Background(), api, "missing"); err == nil {
		t.Error("ResolveQueueURL succeeded for unknown queue")
	}
}
