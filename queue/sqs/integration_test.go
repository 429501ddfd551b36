//go:build integration

// Integration tests against LocalStack. Run with:
//
//	go test -tags integration ./queue/sqs/
package sqs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/queue"
)

func startLocalStack(ctx context.Context, t *testing.T) *sqs.Client {
	t.Helper()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{
			"SERVICES": "sqs",
		}),
	)
	if err != nil {
		t.Fatalf("Failed to start localstack: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get endpoint: %v", err)
	}

	client, err := NewClientWithEndpoint(ctx, "us-east-1", "http://"+endpoint, "test", "test")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func createQueue(ctx context.Context, t *testing.T, client *sqs.Client, name string, fifo bool) string {
	t.Helper()

	input := &sqs.CreateQueueInput{QueueName: aws.String(name)}
	if fifo {
		input.QueueName = aws.String(name + ".fifo")
		input.Attributes = map[string]string{
			"FifoQueue":                 "true",
			"ContentBasedDeduplication": "false",
		}
	}
	out, err := client.CreateQueue(ctx, input)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	return aws.ToString(out.QueueUrl)
}

func TestIntegrationDeadLetterRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client := startLocalStack(ctx, t)
	queueURL := createQueue(ctx, t, client, "dlq-test", false)

	sink := NewDeadLetter(client, queueURL)
	msg := &batch.Message{ID: "m-1", Body: []byte(`{"type":"order.created"}`)}
	failure := queue.Failure{
		Outcome:  batch.OutcomeRetryExhausted,
		Attempts: 4,
	}
	if err := sink.Publish(ctx, msg, failure); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       5,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(out.Messages))
	}

	received := out.Messages[0]
	if got := aws.ToString(received.Body); got != `{"type":"order.created"}` {
		t.Errorf("Body = %s", got)
	}
	outcome, ok := received.MessageAttributes["failureOutcome"]
	if !ok {
		t.Fatal("failureOutcome attribute missing")
	}
	if got := aws.ToString(outcome.StringValue); got != "RETRY_EXHAUSTED" {
		t.Errorf("failureOutcome = %s", got)
	}
}

func TestIntegrationFIFODeadLetterOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client := startLocalStack(ctx, t)
	queueURL := createQueue(ctx, t, client, "dlq-fifo-test", true)

	sink := NewDeadLetter(client, queueURL)
	for _, id := range []string{"m-1", "m-2"} {
		msg := &batch.Message{ID: id, GroupID: "orders", Body: []byte(`{"id":"` + id + `"}`)}
		if err := sink.Publish(ctx, msg, queue.Failure{Outcome: batch.OutcomePermanent, Attempts: 1}); err != nil {
			t.Fatalf("Publish %s failed: %v", id, err)
		}
	}

	out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     5,
		AttributeNames:      []types.QueueAttributeName{"All"},
	})
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(out.Messages))
	}
	if got := aws.ToString(out.Messages[0].Body); got != `{"id":"m-1"}` {
		t.Errorf("first message = %s, want m-1 payload", got)
	}
}

func TestIntegrationExtendVisibility(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client := startLocalStack(ctx, t)
	queueURL := createQueue(ctx, t, client, "vis-test", false)

	_, err := client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(`{"type":"slow.job"}`),
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     5,
	})
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(out.Messages))
	}

	msg := &batch.Message{
		ID: aws.ToString(out.Messages[0].MessageId),
		Attributes: map[string]string{
			ReceiptHandleAttribute: aws.ToString(out.Messages[0].ReceiptHandle),
		},
	}
	ext := NewExtender(client, queueURL)
	if err := ext.Extend(ctx, msg, 60*time.Second); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	// The message stays invisible, so an immediate receive gets nothing.
	out2, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     1,
	})
	if err != nil {
		t.Fatalf("second ReceiveMessage failed: %v", err)
	}
	if len(out2.Messages) != 0 {
		t.Errorf("message became visible despite extension")
	}
}
