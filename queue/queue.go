// Package queue defines the transport-facing contracts of the pipeline.
// Concrete adapters live in the subpackages: sqs, nats and kafka.
package queue

import (
	"context"
	"strconv"
	"time"

	"go.flowbatch.tech/batch"
)

// Failure describes why a message left the pipeline without succeeding.
type Failure struct {
	// Outcome is the final classification, retry exhaustion or a
	// permanent failure.
	Outcome batch.Outcome

	// Err is the last handler error.
	Err error

	// Attempts is how many handler attempts were made.
	Attempts int
}

// DeadLetterSink publishes messages whose failure is final so they can be
// inspected and replayed out of band.
type DeadLetterSink interface {
	Publish(ctx context.Context, msg *batch.Message, failure Failure) error
}

// Publisher sends a payload to a named destination with string metadata.
// Transports without a dedicated dead-letter shape plug in here through
// PublisherSink.
type Publisher interface {
	Publish(ctx context.Context, destination, key string, payload []byte, attrs map[string]string) error
}

// FailureAttributes renders failure metadata in the attribute form the
// transports attach to dead-lettered messages.
func FailureAttributes(msg *batch.Message, f Failure) map[string]string {
	attrs := map[string]string{
		"failureOutcome":  string(f.Outcome),
		"failureAttempts": strconv.Itoa(f.Attempts),
		"sourceMessageId": msg.ID,
		"failedAt":        time.Now().UTC().Format(time.RFC3339),
	}
	if f.Err != nil {
		attrs["failureReason"] = f.Err.Error()
	}
	if msg.GroupID != "" {
		attrs["messageGroupId"] = msg.GroupID
	}
	return attrs
}

// PublisherSink adapts a Publisher into a DeadLetterSink.
type PublisherSink struct {
	pub  Publisher
	dest string
}

// NewPublisherSink dead-letters messages to destination through pub.
func NewPublisherSink(pub Publisher, destination string) *PublisherSink {
	return &PublisherSink{pub: pub, dest: destination}
}

// Publish implements DeadLetterSink.
func (s *PublisherSink) Publish(ctx context.Context, msg *batch.Message, failure Failure) error {
	return s.pub.Publish(ctx, s.dest, msg.ID, msg.Body, FailureAttributes(msg, failure))
}
