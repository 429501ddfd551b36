package kafka

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/queue"
)

type fakeWriter struct {
	written []kafka.Message
	err     error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestParseMessage(t *testing.T) {
	enqueued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := ParseMessage(kafka.Message{
		Topic:     "events.orders",
		Partition: 2,
		Offset:    1041,
		Key:       []byte("orders"),
		Value:     []byte(`{"type":"order.created"}`),
		Time:      enqueued,
		Headers: []kafka.Header{
			{Key: MessageIDHeader, Value: []byte("m-1")},
			{Key: "tenant", Value: []byte("acme")},
		},
	})

	if msg.ID != "m-1" {
		t.Errorf("ID = %s, want m-1", msg.ID)
	}
	if msg.GroupID != "orders" {
		t.Errorf("GroupID = %s", msg.GroupID)
	}
	if string(msg.Body) != `{"type":"order.created"}` {
		t.Errorf("Body = %s", msg.Body)
	}
	if !msg.EnqueuedAt.Equal(enqueued) {
		t.Errorf("EnqueuedAt = %v", msg.EnqueuedAt)
	}
	if msg.Attributes[TopicAttribute] != "events.orders" {
		t.Errorf("topic = %s", msg.Attributes[TopicAttribute])
	}
	if msg.Attributes[PartitionAttribute] != "2" {
		t.Errorf("partition = %s", msg.Attributes[PartitionAttribute])
	}
	if msg.Attributes[OffsetAttribute] != "1041" {
		t.Errorf("offset = %s", msg.Attributes[OffsetAttribute])
	}
	if msg.Attributes["tenant"] != "acme" {
		t.Errorf("tenant = %s", msg.Attributes["tenant"])
	}
}

func TestParseMessageCoordinatesIdentifyDelivery(t *testing.T) {
	msg := ParseMessage(kafka.Message{
		Topic:     "events.orders",
		Partition: 0,
		Offset:    7,
		Value:     []byte(`{}`),
	})
	if msg.ID != "events.orders:0:7" {
		t.Errorf("ID = %s, want events.orders:0:7", msg.ID)
	}
	if msg.GroupID != "" {
		t.Errorf("GroupID = %s, want empty", msg.GroupID)
	}
}

func TestDeadLetterPublishesFailureHeaders(t *testing.T) {
	w := &fakeWriter{}
	sink := &DeadLetter{w: w}

	msg := &batch.Message{
		ID:      "m-1",
		GroupID: "orders",
		Body:    []byte(`{"type":"order.created"}`),
	}
	failure := queue.Failure{
		Outcome:  batch.OutcomeRetryExhausted,
		Err:      errors.New("connection refused"),
		Attempts: 4,
	}
	if err := sink.Publish(context.Background(), msg, failure); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(w.written) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.written))
	}
	out := w.written[0]
	if string(out.Key) != "orders" {
		t.Errorf("Key = %s, group must drive partitioning", out.Key)
	}
	if string(out.Value) != `{"type":"order.created"}` {
		t.Errorf("Value = %s", out.Value)
	}
	if got := header(out, MessageIDHeader); got != "m-1" {
		t.Errorf("messageId header = %s", got)
	}
	if got := header(out, "failureOutcome"); got != "RETRY_EXHAUSTED" {
		t.Errorf("failureOutcome header = %s", got)
	}
	if got := header(out, "failureAttempts"); got != "4" {
		t.Errorf("failureAttempts header = %s", got)
	}
	if got := header(out, "failureReason"); got != "connection refused" {
		t.Errorf("failureReason header = %s", got)
	}
}

func TestDeadLetterKeyFallsBackToMessageID(t *testing.T) {
	w := &fakeWriter{}
	sink := &DeadLetter{w: w}

	msg := &batch.Message{ID: "m-1", Body: []byte(`{}`)}
	if err := sink.Publish(context.Background(), msg, queue.Failure{Outcome: batch.OutcomePermanent, Attempts: 1}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := string(w.written[0].Key); got != "m-1" {
		t.Errorf("Key = %s, want m-1", got)
	}
}

func TestDeadLetterWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("not leader for partition")}
	sink := &DeadLetter{w: w}

	err := sink.Publish(context.Background(), &batch.Message{ID: "m-1"}, queue.Failure{Outcome: batch.OutcomePermanent})
	if err == nil {
		t.Fatal("expected write error")
	}
	if !strings.Contains(err.Error(), "not leader") {
		t.Errorf("err = %v", err)
	}
}
