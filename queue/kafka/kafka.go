// Package kafka adapts the pipeline's transport contracts to Kafka via
// segmentio/kafka-go: message parsing and dead-letter publication to a
// topic. The message key carries the ordering group, so dead-lettered
// messages land on the same partition as their group.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/internal/metrics"
	"go.flowbatch.tech/queue"
)

// MessageIDHeader carries the pipeline message id in Kafka headers.
const MessageIDHeader = "messageId"

// Attribute names for Kafka delivery coordinates.
const (
	TopicAttribute     = "topic"
	PartitionAttribute = "partition"
	OffsetAttribute    = "offset"
)

const transport = "kafka"

// NewWriter builds a writer for the topic with full acks and
// synchronous delivery, the tuning dead-letter publication needs.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *kafka.Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}
}

// ParseMessage converts a consumed Kafka message into a pipeline
// message. The key becomes the ordering group; without a messageId
// header the topic coordinates identify the delivery.
func ParseMessage(m kafka.Message) *batch.Message {
	msg := &batch.Message{
		Body:    m.Value,
		GroupID: string(m.Key),
		Attributes: map[string]string{
			TopicAttribute:     m.Topic,
			PartitionAttribute: strconv.Itoa(m.Partition),
			OffsetAttribute:    strconv.FormatInt(m.Offset, 10),
		},
		EnqueuedAt: m.Time,
		ReceivedAt: time.Now(),
	}
	for _, h := range m.Headers {
		msg.Attributes[h.Key] = string(h.Value)
		if h.Key == MessageIDHeader {
			msg.ID = string(h.Value)
		}
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s:%d:%d", m.Topic, m.Partition, m.Offset)
	}
	return msg
}

// writer is the slice of kafka.Writer the sink uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// DeadLetter publishes finally failed messages to the writer's topic
// with the failure metadata in headers.
type DeadLetter struct {
	w writer
}

// NewDeadLetter creates a sink over w, usually a *kafka.Writer from
// NewWriter.
func NewDeadLetter(w *kafka.Writer) *DeadLetter {
	return &DeadLetter{w: w}
}

// Publish implements queue.DeadLetterSink.
func (d *DeadLetter) Publish(ctx context.Context, msg *batch.Message, failure queue.Failure) error {
	key := msg.GroupID
	if key == "" {
		key = msg.ID
	}
	out := kafka.Message{
		Key:   []byte(key),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: MessageIDHeader, Value: []byte(msg.ID)},
		},
	}
	for k, v := range queue.FailureAttributes(msg, failure) {
		out.Headers = append(out.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := d.w.WriteMessages(ctx, out); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(transport).Inc()
		return fmt.Errorf("write dead letter %s: %w", msg.ID, err)
	}
	metrics.QueueDeadLetterPublished.WithLabelValues(transport).Inc()
	return nil
}
