// Package nats adapts the pipeline's transport contracts to NATS
// JetStream: message parsing, ack-deadline extension through InProgress
// and dead-letter publication to a stream subject.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/internal/metrics"
	"go.flowbatch.tech/queue"
)

// JetStream header names. Nats-Msg-Id drives JetStream's deduplication
// window; the group header carries ordering keys the way FIFO queues do.
const (
	HeaderMsgID = "Nats-Msg-Id"
	HeaderGroup = "Nats-Msg-Group"
)

// SubjectAttribute is the message attribute carrying the source subject.
const SubjectAttribute = "subject"

const transport = "nats"

// Connect dials NATS with reconnect handling and returns the connection
// plus its JetStream context.
func Connect(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return conn, js, nil
}

// ParseMsg converts a JetStream delivery into a pipeline message. The
// dedup id header doubles as the stable message id; without one the
// stream sequence identifies the delivery.
func ParseMsg(m jetstream.Msg) *batch.Message {
	headers := m.Headers()

	msg := &batch.Message{
		ID:         headers.Get(HeaderMsgID),
		Body:       m.Data(),
		GroupID:    headers.Get(HeaderGroup),
		DedupID:    headers.Get(HeaderMsgID),
		Attributes: map[string]string{SubjectAttribute: m.Subject()},
		ReceivedAt: time.Now(),
	}
	for k, v := range headers {
		if len(v) > 0 {
			msg.Attributes[k] = v[0]
		}
	}

	if meta, err := m.Metadata(); err == nil {
		if msg.ID == "" {
			msg.ID = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
		}
		msg.ReceiveCount = int(meta.NumDelivered)
		msg.EnqueuedAt = meta.Timestamp
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg
}

// publisher is the slice of jetstream.JetStream the sink uses.
type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// DeadLetter publishes finally failed messages to a JetStream subject
// with the failure metadata in headers.
type DeadLetter struct {
	js      publisher
	subject string
}

// NewDeadLetter creates a sink publishing to subject.
func NewDeadLetter(js jetstream.JetStream, subject string) *DeadLetter {
	return &DeadLetter{js: js, subject: subject}
}

// Publish implements queue.DeadLetterSink.
func (d *DeadLetter) Publish(ctx context.Context, msg *batch.Message, failure queue.Failure) error {
	out := &nats.Msg{
		Subject: d.subject,
		Data:    msg.Body,
		Header:  make(nats.Header),
	}
	// A fresh id scopes the dedup window to the dead-letter stream, so a
	// message dead-lettered twice across redeliveries is kept once.
	dedup := msg.DedupID
	if dedup == "" {
		dedup = msg.ID
	}
	out.Header.Set(HeaderMsgID, "dlq-"+dedup)
	if msg.GroupID != "" {
		out.Header.Set(HeaderGroup, msg.GroupID)
	}
	for k, v := range queue.FailureAttributes(msg, failure) {
		out.Header.Set("X-Meta-"+k, v)
	}

	if _, err := d.js.PublishMsg(ctx, out); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(transport).Inc()
		return fmt.Errorf("publish dead letter %s: %w", msg.ID, err)
	}
	metrics.QueueDeadLetterPublished.WithLabelValues(transport).Inc()
	return nil
}

// Extender adapts JetStream's in-progress acks to the visibility
// monitor. JetStream resets the full AckWait on each InProgress call, so
// the extendBy argument is advisory; configure the monitor's ExtendBy to
// the consumer's AckWait.
type Extender struct {
	mu   sync.Mutex
	live map[string]jetstream.Msg
}

// NewExtender creates an empty extender. Consumers register each
// delivery before handing it to the pipeline.
func NewExtender() *Extender {
	return &Extender{live: make(map[string]jetstream.Msg)}
}

// Register associates the live JetStream delivery with the pipeline
// message id and returns an unregister func for when processing ends.
func (e *Extender) Register(id string, m jetstream.Msg) (unregister func()) {
	e.mu.Lock()
	e.live[id] = m
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.live, id)
		e.mu.Unlock()
	}
}

// Extend resets the message's ack deadline.
func (e *Extender) Extend(ctx context.Context, msg *batch.Message, extendBy time.Duration) error {
	e.mu.Lock()
	m, ok := e.live[msg.ID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live delivery for message %s", msg.ID)
	}
	if err := m.InProgress(); err != nil {
		return fmt.Errorf("extend ack deadline %s: %w", msg.ID, err)
	}
	return nil
}
