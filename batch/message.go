// Package batch defines the core message, handler and report types shared
// across the processing pipeline.
package batch

import (
	"context"
	"time"
)

// Message is a single queue record admitted to the pipeline.
// Messages are treated as immutable once submitted; components that need a
// different payload view (nested routing) work on a shallow copy.
type Message struct {
	// ID uniquely identifies the message within its batch.
	ID string

	// Body is the raw payload, usually JSON.
	Body []byte

	// GroupID is the optional ordering key. Messages sharing a non-empty
	// GroupID are processed sequentially in submission order.
	GroupID string

	// DedupID is an optional explicit deduplication token supplied by the
	// transport (FIFO queues).
	DedupID string

	// Attributes carries transport metadata (receive counts, timestamps,
	// custom attributes) as delivered.
	Attributes map[string]string

	// ReceiveCount is the 1-based delivery attempt number. Zero means the
	// transport did not report it.
	ReceiveCount int

	// EnqueuedAt is the approximate time the message entered the queue.
	// Zero means unknown.
	EnqueuedAt time.Time

	// ReceivedAt is when this process received the message.
	ReceivedAt time.Time
}

// Attribute returns the named transport attribute, or "" when absent.
func (m *Message) Attribute(key string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// Result is an opaque handler result. It is carried to after-hooks and may be
// cached by the idempotency guard.
type Result any

// Handler processes a single message.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (Result, error) {
	return f(ctx, msg)
}
