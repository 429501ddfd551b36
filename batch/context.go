package batch

import (
	"context"
	"time"
)

// Meta is the message-scoped state bag shared by middleware hooks and the
// handler within a single processing attempt. Before-hooks may stash values
// that the paired after/error hooks read back.
//
// A Meta is confined to the goroutine executing the attempt and is not safe
// for concurrent use.
type Meta struct {
	// Start is when the current attempt began.
	Start time.Time

	// Attempt is the 1-based attempt number for this message.
	Attempt int

	// Route is the matched route value, "" before routing resolves.
	Route string

	// IdempotencyKey is filled by the idempotency guard once derived.
	IdempotencyKey string

	values map[string]any
}

// NewMeta returns an empty Meta.
func NewMeta() *Meta {
	return &Meta{values: make(map[string]any)}
}

// Set stores an arbitrary middleware-defined value.
func (m *Meta) Set(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	m.values[key] = value
}

// Get returns a previously stored value.
func (m *Meta) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

type ctxKey int

const (
	ctxKeyMeta ctxKey = iota
	ctxKeyRootBody
)

// ContextWithMeta attaches the attempt's Meta to the context.
func ContextWithMeta(ctx context.Context, m *Meta) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, m)
}

// MetaFromContext returns the attempt's Meta, if present.
func MetaFromContext(ctx context.Context) (*Meta, bool) {
	m, ok := ctx.Value(ctxKeyMeta).(*Meta)
	return m, ok
}

// ContextWithRootBody records the original payload when a nested router
// re-roots the message body at a sub-path.
func ContextWithRootBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, ctxKeyRootBody, body)
}

// RootBodyFromContext returns the original payload for handlers mounted
// behind a re-rooting subrouter. The second return is false when the body
// was never re-rooted.
func RootBodyFromContext(ctx context.Context) ([]byte, bool) {
	b, ok := ctx.Value(ctxKeyRootBody).([]byte)
	return b, ok
}
