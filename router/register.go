package router

import (
	"context"
	"encoding/json"
	"fmt"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/internal/metrics"
)

// validatable is the interface checked on decoded payloads.
type validatable interface {
	Validate() error
}

// Register adds an exact-match route whose payload is decoded into T before
// the handler runs. When T (or *T) implements Validate() error, the decoded
// payload is validated after decoding. Decode or validation failure yields a
// ValidationError without invoking the handler.
//
// This is a package-level function because methods cannot introduce their
// own type parameters.
func Register[T any](r *Router, value string, fn func(ctx context.Context, msg *batch.Message, payload T) (batch.Result, error)) {
	skip := r.skipInvalid
	r.RouteFunc(value, func(ctx context.Context, msg *batch.Message) (batch.Result, error) {
		var payload T
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			metrics.RouterValidationFailures.WithLabelValues(value).Inc()
			return nil, &ValidationError{Route: value, Err: fmt.Errorf("decode: %w", err), Skip: skip}
		}

		if v, ok := any(payload).(validatable); ok {
			if err := v.Validate(); err != nil {
				metrics.RouterValidationFailures.WithLabelValues(value).Inc()
				return nil, &ValidationError{Route: value, Err: err, Skip: skip}
			}
		} else if v, ok := any(&payload).(validatable); ok {
			if err := v.Validate(); err != nil {
				metrics.RouterValidationFailures.WithLabelValues(value).Inc()
				return nil, &ValidationError{Route: value, Err: err, Skip: skip}
			}
		}

		return fn(ctx, msg, payload)
	})
}
