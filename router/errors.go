package router

import (
	"errors"
	"fmt"
)

// ErrNoRoute is the sentinel wrapped by UnroutedError.
var ErrNoRoute = errors.New("no route matched")

// UnroutedError reports a dispatch that matched no exact, wildcard or
// default route.
type UnroutedError struct {
	// Value is the extracted dispatch value, "" when the key was absent.
	Value string

	// Strict is true when the router is configured to surface unmatched
	// dispatches as failures.
	Strict bool
}

func (e *UnroutedError) Error() string {
	if e.Value == "" {
		return "no route matched: dispatch key absent"
	}
	return fmt.Sprintf("no route matched value %q", e.Value)
}

func (e *UnroutedError) Unwrap() error { return ErrNoRoute }

// ErrInvalidPayload is the sentinel wrapped by ValidationError.
var ErrInvalidPayload = errors.New("invalid payload")

// ValidationError reports a payload that failed decoding or validation for
// its matched route.
type ValidationError struct {
	// Route is the matched route value.
	Route string

	// Err is the underlying decode or validation error.
	Err error

	// Skip is true when the router is configured to skip invalid payloads
	// silently instead of surfacing them as failures.
	Skip bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("route %q: invalid payload: %v", e.Route, e.Err)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }
