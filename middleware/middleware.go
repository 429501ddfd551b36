// Package middleware provides the ordered before/after/error hook chain
// wrapped around handler invocation.
package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.flowbatch.tech/batch"
)

// Middleware observes and augments a single message's processing attempt.
//
// Before hooks run in registration order and may derive a new context seen
// by later hooks and the handler. On success, After hooks run in reverse
// registration order. On error, OnError hooks run in reverse order; an
// OnError that returns a nil error suppresses the failure and its result
// value becomes the outcome, with the remaining outer middlewares receiving
// After instead of OnError.
//
// For every middleware whose Before completed, exactly one of After or
// OnError runs, even when the handler or a later hook panics. A middleware
// whose own Before returns an error receives no closing hook.
type Middleware interface {
	Before(ctx context.Context, msg *batch.Message) (context.Context, error)
	After(ctx context.Context, msg *batch.Message, result batch.Result)
	OnError(ctx context.Context, msg *batch.Message, err error) (batch.Result, error)
}

// Funcs adapts plain functions to the Middleware interface. Nil fields are
// no-ops; a nil OnErrorFunc passes the error through.
type Funcs struct {
	BeforeFunc  func(ctx context.Context, msg *batch.Message) (context.Context, error)
	AfterFunc   func(ctx context.Context, msg *batch.Message, result batch.Result)
	OnErrorFunc func(ctx context.Context, msg *batch.Message, err error) (batch.Result, error)
}

// Before implements Middleware.
func (f Funcs) Before(ctx context.Context, msg *batch.Message) (context.Context, error) {
	if f.BeforeFunc == nil {
		return ctx, nil
	}
	return f.BeforeFunc(ctx, msg)
}

// After implements Middleware.
func (f Funcs) After(ctx context.Context, msg *batch.Message, result batch.Result) {
	if f.AfterFunc != nil {
		f.AfterFunc(ctx, msg, result)
	}
}

// OnError implements Middleware.
func (f Funcs) OnError(ctx context.Context, msg *batch.Message, err error) (batch.Result, error) {
	if f.OnErrorFunc == nil {
		return nil, err
	}
	return f.OnErrorFunc(ctx, msg, err)
}

// PanicError wraps a panic recovered from the handler or a hook so the
// unwinding guarantees hold.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Chain is an ordered list of middleware.
type Chain struct {
	mws []Middleware
}

// NewChain creates a Chain with the given middleware, outermost first.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: append([]Middleware(nil), mws...)}
}

// Use appends middleware to the chain.
func (c *Chain) Use(mws ...Middleware) {
	c.mws = append(c.mws, mws...)
}

// Len returns the number of registered middleware.
func (c *Chain) Len() int { return len(c.mws) }

// Then wraps h with the chain. The returned handler never panics: panics
// from h or any hook are converted to a *PanicError.
func (c *Chain) Then(h batch.Handler) batch.Handler {
	mws := append([]Middleware(nil), c.mws...)
	return batch.HandlerFunc(func(ctx context.Context, msg *batch.Message) (batch.Result, error) {
		return run(ctx, msg, mws, h)
	})
}

func run(ctx context.Context, msg *batch.Message, mws []Middleware, h batch.Handler) (batch.Result, error) {
	entered := 0
	var err error

	for _, mw := range mws {
		next, berr := safeBefore(mw, ctx, msg)
		if berr != nil {
			err = berr
			break
		}
		ctx = next
		entered++
	}

	var result batch.Result
	if err == nil {
		result, err = safeHandle(h, ctx, msg)
	}

	for i := entered - 1; i >= 0; i-- {
		if err != nil {
			substitute, oerr := safeOnError(mws[i], ctx, msg, err)
			if oerr == nil {
				result = substitute
				err = nil
			} else {
				err = oerr
			}
		} else {
			if aerr := safeAfter(mws[i], ctx, msg, result); aerr != nil {
				result = nil
				err = aerr
			}
		}
	}
	return result, err
}

func safeBefore(mw Middleware, ctx context.Context, msg *batch.Message) (next context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = ctx
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return mw.Before(ctx, msg)
}

func safeHandle(h batch.Handler, ctx context.Context, msg *batch.Message) (result batch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, msg)
}

func safeAfter(mw Middleware, ctx context.Context, msg *batch.Message, result batch.Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	mw.After(ctx, msg, result)
	return nil
}

func safeOnError(mw Middleware, ctx context.Context, msg *batch.Message, cause error) (result batch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return mw.OnError(ctx, msg, cause)
}
