// Package router dispatches messages to registered handlers based on a value
// extracted from the payload at a configurable key path.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidwall/gjson"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/internal/metrics"
)

// DefaultKey is the payload field consulted when no key path is configured.
const DefaultKey = "type"

// MatchKind classifies how a dispatch resolved.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchWildcard MatchKind = "wildcard"
	MatchDefault  MatchKind = "default"
	MatchNone     MatchKind = "none"
)

// Match is a resolved route.
type Match struct {
	// Value is the extracted dispatch value, "" when the key was absent.
	Value string

	// Kind records which table entry matched.
	Kind MatchKind

	// Route is the label used for breakers and metrics: the match value for
	// exact routes, otherwise the match kind.
	Route string

	// Handler is the handler to invoke.
	Handler batch.Handler
}

// Router resolves handlers from a payload field. Configure and register
// before dispatching; Router is safe for concurrent dispatch afterwards.
type Router struct {
	key         string
	strict      bool
	skipInvalid bool
	logger      *slog.Logger
	exact       map[string]batch.Handler
	wildcard    batch.Handler
	fallback    batch.Handler
}

// Option configures a Router.
type Option func(*Router)

// WithKey sets the payload key path the router extracts the dispatch value
// from. Paths use dotted syntax ("meta.kind" addresses a nested field).
func WithKey(path string) Option {
	return func(r *Router) { r.key = path }
}

// WithStrict makes unmatched dispatches surface as failures instead of being
// logged and dropped.
func WithStrict() Option {
	return func(r *Router) { r.strict = true }
}

// WithSkipInvalid makes payloads that fail decoding or validation get logged
// and dropped instead of surfacing as failures.
func WithSkipInvalid() Option {
	return func(r *Router) { r.skipInvalid = true }
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a Router.
func New(opts ...Option) *Router {
	r := &Router{
		key:    DefaultKey,
		logger: slog.Default(),
		exact:  make(map[string]batch.Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route registers an exact-match route. Registering the same value twice
// panics.
func (r *Router) Route(value string, h batch.Handler) {
	if value == "" {
		panic("router: empty route value")
	}
	if _, exists := r.exact[value]; exists {
		panic(fmt.Sprintf("router: duplicate route %q", value))
	}
	r.exact[value] = h
}

// RouteFunc registers an exact-match route with a handler function.
func (r *Router) RouteFunc(value string, f batch.HandlerFunc) {
	r.Route(value, f)
}

// Wildcard registers the handler for any extracted value with no exact
// route.
func (r *Router) Wildcard(h batch.Handler) {
	r.wildcard = h
}

// Default registers the handler used when the dispatch key is absent from
// the payload, and as the last fallback for unmatched values.
func (r *Router) Default(h batch.Handler) {
	r.fallback = h
}

// Routes returns the registered exact-match values, sorted.
func (r *Router) Routes() []string {
	values := make([]string, 0, len(r.exact))
	for v := range r.exact {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// Key returns the configured key path.
func (r *Router) Key() string { return r.key }

// Resolve extracts the dispatch value and resolves a handler without
// invoking it. Resolution priority is exact, then wildcard, then default.
// An unmatched dispatch returns an UnroutedError.
func (r *Router) Resolve(msg *batch.Message) (*Match, error) {
	value, present := r.extract(msg.Body)

	if present {
		if h, ok := r.exact[value]; ok {
			return &Match{Value: value, Kind: MatchExact, Route: value, Handler: h}, nil
		}
		if r.wildcard != nil {
			return &Match{Value: value, Kind: MatchWildcard, Route: string(MatchWildcard), Handler: r.wildcard}, nil
		}
	}
	if r.fallback != nil {
		return &Match{Value: value, Kind: MatchDefault, Route: string(MatchDefault), Handler: r.fallback}, nil
	}

	metrics.RouterDispatches.WithLabelValues(string(MatchNone)).Inc()
	return nil, &UnroutedError{Value: value, Strict: r.strict}
}

// Dispatch resolves the handler for msg and invokes it. A matched subrouter
// recurses; when the subrouter has no match for its own key, dispatch falls
// back to this router's wildcard, then default.
func (r *Router) Dispatch(ctx context.Context, msg *batch.Message) (batch.Result, error) {
	match, err := r.Resolve(msg)
	if err != nil {
		var unrouted *UnroutedError
		if errors.As(err, &unrouted) && !unrouted.Strict {
			r.logger.Warn("No route matched, dropping message",
				"messageId", msg.ID,
				"key", r.key,
				"value", unrouted.Value)
		}
		return nil, err
	}

	metrics.RouterDispatches.WithLabelValues(string(match.Kind)).Inc()
	if meta, ok := batch.MetaFromContext(ctx); ok && meta.Route == "" {
		meta.Route = match.Route
	}

	result, err := match.Handler.Handle(ctx, msg)
	if err != nil && match.Kind == MatchExact {
		// A mounted subrouter with no match for its own key falls back to
		// this router's wildcard, then default.
		if _, mounted := match.Handler.(*mount); mounted && errors.Is(err, ErrNoRoute) {
			if r.wildcard != nil {
				metrics.RouterDispatches.WithLabelValues(string(MatchWildcard)).Inc()
				return r.wildcard.Handle(ctx, msg)
			}
			if r.fallback != nil {
				metrics.RouterDispatches.WithLabelValues(string(MatchDefault)).Inc()
				return r.fallback.Handle(ctx, msg)
			}
		}
	}
	return result, err
}

// Handle implements batch.Handler so a Router can serve directly as a
// pipeline's terminal handler.
func (r *Router) Handle(ctx context.Context, msg *batch.Message) (batch.Result, error) {
	return r.Dispatch(ctx, msg)
}

// extract returns the dispatch value at the configured key path. Scalar
// values route by their string form; objects, arrays and null are treated
// as absent.
func (r *Router) extract(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	result := gjson.GetBytes(body, r.key)
	switch result.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return result.String(), true
	default:
		return "", false
	}
}
