package router

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"go.flowbatch.tech/batch"
)

// Scope controls which payload view a mounted subrouter and its handlers
// receive.
type Scope string

const (
	// ScopeRoot passes the original payload through unchanged. The
	// subrouter extracts its own key from the full payload.
	ScopeRoot Scope = "root"

	// ScopeCurrent re-roots the message body at the mount's payload path;
	// the subrouter and its handlers see only the nested slice.
	ScopeCurrent Scope = "current"

	// ScopeBoth re-roots the body like ScopeCurrent and additionally makes
	// the original payload available via batch.RootBodyFromContext.
	ScopeBoth Scope = "both"
)

type mount struct {
	sub   *Router
	scope Scope
	path  string
}

// MountOption configures a mounted subrouter.
type MountOption func(*mount)

// WithScope sets the payload scope for the mount. ScopeCurrent and
// ScopeBoth require a payload path.
func WithScope(s Scope) MountOption {
	return func(m *mount) { m.scope = s }
}

// WithPayloadPath sets the path of the nested payload slice used by
// ScopeCurrent and ScopeBoth.
func WithPayloadPath(path string) MountOption {
	return func(m *mount) { m.path = path }
}

// Mount registers a subrouter at an exact-match value. The subrouter
// extracts its own key according to the mount's scope; by default it sees
// the full payload.
func (r *Router) Mount(value string, sub *Router, opts ...MountOption) {
	m := &mount{sub: sub, scope: ScopeRoot}
	for _, opt := range opts {
		opt(m)
	}
	if m.scope != ScopeRoot && m.path == "" {
		panic(fmt.Sprintf("router: mount %q scope %q requires a payload path", value, m.scope))
	}
	r.Route(value, m)
}

// Handle dispatches into the subrouter with the scoped payload view.
func (m *mount) Handle(ctx context.Context, msg *batch.Message) (batch.Result, error) {
	if m.scope == ScopeRoot {
		return m.sub.Dispatch(ctx, msg)
	}

	nested := gjson.GetBytes(msg.Body, m.path)
	if !nested.Exists() {
		return nil, &ValidationError{
			Route: m.path,
			Err:   fmt.Errorf("payload path %q absent", m.path),
			Skip:  m.sub.skipInvalid,
		}
	}

	// Messages are immutable; re-root on a shallow copy.
	scoped := *msg
	scoped.Body = []byte(nested.Raw)

	if m.scope == ScopeBoth {
		ctx = batch.ContextWithRootBody(ctx, msg.Body)
	}
	return m.sub.Dispatch(ctx, &scoped)
}
