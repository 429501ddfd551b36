// Package idempotency suppresses duplicate processing of redelivered
// messages. A Guard wraps a handler: before the handler runs it claims
// the message's idempotency key in a Store, and afterwards it records the
// result so later deliveries of the same message replay the cached result
// instead of re-running side effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/internal/metrics"
)

// ErrInFlight is returned when another worker currently holds the claim
// for the message's key.
var ErrInFlight = errors.New("idempotency: message already in flight")

// Cached wraps a stored result replayed for a duplicate of an already
// completed message. Raw is the JSON recorded at completion time.
type Cached struct {
	Raw []byte
}

// Config tunes key derivation and claim lifetimes.
type Config struct {
	// ClaimTTL bounds how long a pending claim survives. Size it to the
	// longest expected handler run; a worker that dies mid-message
	// blocks redelivery of that message until the claim expires.
	ClaimTTL time.Duration
	// ResultTTL is how long completed results are retained for replay.
	ResultTTL time.Duration
	// UseDedupID prefers the message's deduplication id as the key when
	// present.
	UseDedupID bool
	// PayloadHashFields, when set, derives the key from a hash of these
	// payload paths (gjson syntax) for messages without a dedup id.
	PayloadHashFields []string
	// KeyPrefix namespaces keys in shared stores.
	KeyPrefix string
	// FailOpen processes the message anyway when the store is
	// unreachable. Off by default: a broken store then surfaces as a
	// transient processing failure instead of risking duplicates.
	FailOpen bool
}

// DefaultConfig returns the guard settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ClaimTTL:   5 * time.Minute,
		ResultTTL:  24 * time.Hour,
		UseDedupID: true,
	}
}

// Guard wraps handlers with claim/commit bookkeeping against a Store.
type Guard struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewGuard builds a Guard over store. Zero config fields fall back to
// DefaultConfig values.
func NewGuard(store Store, cfg Config, logger *slog.Logger) *Guard {
	def := DefaultConfig()
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, cfg: cfg, logger: logger}
}

// Key derives the idempotency key for msg: the dedup id when configured
// and present, else a hash of the configured payload fields, else the
// message id.
func (g *Guard) Key(msg *batch.Message) string {
	raw := ""
	switch {
	case g.cfg.UseDedupID && msg.DedupID != "":
		raw = msg.DedupID
	case len(g.cfg.PayloadHashFields) > 0:
		raw = g.hashPayload(msg)
	}
	if raw == "" {
		raw = msg.ID
	}
	if g.cfg.KeyPrefix != "" {
		return g.cfg.KeyPrefix + ":" + raw
	}
	return raw
}

func (g *Guard) hashPayload(msg *batch.Message) string {
	h := sha256.New()
	found := false
	for _, path := range g.cfg.PayloadHashFields {
		value := gjson.GetBytes(msg.Body, path)
		if value.Exists() {
			found = true
		}
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write([]byte(value.Raw))
		h.Write([]byte{0})
	}
	if !found {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Wrap returns a handler that claims the message's key before invoking
// next. Duplicates of completed messages return a *Cached result without
// running next; duplicates still in flight return ErrInFlight. On handler
// failure the claim is released so a redelivery can retry, except when the
// failure came from context cancellation: then the claim is left to expire
// so a possibly still-running handler is not raced by a redelivery.
func (g *Guard) Wrap(next batch.Handler) batch.Handler {
	return batch.HandlerFunc(func(ctx context.Context, msg *batch.Message) (batch.Result, error) {
		key := g.Key(msg)
		if meta, ok := batch.MetaFromContext(ctx); ok {
			meta.IdempotencyKey = key
		}

		acq, err := g.store.Acquire(ctx, key, g.cfg.ClaimTTL)
		if err != nil {
			metrics.IdempotencyClaims.WithLabelValues("error").Inc()
			if g.cfg.FailOpen {
				g.logger.Warn("Idempotency store unavailable, processing without claim",
					"key", key, "error", err)
				return next.Handle(ctx, msg)
			}
			return nil, fmt.Errorf("idempotency claim %s: %w", key, err)
		}
		if !acq.Acquired {
			if acq.Existing != nil && acq.Existing.Status == StatusCompleted {
				metrics.IdempotencyClaims.WithLabelValues("duplicate_completed").Inc()
				return &Cached{Raw: acq.Existing.Result}, nil
			}
			metrics.IdempotencyClaims.WithLabelValues("duplicate_in_flight").Inc()
			return nil, ErrInFlight
		}
		metrics.IdempotencyClaims.WithLabelValues("claimed").Inc()

		result, err := next.Handle(ctx, msg)
		if err != nil {
			if ctx.Err() == nil {
				if rerr := g.store.Release(ctx, key, acq.Token); rerr != nil {
					g.logger.Error("Failed to release idempotency claim",
						"key", key, "error", rerr)
				}
			}
			return nil, err
		}

		payload, merr := json.Marshal(result)
		if merr != nil {
			g.logger.Warn("Handler result not serializable, caching empty result",
				"key", key, "error", merr)
			payload = nil
		}
		if cerr := g.store.Complete(ctx, key, acq.Token, payload, g.cfg.ResultTTL); cerr != nil {
			g.logger.Error("Failed to record completed message",
				"key", key, "error", cerr)
		}
		return result, nil
	})
}
