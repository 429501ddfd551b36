package idempotency

import (
	"context"
	"time"
)

// Status of a stored processing record.
type Status string

const (
	// StatusPending marks a key claimed by a worker that has not
	// finished yet.
	StatusPending Status = "PENDING"
	// StatusCompleted marks a key whose handler finished, with the
	// serialized result retained for replay.
	StatusCompleted Status = "COMPLETED"
)

// Record describes the stored state of an idempotency key.
type Record struct {
	Key    string
	Status Status
	// Result holds the serialized handler result for completed keys.
	Result []byte
	// ExpiresAt is when the record stops being live. Backends with
	// native TTLs may leave it zero.
	ExpiresAt time.Time
}

// Acquisition is the outcome of a claim attempt.
type Acquisition struct {
	// Acquired reports whether this worker now owns the key.
	Acquired bool
	// Token proves ownership to Complete and Release. Set only when
	// Acquired.
	Token string
	// Existing describes the live record that blocked the claim. Set
	// only when not Acquired; may be nil if the record expired between
	// the attempt and the lookup.
	Existing *Record
}

// Store persists processing claims. Implementations must make Acquire
// atomic: exactly one concurrent caller wins a free key. Complete and
// Release act only when the stored token still matches, so a worker that
// lost its claim to expiry cannot clobber the next owner.
type Store interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Acquisition, error)
	Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
	Get(ctx context.Context, key string) (*Record, error)
}
