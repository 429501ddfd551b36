// Package memstore is an in-process idempotency store for single-node
// deployments and tests. Claims live in a mutex-guarded map; expired
// entries are dropped lazily on access and by the optional janitor.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowbatch.tech/clock"
	"go.flowbatch.tech/idempotency"
)

type entry struct {
	token     string
	status    idempotency.Status
	result    []byte
	expiresAt time.Time
}

// Store implements idempotency.Store in memory.
type Store struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]entry
}

// Option configures a Store.
type Option func(*Store)

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clk = clk }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clk:     clock.System(),
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (*idempotency.Acquisition, error) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.expiresAt.After(now) {
		existing := &idempotency.Record{
			Key:       key,
			Status:    e.status,
			Result:    e.result,
			ExpiresAt: e.expiresAt,
		}
		return &idempotency.Acquisition{Existing: existing}, nil
	}

	token := uuid.NewString()
	s.entries[key] = entry{
		token:     token,
		status:    idempotency.StatusPending,
		expiresAt: now.Add(ttl),
	}
	return &idempotency.Acquisition{Acquired: true, Token: token}, nil
}

func (s *Store) Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.token != token || e.status != idempotency.StatusPending {
		return nil
	}
	e.status = idempotency.StatusCompleted
	e.result = result
	e.expiresAt = s.clk.Now().Add(ttl)
	s.entries[key] = e
	return nil
}

func (s *Store) Release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.token == token && e.status == idempotency.StatusPending {
		delete(s.entries, key)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.expiresAt.After(now) {
		return nil, nil
	}
	return &idempotency.Record{
		Key:       key,
		Status:    e.status,
		Result:    e.result,
		ExpiresAt: e.expiresAt,
	}, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Janitor sweeps expired entries every interval until ctx is done.
// Run it in its own goroutine.
func (s *Store) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
