// Package redisstore backs the idempotency guard with Redis, for fleets
// where workers on different hosts may receive the same message.
//
// A key holds either "P:<token>" while pending or "C:<result>" once
// completed, with the TTL carried by Redis itself. All transitions run as
// Lua scripts so a claim check and its write are atomic, and Complete and
// Release compare the stored token first so a worker that lost its claim
// to expiry cannot overwrite the next owner's state.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.flowbatch.tech/idempotency"
)

const (
	pendingPrefix   = "P:"
	completedPrefix = "C:"
)

var acquireScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
  return v
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return ""
`)

var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements idempotency.Store on a Redis client.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing client. The caller owns the client's lifecycle.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (*idempotency.Acquisition, error) {
	token := uuid.NewString()
	v, err := acquireScript.Run(ctx, s.client, []string{key}, pendingPrefix+token, millis(ttl)).Text()
	if err != nil {
		return nil, fmt.Errorf("redis acquire %s: %w", key, err)
	}
	if v == "" {
		return &idempotency.Acquisition{Acquired: true, Token: token}, nil
	}
	return &idempotency.Acquisition{Existing: decode(key, v)}, nil
}

func (s *Store) Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error {
	err := completeScript.Run(ctx, s.client, []string{key},
		pendingPrefix+token, completedPrefix+string(result), millis(ttl)).Err()
	if err != nil {
		return fmt.Errorf("redis complete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, pendingPrefix+token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return decode(key, v), nil
}

func decode(key, v string) *idempotency.Record {
	if rest, ok := strings.CutPrefix(v, completedPrefix); ok {
		return &idempotency.Record{Key: key, Status: idempotency.StatusCompleted, Result: []byte(rest)}
	}
	return &idempotency.Record{Key: key, Status: idempotency.StatusPending}
}

func millis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
