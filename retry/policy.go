package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"go.flowbatch.tech/clock"
)

// Policy controls how many times a handler is re-invoked and how long the
// loop waits between attempts.
type Policy struct {
	// MaxRetries is the number of re-invocations after the initial
	// attempt. Zero means a single attempt with no retries.
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64
	// Jitter randomizes each delay into [delay/2, delay] so stalled
	// batches do not retry in lockstep.
	Jitter bool

	// Classify decides retryability. Nil means DefaultClassifier.
	Classify Classifier
	// Clock is used for backoff sleeps. Nil means the system clock.
	Clock clock.Clock
	// Logger, when set, records each retry at warn level.
	Logger *slog.Logger
}

// DefaultPolicy returns the backoff used when no policy is configured:
// three retries starting at one second, doubling, capped at a minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the backoff before the given retry, 1-based. The first
// retry waits BaseDelay; each following retry multiplies the previous
// delay, capped at MaxDelay, then jittered when Jitter is set.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(retry-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	delay := time.Duration(d)
	if p.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}

// Do invokes fn until it succeeds, fails permanently, or the retry budget
// runs out. The attempt passed to fn is 1-based. It returns the number of
// attempts made; on exhaustion the error is wrapped in *ExhaustedError,
// permanent and context errors are returned as-is.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	attempts := 0
	var err error
	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return attempts, cerr
		}
		attempts = attempt
		err = fn(ctx, attempt)
		if err == nil {
			return attempts, nil
		}
		if !classify(err) {
			return attempts, err
		}
		if attempt > p.MaxRetries {
			break
		}
		delay := p.Delay(attempt)
		if p.Logger != nil {
			p.Logger.Warn("Handler failed, backing off before retry",
				"attempt", attempt,
				"maxRetries", p.MaxRetries,
				"delay", delay,
				"error", err)
		}
		if serr := clk.Sleep(ctx, delay); serr != nil {
			return attempts, serr
		}
	}
	return attempts, &ExhaustedError{Attempts: attempts, Err: err}
}
