package retry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowbatch.tech/internal/metrics"
)

// BreakerConfig tunes the per-route circuit breakers.
type BreakerConfig struct {
	// Enabled turns circuit breaking on. When false Execute calls the
	// function directly.
	Enabled bool
	// Threshold is the number of consecutive failures that opens the
	// breaker.
	Threshold uint32
	// Cooldown is how long an open breaker waits before letting a trial
	// request through.
	Cooldown time.Duration
	// MaxHalfOpen is the number of trial requests allowed while
	// half-open.
	MaxHalfOpen uint32
}

// DefaultBreakerConfig returns the breaker tuning used when none is
// configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:     true,
		Threshold:   5,
		Cooldown:    30 * time.Second,
		MaxHalfOpen: 1,
	}
}

// BreakerSet holds one circuit breaker per route, created lazily on first
// use. Routes fail independently: an open breaker on one route never
// blocks another.
type BreakerSet struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates an empty breaker set with the given tuning.
func NewBreakerSet(cfg BreakerConfig, logger *slog.Logger) *BreakerSet {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if cfg.MaxHalfOpen == 0 {
		cfg.MaxHalfOpen = 1
	}
	return &BreakerSet{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn through the route's breaker. When the breaker is open
// fn is not invoked and the error satisfies IsOpen.
func (s *BreakerSet) Execute(route string, fn func() (any, error)) (any, error) {
	if !s.cfg.Enabled {
		return fn()
	}
	result, err := s.breaker(route).Execute(fn)
	if IsOpen(err) {
		metrics.BreakerRejections.WithLabelValues(route).Inc()
	}
	return result, err
}

// State returns the breaker state for a route. Routes never executed
// report closed.
func (s *BreakerSet) State(route string) gobreaker.State {
	s.mu.Lock()
	cb, ok := s.breakers[route]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (s *BreakerSet) breaker(route string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[route]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        route,
		MaxRequests: s.cfg.MaxHalfOpen,
		Timeout:     s.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.Threshold
		},
		OnStateChange: s.onStateChange,
	})
	s.breakers[route] = cb
	metrics.BreakerState.WithLabelValues(route).Set(metrics.CircuitBreakerClosed)
	return cb
}

func (s *BreakerSet) onStateChange(name string, from, to gobreaker.State) {
	metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
	if to == gobreaker.StateOpen {
		metrics.BreakerTrips.WithLabelValues(name).Inc()
	}
	s.logger.Warn("Circuit breaker state changed",
		"route", name,
		"from", from.String(),
		"to", to.String())
}

func stateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return metrics.CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitBreakerHalfOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}

// IsOpen reports whether err came from an open or saturated half-open
// breaker rather than from the executed function.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
