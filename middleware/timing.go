package middleware

import (
	"context"
	"log/slog"
	"time"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/internal/metrics"
)

// TimingConfig configures the processing-time middleware.
type TimingConfig struct {
	// SlowThreshold is the duration above which an attempt is logged as
	// slow. Zero disables the warning.
	SlowThreshold time.Duration

	Logger *slog.Logger
}

// DefaultTimingConfig returns the timing defaults.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		SlowThreshold: time.Second,
	}
}

// Timing returns middleware that records per-attempt handler duration and
// warns about slow messages.
func Timing(cfg *TimingConfig) Middleware {
	if cfg == nil {
		cfg = DefaultTimingConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &timingMiddleware{threshold: cfg.SlowThreshold, logger: logger}
}

type timingMiddleware struct {
	threshold time.Duration
	logger    *slog.Logger
}

type timingStartKey struct{}

func (t *timingMiddleware) Before(ctx context.Context, msg *batch.Message) (context.Context, error) {
	return context.WithValue(ctx, timingStartKey{}, time.Now()), nil
}

func (t *timingMiddleware) After(ctx context.Context, msg *batch.Message, result batch.Result) {
	t.observe(ctx, msg)
}

func (t *timingMiddleware) OnError(ctx context.Context, msg *batch.Message, err error) (batch.Result, error) {
	t.observe(ctx, msg)
	return nil, err
}

func (t *timingMiddleware) observe(ctx context.Context, msg *batch.Message) {
	start, ok := ctx.Value(timingStartKey{}).(time.Time)
	if !ok {
		return
	}
	elapsed := time.Since(start)

	route := ""
	if meta, metaOK := batch.MetaFromContext(ctx); metaOK {
		route = meta.Route
	}
	metrics.PipelineHandlerDuration.WithLabelValues(route).Observe(elapsed.Seconds())

	if t.threshold > 0 && elapsed > t.threshold {
		t.logger.Warn("Slow message processing",
			"messageId", msg.ID,
			"route", route,
			"duration", elapsed,
			"threshold", t.threshold)
	}
}
