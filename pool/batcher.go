package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/clock"
	"go.flowbatch.tech/internal/metrics"
)

// BatchFunc processes an accumulated batch. The returned slice holds one
// error per message, aligned by index; nil or a short slice means success
// for the positions not covered.
type BatchFunc func(ctx context.Context, msgs []*batch.Message) []error

// BatcherConfig tunes batch accumulation.
type BatcherConfig struct {
	// MaxSize flushes the batch once this many messages are pending.
	MaxSize int
	// FlushInterval flushes a non-empty batch that has waited this long.
	FlushInterval time.Duration
}

// DefaultBatcherConfig returns the accumulation settings used when none
// are configured.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize:       25,
		FlushInterval: 200 * time.Millisecond,
	}
}

type batchItem struct {
	msg  *batch.Message
	done chan error
}

// Batcher accumulates messages and hands them to a BatchFunc in groups,
// flushing on size or age, whichever comes first. Each submitter gets its
// own per-message error back.
type Batcher struct {
	cfg    BatcherConfig
	fn     BatchFunc
	clk    clock.Clock
	logger *slog.Logger

	items    chan batchItem
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithBatcherClock substitutes the time source, for tests.
func WithBatcherClock(clk clock.Clock) BatcherOption {
	return func(b *Batcher) { b.clk = clk }
}

// WithBatcherLogger substitutes the logger.
func WithBatcherLogger(logger *slog.Logger) BatcherOption {
	return func(b *Batcher) { b.logger = logger }
}

// NewBatcher starts a batcher around fn. Close it to flush what remains.
func NewBatcher(cfg BatcherConfig, fn BatchFunc, opts ...BatcherOption) *Batcher {
	def := DefaultBatcherConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	b := &Batcher{
		cfg:    cfg,
		fn:     fn,
		clk:    clock.System(),
		logger: slog.Default(),
		items:  make(chan batchItem, cfg.MaxSize),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Submit hands msg to the batcher and returns a channel that receives the
// message's error, or nil, once its batch has been processed. The channel
// is buffered; the caller may read it whenever convenient. Submitting
// after Close returns ErrStopped.
func (b *Batcher) Submit(ctx context.Context, msg *batch.Message) <-chan error {
	done := make(chan error, 1)
	select {
	case <-b.stop:
		done <- ErrStopped
		return done
	default:
	}
	select {
	case b.items <- batchItem{msg: msg, done: done}:
	case <-ctx.Done():
		done <- ctx.Err()
	case <-b.stop:
		done <- ErrStopped
	}
	return done
}

// Close flushes pending messages and stops the batcher. It waits for any
// in-flight flush to finish. Submissions that lost the shutdown race are
// failed with ErrStopped rather than left unanswered.
func (b *Batcher) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	for {
		select {
		case it := <-b.items:
			it.done <- ErrStopped
		default:
			return
		}
	}
}

func (b *Batcher) loop() {
	defer b.wg.Done()

	var pending []batchItem
	var timeout <-chan time.Time

	flush := func(trigger string) {
		if len(pending) == 0 {
			return
		}
		b.flush(pending, trigger)
		pending = nil
		timeout = nil
	}

	for {
		select {
		case it := <-b.items:
			pending = append(pending, it)
			if len(pending) == 1 {
				timeout = b.clk.After(b.cfg.FlushInterval)
			}
			if len(pending) >= b.cfg.MaxSize {
				flush("size")
			}

		case <-timeout:
			flush("interval")

		case <-b.stop:
			// Accept whatever was handed over before Close, then flush
			// it as a final batch.
			for {
				select {
				case it := <-b.items:
					pending = append(pending, it)
					continue
				default:
				}
				break
			}
			flush("close")
			return
		}
	}
}

func (b *Batcher) flush(items []batchItem, trigger string) {
	metrics.PoolBatchFlushes.WithLabelValues(trigger).Inc()

	msgs := make([]*batch.Message, len(items))
	for i, it := range items {
		msgs[i] = it.msg
	}

	errs := b.run(msgs)
	for i, it := range items {
		if errs != nil && i < len(errs) {
			it.done <- errs[i]
		} else {
			it.done <- nil
		}
	}
}

// run invokes the batch function, converting a panic into an error for
// every message in the batch. The flush gets a fresh context so a close
// still processes the final batch.
func (b *Batcher) run(msgs []*batch.Message) (errs []error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in batch function", "batchSize", len(msgs), "panic", r)
			err := fmt.Errorf("batch function panicked: %v", r)
			errs = make([]error, len(msgs))
			for i := range errs {
				errs[i] = err
			}
		}
	}()
	return b.fn(context.Background(), msgs)
}
