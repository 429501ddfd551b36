// Package pipeline assembles the processing components into a batch
// processor: routing, middleware, idempotency, retries with per-route
// circuit breaking, visibility tracking and bounded concurrency. Every
// submitted message gets exactly one recorded outcome, and the report
// lists the ids the transport should redeliver.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/clock"
	"go.flowbatch.tech/idempotency"
	"go.flowbatch.tech/internal/metrics"
	"go.flowbatch.tech/middleware"
	"go.flowbatch.tech/pool"
	"go.flowbatch.tech/queue"
	"go.flowbatch.tech/retry"
	"go.flowbatch.tech/router"
	"go.flowbatch.tech/visibility"
)

// defaultRoute labels breaker and duration metrics when the terminal
// handler does not resolve routes.
const defaultRoute = "default"

// routeResolver is satisfied by *router.Router. When the terminal handler
// resolves routes, the processor resolves before dispatch so breakers and
// metrics are labeled per route and unroutable messages skip claiming.
type routeResolver interface {
	Resolve(msg *batch.Message) (*router.Match, error)
}

// Processor runs batches of messages through the full chain.
type Processor struct {
	handler  batch.Handler
	resolver routeResolver
	invoke   batch.Handler

	chain    *middleware.Chain
	guard    *idempotency.Guard
	policy   retry.Policy
	breakers *retry.BreakerSet
	monitor  *visibility.Monitor
	window   time.Duration

	controller *pool.Controller
	ownPool    bool

	dlq    queue.DeadLetterSink
	logger *slog.Logger
	clk    clock.Clock
}

// Option configures a Processor.
type Option func(*Processor)

// WithChain wraps every handler attempt with the middleware chain.
func WithChain(chain *middleware.Chain) Option {
	return func(p *Processor) { p.chain = chain }
}

// WithGuard deduplicates deliveries through the idempotency guard.
func WithGuard(guard *idempotency.Guard) Option {
	return func(p *Processor) { p.guard = guard }
}

// WithRetry replaces the default retry policy.
func WithRetry(policy retry.Policy) Option {
	return func(p *Processor) { p.policy = policy }
}

// WithBreakers guards routes with the given circuit breaker set.
func WithBreakers(set *retry.BreakerSet) Option {
	return func(p *Processor) { p.breakers = set }
}

// WithMonitor tracks in-flight messages against their visibility
// deadline.
func WithMonitor(m *visibility.Monitor) Option {
	return func(p *Processor) { p.monitor = m }
}

// WithVisibilityWindow sets the assumed visibility window used to derive
// each message's deadline.
func WithVisibilityWindow(d time.Duration) Option {
	return func(p *Processor) { p.window = d }
}

// WithController runs messages on the given controller instead of an
// internally owned one. The caller keeps its lifecycle.
func WithController(c *pool.Controller) Option {
	return func(p *Processor) { p.controller = c }
}

// WithDeadLetter publishes finally failed messages to sink.
func WithDeadLetter(sink queue.DeadLetterSink) Option {
	return func(p *Processor) { p.dlq = sink }
}

// WithLogger sets the processor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(p *Processor) { p.clk = clk }
}

// New builds a Processor around the terminal handler, usually a
// *router.Router. Without WithController the processor starts and owns a
// controller with default settings; Shutdown stops it.
func New(handler batch.Handler, opts ...Option) *Processor {
	p := &Processor{
		handler: handler,
		policy:  retry.DefaultPolicy(),
		window:  visibility.DefaultWindow,
		logger:  slog.Default(),
		clk:     clock.System(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.controller == nil {
		p.controller = pool.NewController(pool.DefaultConfig(), p.logger)
		p.controller.Start()
		p.ownPool = true
	}
	if r, ok := handler.(routeResolver); ok {
		p.resolver = r
	}

	h := p.handler
	if p.guard != nil {
		h = p.guard.Wrap(h)
	}
	chain := p.chain
	if chain == nil {
		// An empty chain still converts handler panics into errors.
		chain = middleware.NewChain()
	}
	p.invoke = chain.Then(h)

	if p.policy.Clock == nil {
		p.policy.Clock = p.clk
	}
	if p.policy.Logger == nil {
		p.policy.Logger = p.logger
	}
	user := p.policy.Classify
	p.policy.Classify = func(err error) bool {
		if !retryable(err) {
			return false
		}
		if user != nil {
			return user(err)
		}
		return retry.DefaultClassifier(err)
	}
	return p
}

// retryable rules out errors whose semantics a retry cannot change:
// permanent failures, duplicate claims, routing and validation failures,
// and handler panics.
func retryable(err error) bool {
	if retry.IsPermanent(err) {
		return false
	}
	if errors.Is(err, idempotency.ErrInFlight) {
		return false
	}
	if errors.Is(err, router.ErrNoRoute) || errors.Is(err, router.ErrInvalidPayload) {
		return false
	}
	var pe *middleware.PanicError
	return !errors.As(err, &pe)
}

// Process runs every message and returns the per-message report in
// submission order. Messages that never start, because ctx ended or the
// controller stopped, are recorded as canceled and marked for
// redelivery. The error is non-nil only when the controller refused
// submissions.
func (p *Processor) Process(ctx context.Context, msgs []*batch.Message) (*batch.Report, error) {
	metrics.PipelineBatchSize.Observe(float64(len(msgs)))
	p.logger.Info("Processing message batch", "size", len(msgs))

	report := &batch.Report{Items: make([]batch.ItemResult, len(msgs))}
	var wg sync.WaitGroup
	var stopped error
	for i, msg := range msgs {
		i, msg := i, msg
		wg.Add(1)
		err := p.controller.Submit(ctx, msg, func(runCtx context.Context) {
			defer wg.Done()
			report.Items[i] = p.processOne(runCtx, msg)
		})
		if err != nil {
			wg.Done()
			report.Items[i] = batch.ItemResult{
				MessageID: msg.ID,
				Outcome:   batch.OutcomeCanceled,
				Err:       err,
				Redeliver: true,
			}
			metrics.PipelineMessagesProcessed.WithLabelValues(string(batch.OutcomeCanceled)).Inc()
			if errors.Is(err, pool.ErrStopped) && stopped == nil {
				stopped = err
			}
		}
	}
	wg.Wait()

	p.logger.Info("Batch processing complete",
		"size", len(msgs),
		"succeeded", report.Succeeded(),
		"redeliver", len(report.FailedIDs()))
	return report, stopped
}

// processOne takes a single message through tracking, execution and
// outcome accounting.
func (p *Processor) processOne(ctx context.Context, msg *batch.Message) batch.ItemResult {
	start := p.clk.Now()
	meta := batch.NewMeta()
	ctx = batch.ContextWithMeta(ctx, meta)

	var stop func()
	if p.monitor != nil {
		stop = p.monitor.Track(ctx, msg, start.Add(p.window))
	}
	item := p.run(ctx, msg, meta)
	if stop != nil {
		stop()
	}

	item.MessageID = msg.ID
	item.Duration = p.clk.Since(start)

	route := meta.Route
	if route == "" {
		route = defaultRoute
	}
	metrics.PipelineMessagesProcessed.WithLabelValues(string(item.Outcome)).Inc()
	metrics.PipelineProcessingDuration.WithLabelValues(route).Observe(item.Duration.Seconds())

	if item.Outcome == batch.OutcomeRetryExhausted || item.Outcome == batch.OutcomePermanent {
		p.deadLetter(ctx, msg, item)
	}
	return item
}

// run resolves the route, then executes the handler under the breaker and
// retry policy. The breaker observes whole messages, not attempts, and
// only transient exhaustion counts against a route's health.
func (p *Processor) run(ctx context.Context, msg *batch.Message, meta *batch.Meta) batch.ItemResult {
	route := defaultRoute
	if p.resolver != nil {
		match, err := p.resolver.Resolve(msg)
		if err != nil {
			var unrouted *router.UnroutedError
			if errors.As(err, &unrouted) {
				if !unrouted.Strict {
					p.logger.Warn("No route matched, dropping message",
						"messageId", msg.ID,
						"value", unrouted.Value)
				}
				return batch.ItemResult{Outcome: batch.OutcomeUnrouted, Err: err, Redeliver: unrouted.Strict}
			}
			return batch.ItemResult{Outcome: batch.OutcomePermanent, Err: err, Redeliver: true}
		}
		route = match.Route
	}
	meta.Route = route

	var result batch.Result
	var attempts int
	execute := func() error {
		var err error
		attempts, err = p.policy.Do(ctx, func(actx context.Context, attempt int) error {
			meta.Attempt = attempt
			if attempt > 1 {
				metrics.RetryAttempts.WithLabelValues(route).Inc()
			}
			hstart := p.clk.Now()
			res, herr := p.invoke.Handle(actx, msg)
			metrics.PipelineHandlerDuration.WithLabelValues(route).Observe(p.clk.Since(hstart).Seconds())
			if herr != nil {
				return herr
			}
			result = res
			return nil
		})
		return err
	}

	var finalErr error
	if p.breakers != nil {
		_, berr := p.breakers.Execute(route, func() (any, error) {
			err := execute()
			if retry.IsExhausted(err) {
				return nil, err
			}
			finalErr = err
			return nil, nil
		})
		if berr != nil {
			finalErr = berr
		}
	} else {
		finalErr = execute()
	}

	return classify(result, attempts, finalErr)
}

// classify maps an execution result onto the recorded outcome and the
// redelivery decision.
func classify(result batch.Result, attempts int, err error) batch.ItemResult {
	item := batch.ItemResult{Attempts: attempts, Err: err}

	var ve *router.ValidationError
	var ue *router.UnroutedError
	switch {
	case err == nil:
		if cached, ok := result.(*idempotency.Cached); ok {
			item.Outcome = batch.OutcomeDuplicateDone
			item.Result = cached
		} else {
			item.Outcome = batch.OutcomeSuccess
			item.Result = result
		}
	case errors.Is(err, idempotency.ErrInFlight):
		item.Outcome = batch.OutcomeDuplicateInFlight
	case retry.IsOpen(err):
		item.Outcome = batch.OutcomeCircuitOpen
		item.Redeliver = true
	case retry.IsExhausted(err):
		item.Outcome = batch.OutcomeRetryExhausted
		item.Redeliver = true
	case errors.As(err, &ve):
		item.Outcome = batch.OutcomeInvalid
		item.Redeliver = !ve.Skip
	case errors.As(err, &ue):
		item.Outcome = batch.OutcomeUnrouted
		item.Redeliver = ue.Strict
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		item.Outcome = batch.OutcomeCanceled
		item.Redeliver = true
	default:
		item.Outcome = batch.OutcomePermanent
		item.Redeliver = true
	}
	return item
}

func (p *Processor) deadLetter(ctx context.Context, msg *batch.Message, item batch.ItemResult) {
	if p.dlq == nil {
		return
	}
	metrics.PipelineDeadLettered.WithLabelValues(string(item.Outcome)).Inc()
	failure := queue.Failure{Outcome: item.Outcome, Err: item.Err, Attempts: item.Attempts}
	if err := p.dlq.Publish(ctx, msg, failure); err != nil {
		p.logger.Error("Dead-letter publish failed",
			"messageId", msg.ID,
			"error", err)
	}
}

// Stats exposes the visibility monitor's processing statistics, zero when
// no monitor is configured.
func (p *Processor) Stats() visibility.Stats {
	if p.monitor == nil {
		return visibility.Stats{}
	}
	return p.monitor.Stats()
}

// Shutdown stops the processor's own controller and waits for in-flight
// messages up to ctx's deadline. Controllers supplied through
// WithController stay with their owner.
func (p *Processor) Shutdown(ctx context.Context) error {
	if !p.ownPool {
		return nil
	}
	return p.controller.Shutdown(ctx)
}
