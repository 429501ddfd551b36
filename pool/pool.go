// Package pool bounds and orders handler execution. A Controller holds a
// counting semaphore that caps concurrent handlers, runs messages that
// share a group key sequentially in submission order through a dedicated
// per-group goroutine, and lets ungrouped messages run in parallel,
// optionally through a fixed worker pool.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/internal/metrics"
)

// ErrStopped is returned by Submit when the controller is not accepting
// messages.
var ErrStopped = errors.New("pool: not accepting messages")

// Config tunes the controller.
type Config struct {
	// Concurrency caps how many handlers run at once across all groups.
	Concurrency int
	// QueueCapacity bounds each group's pending queue. Submit blocks
	// once a group is full.
	QueueCapacity int
	// Workers, when positive, runs ungrouped messages on a fixed pool
	// of goroutines instead of one goroutine per message.
	Workers int
	// RatePerMinute throttles message starts across the controller.
	// Zero disables throttling.
	RatePerMinute int
	// GroupIdleTimeout is how long an idle group keeps its goroutine
	// before it is cleaned up.
	GroupIdleTimeout time.Duration
}

// DefaultConfig returns the controller settings used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		Concurrency:      16,
		QueueCapacity:    256,
		GroupIdleTimeout: 5 * time.Minute,
	}
}

type item struct {
	ctx context.Context
	msg *batch.Message
	run func(ctx context.Context)
}

// Controller schedules message execution under a shared concurrency
// limit.
//
// Submit's contract: once it returns nil, the message's run function is
// invoked exactly once, even during shutdown. Cancellation reaches the
// run function through its context rather than by skipping it.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	running atomic.Bool

	// Buffered channel as semaphore, initialized full. Receiving takes
	// a permit, sending returns it.
	semaphore chan struct{}

	limiter *rate.Limiter

	groupQueues  sync.Map // map[string]chan item
	activeGroups sync.Map // map[string]bool
	totalQueued  atomic.Int32

	workQueue chan item // ungrouped messages in worker mode

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup

	shutdownMu sync.Mutex
}

// NewController builds a stopped controller. Call Start before Submit.
func NewController(cfg Config, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.GroupIdleTimeout <= 0 {
		cfg.GroupIdleTimeout = def.GroupIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		semaphore:   make(chan struct{}, cfg.Concurrency),
		ctx:         ctx,
		cancel:      cancel,
		gaugeCtx:    gaugeCtx,
		gaugeCancel: gaugeCancel,
	}
	for i := 0; i < cfg.Concurrency; i++ {
		c.semaphore <- struct{}{}
	}

	if cfg.RatePerMinute > 0 {
		perSecond := float64(cfg.RatePerMinute) / 60.0
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), cfg.RatePerMinute)
	}
	return c
}

// Start begins accepting submissions and launches the gauge updater.
func (c *Controller) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	if c.cfg.Workers > 0 {
		c.workQueue = make(chan item, c.cfg.QueueCapacity)
		for i := 0; i < c.cfg.Workers; i++ {
			c.wg.Add(1)
			go c.worker()
		}
	}
	c.gaugeWg.Add(1)
	go c.runGaugeUpdater()

	c.logger.Info("Starting concurrency controller",
		"concurrency", c.cfg.Concurrency,
		"workers", c.cfg.Workers,
		"ratePerMinute", c.cfg.RatePerMinute)
}

// Submit schedules msg's run function. Grouped messages join their
// group's FIFO queue; ungrouped messages run in parallel. Submit blocks
// while the target queue is full and fails only when ctx ends first or
// the controller is stopped.
func (c *Controller) Submit(ctx context.Context, msg *batch.Message, run func(ctx context.Context)) error {
	if !c.running.Load() {
		return ErrStopped
	}
	it := item{ctx: ctx, msg: msg, run: run}

	if msg.GroupID == "" {
		if c.workQueue != nil {
			select {
			case c.workQueue <- it:
				c.totalQueued.Add(1)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-c.ctx.Done():
				return ErrStopped
			}
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.execute(it)
		}()
		return nil
	}

	queue := c.groupQueue(msg.GroupID)
	select {
	case queue <- it:
		c.totalQueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrStopped
	}
}

func (c *Controller) groupQueue(groupID string) chan item {
	queueIface, loaded := c.groupQueues.LoadOrStore(groupID, make(chan item, c.cfg.QueueCapacity))
	queue := queueIface.(chan item)
	if !loaded {
		c.startGroupGoroutine(groupID, queue)
		c.logger.Debug("Created message group queue", "group", groupID)
		return queue
	}
	// Restart the group goroutine if it idled out between lookups.
	if _, active := c.activeGroups.Load(groupID); !active {
		c.startGroupGoroutine(groupID, queue)
	}
	return queue
}

func (c *Controller) startGroupGoroutine(groupID string, queue chan item) {
	c.activeGroups.Store(groupID, true)
	c.wg.Add(1)
	go c.processGroup(groupID, queue)
}

// processGroup runs a group's messages one at a time in arrival order.
func (c *Controller) processGroup(groupID string, queue chan item) {
	defer c.wg.Done()
	defer c.activeGroups.Delete(groupID)

	timer := time.NewTimer(c.cfg.GroupIdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.drainQueue(queue)
			return

		case it := <-queue:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.GroupIdleTimeout)

			c.totalQueued.Add(-1)
			c.execute(it)

		case <-timer.C:
			if len(queue) == 0 {
				c.logger.Debug("Message group idle, cleaning up", "group", groupID)
				c.groupQueues.Delete(groupID)
				return
			}
			timer.Reset(c.cfg.GroupIdleTimeout)
		}
	}
}

func (c *Controller) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			c.drainQueue(c.workQueue)
			return
		case it := <-c.workQueue:
			c.totalQueued.Add(-1)
			c.execute(it)
		}
	}
}

// drainQueue hands remaining items their run call during shutdown so the
// exactly-once contract holds. Their contexts are typically done already.
func (c *Controller) drainQueue(queue chan item) {
	for {
		select {
		case it := <-queue:
			c.totalQueued.Add(-1)
			c.invoke(it)
		default:
			return
		}
	}
}

// execute runs one message: rate limit, permit, run, release.
func (c *Controller) execute(it item) {
	// Shutdown or caller cancellation skips straight to the run call,
	// which observes its context.
	if c.ctx.Err() != nil || it.ctx.Err() != nil {
		c.invoke(it)
		return
	}

	if c.limiter != nil {
		if !c.limiter.Allow() {
			metrics.PoolRateLimitWaits.Inc()
			if err := c.limiter.Wait(it.ctx); err != nil {
				c.invoke(it)
				return
			}
		}
	}

	acquired := false
	select {
	case <-c.semaphore:
		acquired = true
	case <-it.ctx.Done():
	case <-c.ctx.Done():
	}
	defer func() {
		if acquired {
			c.semaphore <- struct{}{}
		}
	}()

	c.invoke(it)
}

func (c *Controller) invoke(it item) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic during message execution",
				"messageId", it.msg.ID,
				"panic", r)
		}
	}()
	it.run(it.ctx)
}

// Drain stops accepting new submissions; queued work still runs.
func (c *Controller) Drain() {
	c.logger.Info("Draining concurrency controller", "queued", c.totalQueued.Load())
	c.running.Store(false)
}

// Shutdown drains, stops all goroutines and waits for in-flight work up
// to ctx's deadline.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()

	c.running.Store(false)
	c.gaugeCancel()
	c.gaugeWg.Wait()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("Concurrency controller shutdown complete")
		return nil
	case <-ctx.Done():
		c.logger.Warn("Concurrency controller shutdown timed out")
		return ctx.Err()
	}
}

// QueueDepth returns the number of queued, not yet running messages.
func (c *Controller) QueueDepth() int {
	return int(c.totalQueued.Load())
}

// ActiveWorkers returns how many handlers hold a permit right now.
func (c *Controller) ActiveWorkers() int {
	return c.cfg.Concurrency - len(c.semaphore)
}

// GroupCount returns the number of live group queues.
func (c *Controller) GroupCount() int {
	count := 0
	c.groupQueues.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Idle reports whether nothing is queued or running.
func (c *Controller) Idle() bool {
	return c.totalQueued.Load() == 0 && len(c.semaphore) == c.cfg.Concurrency
}

func (c *Controller) runGaugeUpdater() {
	defer c.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	c.updateGauges()
	for {
		select {
		case <-c.gaugeCtx.Done():
			return
		case <-ticker.C:
			c.updateGauges()
		}
	}
}

func (c *Controller) updateGauges() {
	active := c.ActiveWorkers()
	metrics.PoolInFlight.Set(float64(active))
	metrics.PoolQueueDepth.Set(float64(c.QueueDepth()))
	metrics.PoolAvailablePermits.Set(float64(c.cfg.Concurrency - active))
	metrics.PoolGroupCount.Set(float64(c.GroupCount()))
}
