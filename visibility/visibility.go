// Package visibility watches how long messages spend in their handlers
// relative to the queue's visibility deadline. A message still processing
// near its deadline gets a warning and, when an Extender is configured,
// its deadline pushed out before the queue redelivers it to another
// worker.
//
// The monitor observes only. It never cancels or blocks a handler.
package visibility

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.flowbatch.tech/batch"
	"go.flowbatch.tech/clock"
	"go.flowbatch.tech/internal/metrics"
)

// Visibility windows shared with the queue transports.
const (
	// DefaultWindow is assumed when the transport does not report the
	// message's visibility timeout.
	DefaultWindow = 30 * time.Second

	// FastFailWindow is the short re-visibility used when a message is
	// bounced for congestion rather than failure.
	FastFailWindow = 10 * time.Second

	// MaxWindow is the longest visibility a transport allows. SQS caps
	// at 12 hours.
	MaxWindow = 12 * time.Hour
)

// Extender makes a message invisible for another extendBy from now,
// typically by calling the queue's change-visibility API. Both SQS and
// JetStream reset the window relative to the call, so the monitor models
// extensions the same way.
type Extender interface {
	Extend(ctx context.Context, msg *batch.Message, extendBy time.Duration) error
}

// Config tunes the monitor.
type Config struct {
	// WarnFraction triggers the warning when the remaining time drops
	// below this fraction of the full visibility window.
	WarnFraction float64
	// AutoExtend extends the deadline at the warning point instead of
	// only logging.
	AutoExtend bool
	// ExtendBy is how far each extension pushes the deadline.
	ExtendBy time.Duration
	// MaxExtensions bounds extensions per message so a wedged handler
	// cannot hold a message invisible forever.
	MaxExtensions int
	// StatsWindow is how many recent processing durations feed Stats.
	StatsWindow int
}

// DefaultConfig returns the monitor settings used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		WarnFraction:  0.2,
		ExtendBy:      30 * time.Second,
		MaxExtensions: 3,
		StatsWindow:   1024,
	}
}

// Stats summarizes what the monitor has seen.
type Stats struct {
	// Tracked is the number of messages currently being watched.
	Tracked int
	// Completed counts messages whose tracking was stopped.
	Completed int64
	// Warnings counts deadline warnings issued.
	Warnings int64
	// Avg, Max and P95 describe processing durations over the stats
	// window.
	Avg time.Duration
	Max time.Duration
	P95 time.Duration
}

// Monitor tracks in-flight messages against their visibility deadlines.
type Monitor struct {
	cfg     Config
	ext     Extender
	clk     clock.Clock
	logger  *slog.Logger
	journal *Journal

	warnings  atomic.Int64
	completed atomic.Int64

	mu        sync.Mutex
	tracked   int
	durations []time.Duration
	next      int
	filled    bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithExtender enables deadline extension through ext.
func WithExtender(ext Extender) Option {
	return func(m *Monitor) { m.ext = ext }
}

// WithLogger substitutes the monitor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) { m.clk = clk }
}

// WithJournal records warnings in journal as well as the log.
func WithJournal(journal *Journal) Option {
	return func(m *Monitor) { m.journal = journal }
}

// NewMonitor builds a Monitor. Zero config fields fall back to
// DefaultConfig values.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.WarnFraction <= 0 || cfg.WarnFraction >= 1 {
		cfg.WarnFraction = def.WarnFraction
	}
	if cfg.ExtendBy <= 0 {
		cfg.ExtendBy = def.ExtendBy
	}
	if cfg.MaxExtensions < 0 {
		cfg.MaxExtensions = 0
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = def.StatsWindow
	}
	m := &Monitor{
		cfg:       cfg,
		clk:       clock.System(),
		logger:    slog.Default(),
		durations: make([]time.Duration, cfg.StatsWindow),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track starts watching msg against deadline and returns a stop function.
// Call stop when the handler finishes, success or not; it is safe to call
// more than once. Tracking never delays the handler itself.
func (m *Monitor) Track(ctx context.Context, msg *batch.Message, deadline time.Time) (stop func()) {
	start := m.clk.Now()

	m.mu.Lock()
	m.tracked++
	m.mu.Unlock()
	metrics.VisibilityTracked.Inc()

	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(done)
			m.observe(m.clk.Since(start))
		})
	}

	go m.watch(ctx, msg, start, deadline, done)
	return stop
}

func (m *Monitor) watch(ctx context.Context, msg *batch.Message, start, deadline time.Time, done <-chan struct{}) {
	extensions := 0
	windowStart := start
	for {
		total := deadline.Sub(windowStart)
		warnAt := deadline.Add(-time.Duration(float64(total) * m.cfg.WarnFraction))
		wait := warnAt.Sub(m.clk.Now())
		if wait < 0 {
			wait = 0
		}

		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-m.clk.After(wait):
		}

		remaining := deadline.Sub(m.clk.Now())
		m.warn(msg, remaining, extensions)

		if !m.cfg.AutoExtend || m.ext == nil || extensions >= m.cfg.MaxExtensions {
			return
		}
		if err := m.ext.Extend(ctx, msg, m.cfg.ExtendBy); err != nil {
			metrics.VisibilityExtensions.WithLabelValues("error").Inc()
			m.logger.Error("Failed to extend message visibility",
				"messageId", msg.ID, "error", err)
			return
		}
		metrics.VisibilityExtensions.WithLabelValues("ok").Inc()
		extensions++
		// The queue's window restarts at the call, not at the old
		// deadline.
		windowStart = m.clk.Now()
		deadline = windowStart.Add(m.cfg.ExtendBy)
		m.logger.Info("Extended message visibility",
			"messageId", msg.ID,
			"extendBy", m.cfg.ExtendBy,
			"extensions", extensions)
	}
}

func (m *Monitor) warn(msg *batch.Message, remaining time.Duration, extensions int) {
	m.warnings.Add(1)
	metrics.VisibilityWarnings.Inc()
	m.logger.Warn("Message approaching visibility timeout",
		"messageId", msg.ID,
		"remaining", remaining,
		"extensions", extensions)
	if m.journal != nil {
		m.journal.Add(CategoryVisibility, SeverityWarning,
			fmt.Sprintf("message %s approaching visibility timeout, %s remaining", msg.ID, remaining),
			"visibility-monitor")
	}
}

func (m *Monitor) observe(d time.Duration) {
	m.completed.Add(1)
	metrics.VisibilityTracked.Dec()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked--
	m.durations[m.next] = d
	m.next++
	if m.next == len(m.durations) {
		m.next = 0
		m.filled = true
	}
}

// Stats returns processing statistics over the recent window.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	n := m.next
	if m.filled {
		n = len(m.durations)
	}
	window := make([]time.Duration, n)
	copy(window, m.durations[:n])
	tracked := m.tracked
	m.mu.Unlock()

	st := Stats{
		Tracked:   tracked,
		Completed: m.completed.Load(),
		Warnings:  m.warnings.Load(),
	}
	if n == 0 {
		return st
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	st.Avg = sum / time.Duration(n)
	st.Max = window[n-1]
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	st.P95 = window[idx]
	return st
}
