package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics

	// PipelineMessagesProcessed tracks messages by final outcome
	PipelineMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "pipeline",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by final outcome",
		},
		[]string{"outcome"},
	)

	// PipelineProcessingDuration tracks end-to-end message duration
	PipelineProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowbatch",
			Subsystem: "pipeline",
			Name:      "processing_duration_seconds",
			Help:      "Time from submission to recorded outcome",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// PipelineHandlerDuration tracks per-attempt handler duration
	PipelineHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowbatch",
			Subsystem: "pipeline",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time per attempt",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// PipelineBatchSize tracks submitted batch sizes
	PipelineBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowbatch",
			Subsystem: "pipeline",
			Name:      "batch_size",
			Help:      "Number of messages per submitted batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	// PipelineDeadLettered tracks messages pushed to the dead-letter sink
	PipelineDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "pipeline",
			Name:      "dead_lettered_total",
			Help:      "Total messages pushed to the dead-letter sink",
		},
		[]string{"outcome"},
	)

	// Router metrics

	// RouterDispatches tracks dispatches by match kind
	RouterDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "Total dispatches by match kind",
		},
		[]string{"match"}, // match: exact, wildcard, default, none
	)

	// RouterValidationFailures tracks payload decode/validation failures
	RouterValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "router",
			Name:      "validation_failures_total",
			Help:      "Total payload decode or validation failures",
		},
		[]string{"route"},
	)

	// Pool metrics

	// PoolInFlight tracks currently executing handlers
	PoolInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowbatch",
			Subsystem: "pool",
			Name:      "in_flight",
			Help:      "Number of handlers currently executing",
		},
	)

	// PoolQueueDepth tracks queued-but-not-started work
	PoolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowbatch",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of tasks queued and waiting for a slot",
		},
	)

	// PoolAvailablePermits tracks free concurrency permits
	PoolAvailablePermits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowbatch",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Available concurrency permits",
		},
	)

	// PoolGroupCount tracks active message groups
	PoolGroupCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowbatch",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of active message groups",
		},
	)

	// PoolRateLimitWaits tracks submissions delayed by the rate limiter
	PoolRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "pool",
			Name:      "rate_limit_waits_total",
			Help:      "Total tasks delayed by the rate limiter",
		},
	)

	// PoolBatchFlushes tracks batcher flushes by trigger
	PoolBatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "pool",
			Name:      "batch_flushes_total",
			Help:      "Total batcher flushes by trigger",
		},
		[]string{"trigger"}, // trigger: size, interval, close
	)

	// Retry metrics

	// RetryAttempts tracks retry attempts scheduled per route
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total retry attempts scheduled",
		},
		[]string{"route"},
	)

	// BreakerState tracks circuit breaker state per route
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowbatch",
			Subsystem: "retry",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"route"},
	)

	// BreakerTrips tracks circuit breaker trip events per route
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "retry",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"route"},
	)

	// BreakerRejections tracks invocations rejected while open
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "retry",
			Name:      "circuit_breaker_rejections_total",
			Help:      "Total invocations rejected by an open circuit breaker",
		},
		[]string{"route"},
	)

	// Idempotency metrics

	// IdempotencyClaims tracks claim attempts by result
	IdempotencyClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "idempotency",
			Name:      "claims_total",
			Help:      "Total idempotency claim attempts by result",
		},
		[]string{"result"}, // result: claimed, duplicate_completed, duplicate_in_flight, error
	)

	// Visibility metrics

	// VisibilityWarnings tracks low-remaining-time warnings
	VisibilityWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "visibility",
			Name:      "warnings_total",
			Help:      "Total visibility timeout warnings emitted",
		},
	)

	// VisibilityExtensions tracks visibility extension calls by result
	VisibilityExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "visibility",
			Name:      "extensions_total",
			Help:      "Total visibility extension attempts",
		},
		[]string{"result"}, // result: ok, error
	)

	// VisibilityTracked tracks messages currently monitored
	VisibilityTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowbatch",
			Subsystem: "visibility",
			Name:      "tracked",
			Help:      "Number of in-flight messages being monitored",
		},
	)

	// Queue adapter metrics

	// QueueDeadLetterPublished tracks dead-letter publishes by transport
	QueueDeadLetterPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "queue",
			Name:      "dead_letter_published_total",
			Help:      "Total messages published to a dead-letter destination",
		},
		[]string{"transport"}, // transport: sqs, nats, kafka
	)

	// QueuePublishErrors tracks publish errors by transport
	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbatch",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total publish errors by transport",
		},
		[]string{"transport"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
