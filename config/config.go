// Package config loads pipeline configuration from TOML files and
// environment variables. Files set the base, environment variables
// override: pipeline tunables under FLOWBATCH_*, transport endpoints
// under their ecosystem names (AWS_REGION, NATS_URL, KAFKA_BROKERS).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.flowbatch.tech/idempotency"
	"go.flowbatch.tech/pool"
	"go.flowbatch.tech/retry"
	"go.flowbatch.tech/router"
	"go.flowbatch.tech/visibility"
)

// Config holds all tunables for a batch processing pipeline.
type Config struct {
	// Pool bounds concurrency and grouping.
	Pool pool.Config

	// Batcher tunes downstream write coalescing.
	Batcher pool.BatcherConfig

	// Retry is the per-message backoff policy. Only the data fields are
	// loaded; classification and clock wiring happen at build time.
	Retry retry.Policy

	// Breaker tunes the per-route circuit breakers.
	Breaker retry.BreakerConfig

	// Idempotency tunes claim keys and lifetimes.
	Idempotency idempotency.Config

	// Visibility tunes deadline tracking and auto-extension.
	Visibility visibility.Config

	// Router selects the dispatch key and unmatched-route behavior.
	Router RouterConfig

	// Queue selects and configures the transport.
	Queue QueueConfig
}

// RouterConfig holds message routing configuration.
type RouterConfig struct {
	// Key is the payload path the dispatch value is read from.
	Key string

	// Strict redelivers unmatched messages instead of dropping them.
	Strict bool

	// SkipInvalid acknowledges messages that fail payload validation
	// instead of redelivering them.
	SkipInvalid bool
}

// QueueConfig holds transport configuration.
type QueueConfig struct {
	// Type is the transport in use: "sqs", "nats" or "kafka".
	Type string

	SQS   SQSConfig
	NATS  NATSConfig
	Kafka KafkaConfig
}

// SQSConfig holds AWS SQS configuration.
type SQSConfig struct {
	QueueURL          string
	DeadLetterURL     string
	Region            string
	Endpoint          string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// NATSConfig holds NATS JetStream configuration.
type NATSConfig struct {
	URL               string
	Stream            string
	DeadLetterSubject string
}

// KafkaConfig holds Kafka configuration.
type KafkaConfig struct {
	Brokers         []string
	DeadLetterTopic string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Pool:        pool.DefaultConfig(),
		Batcher:     pool.DefaultBatcherConfig(),
		Retry:       retry.DefaultPolicy(),
		Breaker:     retry.DefaultBreakerConfig(),
		Idempotency: idempotency.DefaultConfig(),
		Visibility:  visibility.DefaultConfig(),
		Router: RouterConfig{
			Key: router.DefaultKey,
		},
		Queue: QueueConfig{
			Type: "sqs",
			SQS: SQSConfig{
				Region:            "us-east-1",
				WaitTimeSeconds:   20,
				VisibilityTimeout: 30,
			},
			NATS: NATSConfig{
				URL:    "nats://localhost:4222",
				Stream: "FLOWBATCH",
			},
		},
	}
}

// Load returns the default configuration with environment overrides
// applied.
func Load() (*Config, error) {
	return applyEnv(Default()), nil
}

// applyEnv overlays environment variables onto cfg. Unset variables
// leave the current value in place.
func applyEnv(cfg *Config) *Config {
	cfg.Pool.Concurrency = getEnvInt("FLOWBATCH_CONCURRENCY", cfg.Pool.Concurrency)
	cfg.Pool.QueueCapacity = getEnvInt("FLOWBATCH_QUEUE_CAPACITY", cfg.Pool.QueueCapacity)
	cfg.Pool.Workers = getEnvInt("FLOWBATCH_WORKERS", cfg.Pool.Workers)
	cfg.Pool.RatePerMinute = getEnvInt("FLOWBATCH_RATE_PER_MINUTE", cfg.Pool.RatePerMinute)
	cfg.Pool.GroupIdleTimeout = getEnvDuration("FLOWBATCH_GROUP_IDLE_TIMEOUT", cfg.Pool.GroupIdleTimeout)

	cfg.Batcher.MaxSize = getEnvInt("FLOWBATCH_BATCH_MAX_SIZE", cfg.Batcher.MaxSize)
	cfg.Batcher.FlushInterval = getEnvDuration("FLOWBATCH_BATCH_FLUSH_INTERVAL", cfg.Batcher.FlushInterval)

	cfg.Retry.MaxRetries = getEnvInt("FLOWBATCH_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Retry.BaseDelay = getEnvDuration("FLOWBATCH_RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = getEnvDuration("FLOWBATCH_RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	cfg.Retry.Multiplier = getEnvFloat("FLOWBATCH_RETRY_MULTIPLIER", cfg.Retry.Multiplier)
	cfg.Retry.Jitter = getEnvBool("FLOWBATCH_RETRY_JITTER", cfg.Retry.Jitter)

	cfg.Breaker.Enabled = getEnvBool("FLOWBATCH_BREAKER_ENABLED", cfg.Breaker.Enabled)
	cfg.Breaker.Threshold = getEnvUint32("FLOWBATCH_BREAKER_THRESHOLD", cfg.Breaker.Threshold)
	cfg.Breaker.Cooldown = getEnvDuration("FLOWBATCH_BREAKER_COOLDOWN", cfg.Breaker.Cooldown)
	cfg.Breaker.MaxHalfOpen = getEnvUint32("FLOWBATCH_BREAKER_MAX_HALF_OPEN", cfg.Breaker.MaxHalfOpen)

	cfg.Idempotency.ClaimTTL = getEnvDuration("FLOWBATCH_CLAIM_TTL", cfg.Idempotency.ClaimTTL)
	cfg.Idempotency.ResultTTL = getEnvDuration("FLOWBATCH_RESULT_TTL", cfg.Idempotency.ResultTTL)
	cfg.Idempotency.UseDedupID = getEnvBool("FLOWBATCH_USE_DEDUP_ID", cfg.Idempotency.UseDedupID)
	cfg.Idempotency.PayloadHashFields = getEnvSlice("FLOWBATCH_PAYLOAD_HASH_FIELDS", cfg.Idempotency.PayloadHashFields)
	cfg.Idempotency.KeyPrefix = getEnv("FLOWBATCH_KEY_PREFIX", cfg.Idempotency.KeyPrefix)
	cfg.Idempotency.FailOpen = getEnvBool("FLOWBATCH_FAIL_OPEN", cfg.Idempotency.FailOpen)

	cfg.Visibility.WarnFraction = getEnvFloat("FLOWBATCH_WARN_FRACTION", cfg.Visibility.WarnFraction)
	cfg.Visibility.AutoExtend = getEnvBool("FLOWBATCH_AUTO_EXTEND", cfg.Visibility.AutoExtend)
	cfg.Visibility.ExtendBy = getEnvDuration("FLOWBATCH_EXTEND_BY", cfg.Visibility.ExtendBy)
	cfg.Visibility.MaxExtensions = getEnvInt("FLOWBATCH_MAX_EXTENSIONS", cfg.Visibility.MaxExtensions)

	cfg.Router.Key = getEnv("FLOWBATCH_ROUTER_KEY", cfg.Router.Key)
	cfg.Router.Strict = getEnvBool("FLOWBATCH_ROUTER_STRICT", cfg.Router.Strict)
	cfg.Router.SkipInvalid = getEnvBool("FLOWBATCH_ROUTER_SKIP_INVALID", cfg.Router.SkipInvalid)

	cfg.Queue.Type = getEnv("FLOWBATCH_QUEUE_TYPE", cfg.Queue.Type)
	cfg.Queue.SQS.QueueURL = getEnv("SQS_QUEUE_URL", cfg.Queue.SQS.QueueURL)
	cfg.Queue.SQS.DeadLetterURL = getEnv("SQS_DLQ_URL", cfg.Queue.SQS.DeadLetterURL)
	cfg.Queue.SQS.Region = getEnv("AWS_REGION", cfg.Queue.SQS.Region)
	cfg.Queue.SQS.Endpoint = getEnv("AWS_ENDPOINT_URL", cfg.Queue.SQS.Endpoint)
	cfg.Queue.SQS.WaitTimeSeconds = getEnvInt("SQS_WAIT_TIME_SECONDS", cfg.Queue.SQS.WaitTimeSeconds)
	cfg.Queue.SQS.VisibilityTimeout = getEnvInt("SQS_VISIBILITY_TIMEOUT", cfg.Queue.SQS.VisibilityTimeout)
	cfg.Queue.NATS.URL = getEnv("NATS_URL", cfg.Queue.NATS.URL)
	cfg.Queue.NATS.Stream = getEnv("NATS_STREAM", cfg.Queue.NATS.Stream)
	cfg.Queue.NATS.DeadLetterSubject = getEnv("NATS_DLQ_SUBJECT", cfg.Queue.NATS.DeadLetterSubject)
	cfg.Queue.Kafka.Brokers = getEnvSlice("KAFKA_BROKERS", cfg.Queue.Kafka.Brokers)
	cfg.Queue.Kafka.DeadLetterTopic = getEnv("KAFKA_DLQ_TOPIC", cfg.Queue.Kafka.DeadLetterTopic)

	return cfg
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.ParseUint(value, 10, 32); err == nil {
			return uint32(intVal)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
