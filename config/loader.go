package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig is the file-level configuration shape. Durations are
// strings in time.ParseDuration syntax.
type TOMLConfig struct {
	Pool        TOMLPoolConfig        `toml:"pool"`
	Batcher     TOMLBatcherConfig     `toml:"batcher"`
	Retry       TOMLRetryConfig       `toml:"retry"`
	Breaker     TOMLBreakerConfig     `toml:"breaker"`
	Idempotency TOMLIdempotencyConfig `toml:"idempotency"`
	Visibility  TOMLVisibilityConfig  `toml:"visibility"`
	Router      TOMLRouterConfig      `toml:"router"`
	Queue       TOMLQueueConfig       `toml:"queue"`
}

// TOMLPoolConfig represents concurrency configuration in TOML.
type TOMLPoolConfig struct {
	Concurrency      int    `toml:"concurrency"`
	QueueCapacity    int    `toml:"queue_capacity"`
	Workers          int    `toml:"workers"`
	RatePerMinute    int    `toml:"rate_per_minute"`
	GroupIdleTimeout string `toml:"group_idle_timeout"`
}

// TOMLBatcherConfig represents write-coalescing configuration in TOML.
type TOMLBatcherConfig struct {
	MaxSize       int    `toml:"max_size"`
	FlushInterval string `toml:"flush_interval"`
}

// TOMLRetryConfig represents backoff configuration in TOML.
type TOMLRetryConfig struct {
	MaxRetries int     `toml:"max_retries"`
	BaseDelay  string  `toml:"base_delay"`
	MaxDelay   string  `toml:"max_delay"`
	Multiplier float64 `toml:"multiplier"`
	Jitter     bool    `toml:"jitter"`
}

// TOMLBreakerConfig represents circuit breaker configuration in TOML.
type TOMLBreakerConfig struct {
	Enabled     bool   `toml:"enabled"`
	Threshold   uint32 `toml:"threshold"`
	Cooldown    string `toml:"cooldown"`
	MaxHalfOpen uint32 `toml:"max_half_open"`
}

// TOMLIdempotencyConfig represents deduplication configuration in TOML.
type TOMLIdempotencyConfig struct {
	ClaimTTL          string   `toml:"claim_ttl"`
	ResultTTL         string   `toml:"result_ttl"`
	UseDedupID        bool     `toml:"use_dedup_id"`
	PayloadHashFields []string `toml:"payload_hash_fields"`
	KeyPrefix         string   `toml:"key_prefix"`
	FailOpen          bool     `toml:"fail_open"`
}

// TOMLVisibilityConfig represents deadline tracking configuration in
// TOML.
type TOMLVisibilityConfig struct {
	WarnFraction  float64 `toml:"warn_fraction"`
	AutoExtend    bool    `toml:"auto_extend"`
	ExtendBy      string  `toml:"extend_by"`
	MaxExtensions int     `toml:"max_extensions"`
	StatsWindow   int     `toml:"stats_window"`
}

// TOMLRouterConfig represents routing configuration in TOML.
type TOMLRouterConfig struct {
	Key         string `toml:"key"`
	Strict      bool   `toml:"strict"`
	SkipInvalid bool   `toml:"skip_invalid"`
}

// TOMLQueueConfig represents transport configuration in TOML.
type TOMLQueueConfig struct {
	Type  string          `toml:"type"`
	SQS   TOMLSQSConfig   `toml:"sqs"`
	NATS  TOMLNATSConfig  `toml:"nats"`
	Kafka TOMLKafkaConfig `toml:"kafka"`
}

// TOMLSQSConfig represents SQS configuration in TOML.
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	DeadLetterURL     string `toml:"dead_letter_url"`
	Region            string `toml:"region"`
	Endpoint          string `toml:"endpoint"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLNATSConfig represents NATS configuration in TOML.
type TOMLNATSConfig struct {
	URL               string `toml:"url"`
	Stream            string `toml:"stream"`
	DeadLetterSubject string `toml:"dead_letter_subject"`
}

// TOMLKafkaConfig represents Kafka configuration in TOML.
type TOMLKafkaConfig struct {
	Brokers         []string `toml:"brokers"`
	DeadLetterTopic string   `toml:"dead_letter_topic"`
}

// ConfigPaths lists the paths searched for a config file.
var ConfigPaths = []string{
	"config.toml",
	"flowbatch.toml",
	"./config/config.toml",
	"./config/flowbatch.toml",
	"/etc/flowbatch/config.toml",
}

// LoadFromFile loads configuration from a TOML file on top of the
// defaults. Omitted fields keep their default; booleans are applied
// only when the file sets them.
func LoadFromFile(path string) (*Config, error) {
	var tc TOMLConfig
	md, err := toml.DecodeFile(path, &tc)
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return tomlConfigToConfig(&tc, md)
}

// LoadWithFile loads configuration from a file when one exists, then
// applies environment overrides. The file comes from FLOWBATCH_CONFIG
// or the first hit in ConfigPaths.
func LoadWithFile() (*Config, error) {
	configPath := os.Getenv("FLOWBATCH_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		return Load()
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", configPath, err)
	}
	return applyEnv(cfg), nil
}

// tomlConfigToConfig overlays the decoded TOML onto the defaults.
func tomlConfigToConfig(tc *TOMLConfig, md toml.MetaData) (*Config, error) {
	cfg := Default()

	setInt(&cfg.Pool.Concurrency, tc.Pool.Concurrency)
	setInt(&cfg.Pool.QueueCapacity, tc.Pool.QueueCapacity)
	setInt(&cfg.Pool.Workers, tc.Pool.Workers)
	setInt(&cfg.Pool.RatePerMinute, tc.Pool.RatePerMinute)
	if err := setDuration(&cfg.Pool.GroupIdleTimeout, tc.Pool.GroupIdleTimeout, "pool.group_idle_timeout"); err != nil {
		return nil, err
	}

	setInt(&cfg.Batcher.MaxSize, tc.Batcher.MaxSize)
	if err := setDuration(&cfg.Batcher.FlushInterval, tc.Batcher.FlushInterval, "batcher.flush_interval"); err != nil {
		return nil, err
	}

	if md.IsDefined("retry", "max_retries") {
		cfg.Retry.MaxRetries = tc.Retry.MaxRetries
	}
	if err := setDuration(&cfg.Retry.BaseDelay, tc.Retry.BaseDelay, "retry.base_delay"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.Retry.MaxDelay, tc.Retry.MaxDelay, "retry.max_delay"); err != nil {
		return nil, err
	}
	if tc.Retry.Multiplier != 0 {
		cfg.Retry.Multiplier = tc.Retry.Multiplier
	}
	if md.IsDefined("retry", "jitter") {
		cfg.Retry.Jitter = tc.Retry.Jitter
	}

	if md.IsDefined("breaker", "enabled") {
		cfg.Breaker.Enabled = tc.Breaker.Enabled
	}
	if tc.Breaker.Threshold != 0 {
		cfg.Breaker.Threshold = tc.Breaker.Threshold
	}
	if err := setDuration(&cfg.Breaker.Cooldown, tc.Breaker.Cooldown, "breaker.cooldown"); err != nil {
		return nil, err
	}
	if tc.Breaker.MaxHalfOpen != 0 {
		cfg.Breaker.MaxHalfOpen = tc.Breaker.MaxHalfOpen
	}

	if err := setDuration(&cfg.Idempotency.ClaimTTL, tc.Idempotency.ClaimTTL, "idempotency.claim_ttl"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.Idempotency.ResultTTL, tc.Idempotency.ResultTTL, "idempotency.result_ttl"); err != nil {
		return nil, err
	}
	if md.IsDefined("idempotency", "use_dedup_id") {
		cfg.Idempotency.UseDedupID = tc.Idempotency.UseDedupID
	}
	if len(tc.Idempotency.PayloadHashFields) > 0 {
		cfg.Idempotency.PayloadHashFields = tc.Idempotency.PayloadHashFields
	}
	setString(&cfg.Idempotency.KeyPrefix, tc.Idempotency.KeyPrefix)
	if md.IsDefined("idempotency", "fail_open") {
		cfg.Idempotency.FailOpen = tc.Idempotency.FailOpen
	}

	if tc.Visibility.WarnFraction != 0 {
		cfg.Visibility.WarnFraction = tc.Visibility.WarnFraction
	}
	if md.IsDefined("visibility", "auto_extend") {
		cfg.Visibility.AutoExtend = tc.Visibility.AutoExtend
	}
	if err := setDuration(&cfg.Visibility.ExtendBy, tc.Visibility.ExtendBy, "visibility.extend_by"); err != nil {
		return nil, err
	}
	if md.IsDefined("visibility", "max_extensions") {
		cfg.Visibility.MaxExtensions = tc.Visibility.MaxExtensions
	}
	setInt(&cfg.Visibility.StatsWindow, tc.Visibility.StatsWindow)

	setString(&cfg.Router.Key, tc.Router.Key)
	if md.IsDefined("router", "strict") {
		cfg.Router.Strict = tc.Router.Strict
	}
	if md.IsDefined("router", "skip_invalid") {
		cfg.Router.SkipInvalid = tc.Router.SkipInvalid
	}

	setString(&cfg.Queue.Type, tc.Queue.Type)
	setString(&cfg.Queue.SQS.QueueURL, tc.Queue.SQS.QueueURL)
	setString(&cfg.Queue.SQS.DeadLetterURL, tc.Queue.SQS.DeadLetterURL)
	setString(&cfg.Queue.SQS.Region, tc.Queue.SQS.Region)
	setString(&cfg.Queue.SQS.Endpoint, tc.Queue.SQS.Endpoint)
	setInt(&cfg.Queue.SQS.WaitTimeSeconds, tc.Queue.SQS.WaitTimeSeconds)
	setInt(&cfg.Queue.SQS.VisibilityTimeout, tc.Queue.SQS.VisibilityTimeout)
	setString(&cfg.Queue.NATS.URL, tc.Queue.NATS.URL)
	setString(&cfg.Queue.NATS.Stream, tc.Queue.NATS.Stream)
	setString(&cfg.Queue.NATS.DeadLetterSubject, tc.Queue.NATS.DeadLetterSubject)
	if len(tc.Queue.Kafka.Brokers) > 0 {
		cfg.Queue.Kafka.Brokers = tc.Queue.Kafka.Brokers
	}
	setString(&cfg.Queue.Kafka.DeadLetterTopic, tc.Queue.Kafka.DeadLetterTopic)

	return cfg, nil
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, field string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

// WriteExampleConfig writes a commented example configuration file.
func WriteExampleConfig(path string) error {
	example := `# FlowBatch configuration
# Environment variables override these settings

[pool]
concurrency = 16
queue_capacity = 256
workers = 0              # 0 = one goroutine per untagged message
rate_per_minute = 0      # 0 = unlimited
group_idle_timeout = "5m"

[batcher]
max_size = 25
flush_interval = "200ms"

[retry]
max_retries = 3
base_delay = "1s"
max_delay = "60s"
multiplier = 2.0
jitter = true

[breaker]
enabled = true
threshold = 5
cooldown = "30s"
max_half_open = 1

[idempotency]
claim_ttl = "5m"
result_ttl = "24h"
use_dedup_id = true
payload_hash_fields = []
key_prefix = ""
fail_open = false

[visibility]
warn_fraction = 0.2
auto_extend = false
extend_by = "30s"
max_extensions = 3

[router]
key = "type"
strict = false
skip_invalid = false

[queue]
type = "sqs"  # sqs, nats, or kafka

[queue.sqs]
queue_url = ""
dead_letter_url = ""
region = "us-east-1"
endpoint = ""            # set for LocalStack
wait_time_seconds = 20
visibility_timeout = 30

[queue.nats]
url = "nats://localhost:4222"
stream = "FLOWBATCH"
dead_letter_subject = ""

[queue.kafka]
brokers = ["localhost:9092"]
dead_letter_topic = ""
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(example), 0644)
}
