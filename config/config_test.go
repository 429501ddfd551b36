package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Pool.Concurrency != 16 {
		t.Errorf("Pool.Concurrency = %d, want 16", cfg.Pool.Concurrency)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("Retry.MaxRetries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Breaker.Threshold != 5 {
		t.Errorf("Breaker.Threshold = %d, want 5", cfg.Breaker.Threshold)
	}
	if cfg.Idempotency.ClaimTTL != 5*time.Minute {
		t.Errorf("Idempotency.ClaimTTL = %v, want 5m", cfg.Idempotency.ClaimTTL)
	}
	if cfg.Visibility.WarnFraction != 0.2 {
		t.Errorf("Visibility.WarnFraction = %v, want 0.2", cfg.Visibility.WarnFraction)
	}
	if cfg.Router.Key != "type" {
		t.Errorf("Router.Key = %s, want type", cfg.Router.Key)
	}
	if cfg.Queue.Type != "sqs" {
		t.Errorf("Queue.Type = %s, want sqs", cfg.Queue.Type)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLOWBATCH_CONCURRENCY", "4")
	t.Setenv("FLOWBATCH_MAX_RETRIES", "0")
	t.Setenv("FLOWBATCH_RETRY_BASE_DELAY", "250ms")
	t.Setenv("FLOWBATCH_BREAKER_ENABLED", "false")
	t.Setenv("FLOWBATCH_PAYLOAD_HASH_FIELDS", "orderId,customerId")
	t.Setenv("FLOWBATCH_QUEUE_TYPE", "nats")
	t.Setenv("NATS_URL", "nats://broker:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pool.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Pool.Concurrency)
	}
	if cfg.Retry.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 250ms", cfg.Retry.BaseDelay)
	}
	if cfg.Breaker.Enabled {
		t.Error("Breaker.Enabled = true, want false")
	}
	if len(cfg.Idempotency.PayloadHashFields) != 2 || cfg.Idempotency.PayloadHashFields[0] != "orderId" {
		t.Errorf("PayloadHashFields = %v", cfg.Idempotency.PayloadHashFields)
	}
	if cfg.Queue.Type != "nats" {
		t.Errorf("Queue.Type = %s, want nats", cfg.Queue.Type)
	}
	if cfg.Queue.NATS.URL != "nats://broker:4222" {
		t.Errorf("NATS.URL = %s", cfg.Queue.NATS.URL)
	}
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("FLOWBATCH_CONCURRENCY", "a lot")
	t.Setenv("FLOWBATCH_CLAIM_TTL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pool.Concurrency != 16 {
		t.Errorf("Concurrency = %d, want default 16", cfg.Pool.Concurrency)
	}
	if cfg.Idempotency.ClaimTTL != 5*time.Minute {
		t.Errorf("ClaimTTL = %v, want default 5m", cfg.Idempotency.ClaimTTL)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[pool]
concurrency = 8

[retry]
max_retries = 1
base_delay = "500ms"
jitter = false

[breaker]
enabled = false

[queue]
type = "kafka"

[queue.kafka]
brokers = ["k1:9092", "k2:9092"]
dead_letter_topic = "orders.dlq"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Pool.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Pool.Concurrency)
	}
	// Fields the file omits keep their defaults.
	if cfg.Pool.QueueCapacity != 256 {
		t.Errorf("QueueCapacity = %d, want default 256", cfg.Pool.QueueCapacity)
	}
	if cfg.Retry.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 500ms", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.Jitter {
		t.Error("Jitter = true, file set false")
	}
	if cfg.Breaker.Enabled {
		t.Error("Breaker.Enabled = true, file set false")
	}
	if cfg.Breaker.Threshold != 5 {
		t.Errorf("Threshold = %d, want default 5", cfg.Breaker.Threshold)
	}
	if cfg.Queue.Type != "kafka" {
		t.Errorf("Queue.Type = %s", cfg.Queue.Type)
	}
	if len(cfg.Queue.Kafka.Brokers) != 2 {
		t.Errorf("Brokers = %v", cfg.Queue.Kafka.Brokers)
	}
	if cfg.Queue.Kafka.DeadLetterTopic != "orders.dlq" {
		t.Errorf("DeadLetterTopic = %s", cfg.Queue.Kafka.DeadLetterTopic)
	}
}

func TestLoadFromFileZeroRetriesHonored(t *testing.T) {
	path := writeConfig(t, `
[retry]
max_retries = 0

[visibility]
max_extensions = 0
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Retry.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, explicit zero must stick", cfg.Retry.MaxRetries)
	}
	if cfg.Visibility.MaxExtensions != 0 {
		t.Errorf("MaxExtensions = %d, explicit zero must stick", cfg.Visibility.MaxExtensions)
	}
}

func TestLoadFromFileBadDuration(t *testing.T) {
	path := writeConfig(t, `
[retry]
base_delay = "eventually"
`)

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadWithFileEnvWins(t *testing.T) {
	path := writeConfig(t, `
[pool]
concurrency = 8

[router]
key = "eventType"
`)
	t.Setenv("FLOWBATCH_CONFIG", path)
	t.Setenv("FLOWBATCH_CONCURRENCY", "2")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}
	if cfg.Pool.Concurrency != 2 {
		t.Errorf("Concurrency = %d, env must override file", cfg.Pool.Concurrency)
	}
	if cfg.Router.Key != "eventType" {
		t.Errorf("Router.Key = %s, file value must survive", cfg.Router.Key)
	}
}

func TestWriteExampleConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example", "config.toml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	def := Default()
	if cfg.Pool.Concurrency != def.Pool.Concurrency {
		t.Errorf("example Concurrency = %d, want default %d", cfg.Pool.Concurrency, def.Pool.Concurrency)
	}
	if cfg.Retry.MaxRetries != def.Retry.MaxRetries {
		t.Errorf("example MaxRetries = %d, want default %d", cfg.Retry.MaxRetries, def.Retry.MaxRetries)
	}
	if cfg.Breaker.Cooldown != def.Breaker.Cooldown {
		t.Errorf("example Cooldown = %v, want default %v", cfg.Breaker.Cooldown, def.Breaker.Cooldown)
	}
}
