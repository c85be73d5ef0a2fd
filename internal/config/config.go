// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package config

import (
	"time"
)

// Config is the root configuration for the pipeline daemon.
//
// Sources are layered with clear precedence: environment variables
// override the YAML config file, which overrides built-in defaults.
type Config struct {
	NATS      NATSConfig      `koanf:"nats"`
	Store     StoreConfig     `koanf:"store"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Catalog   CatalogConfig   `koanf:"catalog"`
	DLQ       DLQConfig       `koanf:"dlq"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// NATSConfig configures the JetStream broker connection.
type NATSConfig struct {
	// URL is the broker connection URL.
	URL string `koanf:"url"`

	// EmbeddedServer runs an in-process NATS server instead of
	// connecting to an external one.
	EmbeddedServer bool `koanf:"embedded_server"`

	// StoreDir is the JetStream storage directory for the embedded
	// server.
	StoreDir string `koanf:"store_dir"`

	// MaxMemory and MaxStore bound the embedded server's JetStream
	// usage in bytes.
	MaxMemory int64 `koanf:"max_memory"`
	MaxStore  int64 `koanf:"max_store"`

	// StreamRetentionDays is how long interest events stay on the
	// stream.
	StreamRetentionDays int `koanf:"stream_retention_days"`

	// SubscribersCount is the number of concurrent worker consumers.
	SubscribersCount int `koanf:"subscribers"`

	// DurableName and QueueGroup identify the worker consumer group.
	DurableName string `koanf:"durable_name"`
	QueueGroup  string `koanf:"queue_group"`
}

// StoreConfig configures the profile store.
type StoreConfig struct {
	// Path is the BadgerDB directory.
	Path string `koanf:"path"`

	// InMemory runs the store without persistence. Tests only.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites fsyncs every write. Slower, but an acknowledged event
	// survives a power loss rather than just a process crash.
	SyncWrites bool `koanf:"sync_writes"`

	// GCInterval is how often the value log garbage collector runs.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// PipelineConfig configures event processing behavior.
type PipelineConfig struct {
	// HalfLifeDays is the interest decay half-life.
	HalfLifeDays float64 `koanf:"half_life_days"`

	// VectorDimension is the embedding dimensionality every vector in
	// the system must match.
	VectorDimension int `koanf:"vector_dimension"`

	// MessageTimeout bounds one message's processing.
	MessageTimeout time.Duration `koanf:"message_timeout"`

	// DedupeCacheSize and DedupeTTL size the idempotency cache.
	DedupeCacheSize int           `koanf:"dedupe_cache_size"`
	DedupeTTL       time.Duration `koanf:"dedupe_ttl"`

	// CoalescerEnabled batches same-user events arriving within
	// CoalescerWindow into one store write, up to CoalescerMaxBatch.
	CoalescerEnabled  bool          `koanf:"coalescer_enabled"`
	CoalescerWindow   time.Duration `koanf:"coalescer_window"`
	CoalescerMaxBatch int           `koanf:"coalescer_max_batch"`

	// Retry policy for transient failures. RetryMaxRetries is the
	// total attempt budget per message.
	RetryMaxRetries      int           `koanf:"retry_max_retries"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`

	// ThrottlePerSecond caps handler throughput. Zero means unlimited.
	ThrottlePerSecond int64 `koanf:"throttle_per_second"`

	// PoisonQueueTopic receives messages that exhausted their retries.
	PoisonQueueTopic string `koanf:"poison_queue_topic"`

	// EmbedderOutagePolicy decides what happens to search events when
	// the embedding service is down past the retry budget:
	// "dead_letter" sends them to the dead-letter stream like any other
	// exhausted message; "park" leaves them unacknowledged for broker
	// redelivery, trading queue depth for eventual processing.
	EmbedderOutagePolicy string `koanf:"embedder_outage_policy"`
}

// EmbeddingConfig configures the text embedding service client.
type EmbeddingConfig struct {
	BaseURL          string        `koanf:"base_url"`
	APIKey           string        `koanf:"api_key"`
	Timeout          time.Duration `koanf:"timeout"`
	RatePerSecond    float64       `koanf:"rate_per_second"`
	Burst            int           `koanf:"burst"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

// CatalogConfig configures the product vector service client.
type CatalogConfig struct {
	BaseURL          string        `koanf:"base_url"`
	APIKey           string        `koanf:"api_key"`
	Timeout          time.Duration `koanf:"timeout"`
	RatePerSecond    float64       `koanf:"rate_per_second"`
	Burst            int           `koanf:"burst"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

// DLQConfig configures the dead-letter index and alerting.
type DLQConfig struct {
	// MaxEntries caps the in-memory index; the oldest record is evicted
	// at capacity. The durable stream retains the full backlog.
	MaxEntries int `koanf:"max_entries"`

	// RetentionTime is how long records stay indexed.
	RetentionTime time.Duration `koanf:"retention_time"`

	// AlertThreshold fires the depth alert when the index reaches this
	// many records. Zero disables the alert.
	AlertThreshold int `koanf:"alert_threshold"`

	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSAllowedOrigins is empty by default; cross-origin access to
	// the operator API must be opted into.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// RateLimitRequests per RateLimitWindow per client IP. Zero
	// disables rate limiting.
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`

	// Caller adds file:line to every entry.
	Caller bool `koanf:"caller"`
}

// EmbedderOutagePolicy values.
const (
	OutagePolicyDeadLetter = "dead_letter"
	OutagePolicyPark       = "park"
)

// defaultConfig returns a Config with production defaults. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:                 "nats://127.0.0.1:4222",
			EmbeddedServer:      true,
			StoreDir:            "/data/affinity/jetstream",
			MaxMemory:           1 << 30,
			MaxStore:            10 << 30,
			StreamRetentionDays: 7,
			SubscribersCount:    4,
			DurableName:         "interest-worker",
			QueueGroup:          "workers",
		},
		Store: StoreConfig{
			Path:       "/data/affinity/profiles",
			InMemory:   false,
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			HalfLifeDays:         30.0,
			VectorDimension:      384,
			MessageTimeout:       25 * time.Second,
			DedupeCacheSize:      10000,
			DedupeTTL:            10 * time.Minute,
			CoalescerEnabled:     false,
			CoalescerWindow:      5 * time.Second,
			CoalescerMaxBatch:    64,
			RetryMaxRetries:      5,
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     time.Minute,
			ThrottlePerSecond:    0,
			PoisonQueueTopic:     "dlq.interest",
			EmbedderOutagePolicy: OutagePolicyDeadLetter,
		},
		Embedding: EmbeddingConfig{
			BaseURL:          "http://127.0.0.1:8091",
			Timeout:          10 * time.Second,
			RatePerSecond:    50,
			Burst:            10,
			FailureThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Catalog: CatalogConfig{
			BaseURL:          "http://127.0.0.1:8092",
			Timeout:          10 * time.Second,
			RatePerSecond:    200,
			Burst:            50,
			FailureThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		DLQ: DLQConfig{
			MaxEntries:      10000,
			RetentionTime:   7 * 24 * time.Hour,
			AlertThreshold:  100,
			CleanupInterval: time.Hour,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			Timeout:           30 * time.Second,
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
