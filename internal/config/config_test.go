// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
	if cfg.Pipeline.HalfLifeDays != 30.0 {
		t.Errorf("HalfLifeDays = %v, want 30", cfg.Pipeline.HalfLifeDays)
	}
	if cfg.Pipeline.RetryMaxRetries != 5 {
		t.Errorf("RetryMaxRetries = %d, want 5", cfg.Pipeline.RetryMaxRetries)
	}
	if cfg.Pipeline.EmbedderOutagePolicy != OutagePolicyDeadLetter {
		t.Errorf("EmbedderOutagePolicy = %q", cfg.Pipeline.EmbedderOutagePolicy)
	}
	if cfg.DLQ.AlertThreshold != 100 {
		t.Errorf("DLQ.AlertThreshold = %d, want 100", cfg.DLQ.AlertThreshold)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AFFINITY_NATS_URL", "nats://broker:4222")
	t.Setenv("AFFINITY_NATS_SUBSCRIBERS", "8")
	t.Setenv("AFFINITY_PIPELINE_HALF_LIFE_DAYS", "15")
	t.Setenv("AFFINITY_PIPELINE_COALESCER_ENABLED", "true")
	t.Setenv("AFFINITY_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
	if cfg.NATS.SubscribersCount != 8 {
		t.Errorf("SubscribersCount = %d, want 8", cfg.NATS.SubscribersCount)
	}
	if cfg.Pipeline.HalfLifeDays != 15 {
		t.Errorf("HalfLifeDays = %v, want 15", cfg.Pipeline.HalfLifeDays)
	}
	if !cfg.Pipeline.CoalescerEnabled {
		t.Error("CoalescerEnabled not applied from env")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pipeline:
  half_life_days: 45
  vector_dimension: 512
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.HalfLifeDays != 45 {
		t.Errorf("HalfLifeDays = %v, want 45 from file", cfg.Pipeline.HalfLifeDays)
	}
	if cfg.Pipeline.VectorDimension != 512 {
		t.Errorf("VectorDimension = %d, want 512 from file", cfg.Pipeline.VectorDimension)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090 from file", cfg.Server.Port)
	}
	// Untouched sections keep their defaults.
	if cfg.NATS.DurableName != "interest-worker" {
		t.Errorf("DurableName = %q, want default", cfg.NATS.DurableName)
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("AFFINITY_SERVER_PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, env must beat file", cfg.Server.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*Config)
		fragment string
	}{
		{"MissingNATSURL", func(c *Config) { c.NATS.URL = "" }, "nats.url"},
		{"ZeroSubscribers", func(c *Config) { c.NATS.SubscribersCount = 0 }, "nats.subscribers"},
		{"NegativeHalfLife", func(c *Config) { c.Pipeline.HalfLifeDays = -1 }, "half_life_days"},
		{"ZeroDimension", func(c *Config) { c.Pipeline.VectorDimension = 0 }, "vector_dimension"},
		{"BackoffInversion", func(c *Config) {
			c.Pipeline.RetryInitialInterval = time.Minute
			c.Pipeline.RetryMaxInterval = time.Second
		}, "retry_max_interval"},
		{"UnknownOutagePolicy", func(c *Config) { c.Pipeline.EmbedderOutagePolicy = "ignore" }, "embedder_outage_policy"},
		{"MissingEmbeddingURL", func(c *Config) { c.Embedding.BaseURL = "" }, "embedding.base_url"},
		{"BadPort", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"NegativeRateLimit", func(c *Config) { c.Server.RateLimitRequests = -1 }, "server.rate_limit_requests"},
		{"RateLimitWithoutWindow", func(c *Config) { c.Server.RateLimitWindow = 0 }, "server.rate_limit_window"},
		{"BadLogLevel", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"MissingStorePath", func(c *Config) {
			c.Store.InMemory = false
			c.Store.Path = ""
		}, "store.path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a bad config")
			}
			if !strings.Contains(err.Error(), tc.fragment) {
				t.Errorf("error %q does not name %q", err, tc.fragment)
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestEnvTransform(t *testing.T) {
	cases := map[string]string{
		"AFFINITY_NATS_URL":                    "nats.url",
		"AFFINITY_PIPELINE_HALF_LIFE_DAYS":     "pipeline.half_life_days",
		"AFFINITY_DLQ_ALERT_THRESHOLD":         "dlq.alert_threshold",
		"AFFINITY_EMBEDDING_RATE_PER_SECOND":   "embedding.rate_per_second",
		"AFFINITY_STORE_GC_INTERVAL":           "store.gc_interval",
		"AFFINITY_BOGUS_KEY":                   "",
		"AFFINITY_PIPELINE_COALESCER_ENABLED":  "pipeline.coalescer_enabled",
		"AFFINITY_SERVER_PORT":                 "server.port",
		"AFFINITY_NATS_STREAM_RETENTION_DAYS":  "nats.stream_retention_days",
		"AFFINITY_CATALOG_FAILURE_THRESHOLD":   "catalog.failure_threshold",
		"AFFINITY_LOGGING_FORMAT":              "logging.format",
		"AFFINITY_PIPELINE_POISON_QUEUE_TOPIC": "pipeline.poison_queue_topic",
	}
	for in, want := range cases {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}
