// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for values that would make the
// daemon misbehave at runtime. It is called by Load after all sources
// are merged.
func (c *Config) Validate() error {
	var errs []string

	if c.NATS.URL == "" {
		errs = append(errs, "nats.url is required")
	}
	if c.NATS.SubscribersCount < 1 {
		errs = append(errs, "nats.subscribers must be at least 1")
	}
	if c.NATS.StreamRetentionDays < 1 {
		errs = append(errs, "nats.stream_retention_days must be at least 1")
	}
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		errs = append(errs, "nats.store_dir is required for the embedded server")
	}

	if !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, "store.path is required unless store.in_memory is set")
	}

	if c.Pipeline.HalfLifeDays <= 0 {
		errs = append(errs, "pipeline.half_life_days must be positive")
	}
	if c.Pipeline.VectorDimension < 1 {
		errs = append(errs, "pipeline.vector_dimension must be at least 1")
	}
	if c.Pipeline.RetryMaxRetries < 0 {
		errs = append(errs, "pipeline.retry_max_retries must not be negative")
	}
	if c.Pipeline.RetryInitialInterval <= 0 {
		errs = append(errs, "pipeline.retry_initial_interval must be positive")
	}
	if c.Pipeline.RetryMaxInterval < c.Pipeline.RetryInitialInterval {
		errs = append(errs, "pipeline.retry_max_interval must not be below the initial interval")
	}
	if c.Pipeline.CoalescerEnabled {
		if c.Pipeline.CoalescerWindow <= 0 {
			errs = append(errs, "pipeline.coalescer_window must be positive when coalescing is enabled")
		}
		if c.Pipeline.CoalescerMaxBatch < 1 {
			errs = append(errs, "pipeline.coalescer_max_batch must be at least 1")
		}
	}
	if c.Pipeline.PoisonQueueTopic == "" {
		errs = append(errs, "pipeline.poison_queue_topic is required")
	}
	switch c.Pipeline.EmbedderOutagePolicy {
	case OutagePolicyDeadLetter, OutagePolicyPark:
	default:
		errs = append(errs, fmt.Sprintf(
			"pipeline.embedder_outage_policy must be %q or %q",
			OutagePolicyDeadLetter, OutagePolicyPark))
	}

	if c.Embedding.BaseURL == "" {
		errs = append(errs, "embedding.base_url is required")
	}
	if c.Catalog.BaseURL == "" {
		errs = append(errs, "catalog.base_url is required")
	}

	if c.DLQ.MaxEntries < 1 {
		errs = append(errs, "dlq.max_entries must be at least 1")
	}
	if c.DLQ.RetentionTime <= 0 {
		errs = append(errs, "dlq.retention_time must be positive")
	}
	if c.DLQ.AlertThreshold < 0 {
		errs = append(errs, "dlq.alert_threshold must not be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if c.Server.RateLimitRequests < 0 {
		errs = append(errs, "server.rate_limit_requests must not be negative")
	}
	if c.Server.RateLimitRequests > 0 && c.Server.RateLimitWindow <= 0 {
		errs = append(errs, "server.rate_limit_window must be positive when rate limiting is enabled")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of trace, debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, "logging.format must be json or console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
