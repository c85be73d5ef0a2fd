// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package metrics defines the Prometheus instrumentation for the pipeline.
//
// The pipeline's externally visible health is entirely indirect (freshness of
// recommendation quality), so the operational surface required here is broad:
// queue depth, dead-letter depth, per-stage latency, and success/failure
// counters for every stage of the worker state machine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage label values for per-stage instrumentation.
const (
	StageDeduplicate = "deduplicate"
	StageResolve     = "resolve"
	StageAggregate   = "aggregate"
	StagePersist     = "persist"
)

var (
	// Consumer metrics
	EventsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_events_consumed_total",
			Help: "Total number of event messages consumed from the broker",
		},
	)

	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_events_processed_total",
			Help: "Total number of events fully applied to a profile",
		},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_events_deduplicated_total",
			Help: "Total number of redeliveries short-circuited by the idempotency check",
		},
	)

	EventsParseFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_events_parse_failed_total",
			Help: "Total number of messages that failed to deserialize or validate",
		},
	)

	EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_events_discarded_total",
			Help: "Total number of events acknowledged without effect, by reason",
		},
		[]string{"reason"}, // "permanent", "stale", "parse"
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "affinity_processing_duration_seconds",
			Help:    "End-to-end duration of event processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "affinity_stage_duration_seconds",
			Help:    "Duration of each worker stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Publisher metrics
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_events_published_total",
			Help: "Total number of event messages published to the broker",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_publish_failures_total",
			Help: "Total number of failed publish attempts",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affinity_queue_depth",
			Help: "Number of messages pending in the interest event stream",
		},
	)

	ConsumerLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affinity_consumer_lag",
			Help: "Number of unacknowledged messages on the durable consumer",
		},
	)

	// Profile store metrics
	StoreUpserts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_store_upserts_total",
			Help: "Total number of accepted profile upserts",
		},
	)

	StoreConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_store_conflicts_total",
			Help: "Total number of upserts rejected by the monotonic timestamp guard",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_store_errors_total",
			Help: "Total number of profile store failures, by kind",
		},
		[]string{"kind"}, // "transient", "validation"
	)

	// Coalescer metrics
	CoalescerFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "affinity_coalescer_flush_duration_seconds",
			Help:    "Duration of coalescer flush operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CoalescerBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "affinity_coalescer_batch_size",
			Help:    "Number of events merged per user per flush",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	// Dead-letter metrics
	DLQEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affinity_dlq_entries",
			Help: "Current number of records in the dead-letter index",
		},
	)

	DLQEntriesByCategory = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "affinity_dlq_entries_by_category",
			Help: "Current number of dead-letter records by error category",
		},
		[]string{"category"},
	)

	DLQAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_dlq_added_total",
			Help: "Total number of events routed to the dead-letter channel",
		},
	)

	DLQExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_dlq_expired_total",
			Help: "Total number of dead-letter records dropped by retention",
		},
	)

	DLQOldestAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affinity_dlq_oldest_entry_age_seconds",
			Help: "Age of the oldest dead-letter record in seconds",
		},
	)

	DLQAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_dlq_depth_alerts_total",
			Help: "Total number of dead-letter depth threshold alerts emitted",
		},
	)

	// Collaborator metrics
	EmbedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_embed_requests_total",
			Help: "Total number of embedding collaborator calls, by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "timeout"
	)

	EmbedDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "affinity_embed_duration_seconds",
			Help:    "Duration of embedding collaborator calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProductVectorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_product_vector_requests_total",
			Help: "Total number of product vector lookups, by outcome",
		},
		[]string{"outcome"}, // "ok", "not_found", "error"
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "affinity_circuit_breaker_open",
			Help: "Whether the named circuit breaker is open (1) or closed (0)",
		},
		[]string{"name"},
	)

	// HTTP API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "affinity_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affinity_http_active_requests",
			Help: "Number of HTTP API requests currently in flight",
		},
	)
)

// RecordConsume increments the consumed counter.
func RecordConsume() {
	EventsConsumed.Inc()
}

// RecordProcessed increments the processed counter and observes the
// end-to-end processing duration.
func RecordProcessed(d time.Duration) {
	EventsProcessed.Inc()
	ProcessingDuration.Observe(d.Seconds())
}

// RecordStage observes the duration of a single worker stage.
func RecordStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordDeduplicated increments the duplicate fast-path counter.
func RecordDeduplicated() {
	EventsDeduplicated.Inc()
}

// RecordDiscarded increments the acknowledged-without-effect counter.
func RecordDiscarded(reason string) {
	EventsDiscarded.WithLabelValues(reason).Inc()
}

// RecordPublish records a publish attempt outcome.
func RecordPublish(err error) {
	if err != nil {
		PublishFailures.Inc()
		return
	}
	EventsPublished.Inc()
}

// RecordUpsert records a profile store upsert outcome.
func RecordUpsert(conflict bool) {
	if conflict {
		StoreConflicts.Inc()
		return
	}
	StoreUpserts.Inc()
}

// RecordCoalescerFlush records a coalescer flush for one user bucket.
func RecordCoalescerFlush(events int, d time.Duration) {
	CoalescerBatchSize.Observe(float64(events))
	CoalescerFlushDuration.Observe(d.Seconds())
}

// RecordDLQEntry records a new dead-letter record.
func RecordDLQEntry(category string) {
	DLQAdded.Inc()
}

// UpdateDLQGauges updates dead-letter gauges from a stats snapshot.
func UpdateDLQGauges(total int64, oldestAge float64, byCategory map[string]int64) {
	DLQEntries.Set(float64(total))
	DLQOldestAge.Set(oldestAge)
	for category, count := range byCategory {
		DLQEntriesByCategory.WithLabelValues(category).Set(float64(count))
	}
}

// RecordBreakerState records the open/closed state of a circuit breaker.
func RecordBreakerState(name string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	BreakerState.WithLabelValues(name).Set(v)
}

// RecordHTTPRequest records one completed HTTP API request. The path
// should be a route pattern, not the raw URL, to keep cardinality bounded.
func RecordHTTPRequest(method, path, status string, d time.Duration) {
	HTTPRequests.WithLabelValues(method, path, status).Inc()
	HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// TrackActiveRequest adjusts the in-flight HTTP request gauge.
func TrackActiveRequest(start bool) {
	if start {
		HTTPActiveRequests.Inc()
	} else {
		HTTPActiveRequests.Dec()
	}
}
