// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/affinityd/affinity/internal/cache"
	"github.com/affinityd/affinity/internal/event"
	"github.com/affinityd/affinity/internal/logging"
	"github.com/affinityd/affinity/internal/metrics"
)

// DeadLetterRecord augments a failed event with its failure history.
// Records are created only after retry exhaustion (or for permanent
// failures) and are never replayed automatically; replay is an explicit
// operator action.
type DeadLetterRecord struct {
	// Event is the original interest event, nil if the payload never
	// parsed.
	Event *event.Event `json:"event,omitempty"`

	// Payload preserves the raw message body for events that failed to
	// parse.
	Payload []byte `json:"payload,omitempty"`

	// MessageID is the broker message identifier.
	MessageID string `json:"message_id"`

	// RetryCount is the number of delivery attempts consumed.
	RetryCount int `json:"retry_count"`

	// Errors is the ordered list of failure descriptions, oldest first.
	Errors []string `json:"errors"`

	// FirstFailureAt and LastFailureAt bound the failure history.
	FirstFailureAt time.Time `json:"first_failure_at"`
	LastFailureAt  time.Time `json:"last_failure_at"`

	// WorkerID identifies the worker that last attempted the event.
	WorkerID string `json:"worker_id"`

	// Category is the classified failure category.
	Category ErrorCategory `json:"category"`
}

// DLQConfig holds configuration for the dead-letter index.
type DLQConfig struct {
	// MaxEntries bounds the in-memory index. Oldest records are
	// evicted beyond it; the durable copy stays on the DLQ stream.
	MaxEntries int

	// RetentionTime is how long to keep records before cleanup.
	RetentionTime time.Duration

	// AlertThreshold emits an alert signal when the index depth
	// crosses it. Zero disables alerting.
	AlertThreshold int
}

// DefaultDLQConfig returns production defaults.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		MaxEntries:     10000,
		RetentionTime:  7 * 24 * time.Hour,
		AlertThreshold: 100,
	}
}

// DLQStats holds runtime statistics for the dead-letter index.
type DLQStats struct {
	TotalEntries      int64
	TotalAdded        int64
	TotalRemoved      int64
	TotalExpired      int64
	OldestEntry       time.Time
	NewestEntry       time.Time
	EntriesByCategory map[ErrorCategory]int64
}

// DLQHandler indexes dead-letter records for the operator surface. The
// durable source of truth is the INTEREST_DLQ stream; this index
// exists so depth, age, and per-category counts are queryable without
// replaying the stream.
type DLQHandler struct {
	config DLQConfig

	mu      sync.RWMutex
	entries *cache.MinHeap[*DeadLetterRecord]

	totalAdded   atomic.Int64
	totalRemoved atomic.Int64
	totalExpired atomic.Int64
	alerted      atomic.Bool
}

// NewDLQHandler creates a dead-letter index.
func NewDLQHandler(cfg DLQConfig) (*DLQHandler, error) {
	if cfg.MaxEntries <= 0 {
		return nil, errors.New("max entries must be positive")
	}
	if cfg.RetentionTime <= 0 {
		return nil, errors.New("retention time must be positive")
	}

	return &DLQHandler{
		config:  cfg,
		entries: cache.NewMinHeap[*DeadLetterRecord](cfg.MaxEntries),
	}, nil
}

// Add indexes a record keyed by the event's idempotency key (or the
// message ID when the event never parsed).
func (h *DLQHandler) Add(rec *DeadLetterRecord) {
	key := rec.MessageID
	if rec.Event != nil && rec.Event.IdempotencyKey != "" {
		key = rec.Event.IdempotencyKey
	}

	h.mu.Lock()
	evicted := h.entries.Push(key, rec, rec.FirstFailureAt)
	depth := h.entries.Len()
	h.mu.Unlock()

	if evicted != nil {
		h.totalExpired.Add(1)
		metrics.DLQExpired.Inc()
	}
	h.totalAdded.Add(1)
	metrics.RecordDLQEntry(rec.Category.String())

	h.checkAlert(depth)
}

// checkAlert fires once each time the depth crosses the threshold, and
// rearms when it falls back under.
func (h *DLQHandler) checkAlert(depth int) {
	if h.config.AlertThreshold <= 0 {
		return
	}
	if depth >= h.config.AlertThreshold {
		if h.alerted.CompareAndSwap(false, true) {
			metrics.DLQAlerts.Inc()
			logging.Error().
				Int("depth", depth).
				Int("threshold", h.config.AlertThreshold).
				Msg("Dead-letter depth exceeded threshold")
		}
	} else {
		h.alerted.Store(false)
	}
}

// Get retrieves a record by key. Returns nil if not found.
func (h *DLQHandler) Get(key string) *DeadLetterRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry := h.entries.Get(key)
	if entry == nil {
		return nil
	}
	return entry.Value
}

// Remove drops a record, typically after an operator replays or
// discards it. Returns true if the record existed.
func (h *DLQHandler) Remove(key string) bool {
	h.mu.Lock()
	removed := h.entries.Remove(key)
	h.mu.Unlock()

	if removed != nil {
		h.totalRemoved.Add(1)
		return true
	}
	return false
}

// List returns all indexed records, oldest first failure first.
func (h *DLQHandler) List() []*DeadLetterRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.entries.All()
	records := make([]*DeadLetterRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, entry.Value)
	}
	return records
}

// Cleanup removes records older than the retention time. Returns the
// number removed.
func (h *DLQHandler) Cleanup() int {
	cutoff := time.Now().Add(-h.config.RetentionTime)

	h.mu.Lock()
	removed := h.entries.PopBefore(cutoff)
	h.mu.Unlock()

	for range removed {
		h.totalExpired.Add(1)
		metrics.DLQExpired.Inc()
	}
	return len(removed)
}

// Stats returns current statistics and refreshes the gauges.
func (h *DLQHandler) Stats() DLQStats {
	h.mu.RLock()
	entries := h.entries.All()
	total := int64(h.entries.Len())
	h.mu.RUnlock()

	stats := DLQStats{
		TotalEntries:      total,
		TotalAdded:        h.totalAdded.Load(),
		TotalRemoved:      h.totalRemoved.Load(),
		TotalExpired:      h.totalExpired.Load(),
		EntriesByCategory: make(map[ErrorCategory]int64),
	}

	for _, entry := range entries {
		rec := entry.Value
		stats.EntriesByCategory[rec.Category]++

		if stats.OldestEntry.IsZero() || rec.FirstFailureAt.Before(stats.OldestEntry) {
			stats.OldestEntry = rec.FirstFailureAt
		}
		if stats.NewestEntry.IsZero() || rec.FirstFailureAt.After(stats.NewestEntry) {
			stats.NewestEntry = rec.FirstFailureAt
		}
	}

	oldestAge := float64(0)
	if !stats.OldestEntry.IsZero() {
		oldestAge = time.Since(stats.OldestEntry).Seconds()
	}
	byCategory := make(map[string]int64)
	for cat, count := range stats.EntriesByCategory {
		byCategory[cat.String()] = count
	}
	metrics.UpdateDLQGauges(stats.TotalEntries, oldestAge, byCategory)

	return stats
}

// RetryPolicy defines backoff behavior for failed deliveries: up to
// MaxRetries attempts with exponential backoff, multiplier applied per
// attempt, capped at MaxBackoff, with symmetric random jitter.
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64

	rng   *rand.Rand
	rngMu sync.Mutex
}

// DefaultRetryPolicy returns production defaults: 5 attempts, 1s base,
// doubling, capped at one minute.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicyWithSeed(0)
}

// NewRetryPolicyWithSeed creates a RetryPolicy with a specific random
// seed. Seed zero uses a time-based seed; non-zero seeds give
// deterministic jitter for tests.
func NewRetryPolicyWithSeed(seed int64) *RetryPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RetryPolicy{
		MaxRetries:        5,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		//nolint:gosec // non-cryptographic jitter
		rng: rand.New(rand.NewSource(seed)),
	}
}

// CalculateBackoff returns the delay before the given retry attempt.
func (p *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(retryCount))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	p.rngMu.Lock()
	jitter := backoff * p.JitterFraction * (p.rng.Float64()*2 - 1)
	p.rngMu.Unlock()

	return time.Duration(backoff + jitter)
}

// ShouldRetry determines whether an error merits another attempt.
func (p *RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	return !IsPermanentError(err)
}

// RunCleanupLoop sweeps expired records until the stop channel closes.
func (h *DLQHandler) RunCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := h.Cleanup(); n > 0 {
				logging.Info().Int("removed", n).Msg("Dead-letter retention sweep")
			}
			h.Stats()
		}
	}
}
