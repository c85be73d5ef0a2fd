// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/affinityd/affinity/internal/embedding"
	"github.com/affinityd/affinity/internal/event"
	"github.com/affinityd/affinity/internal/logging"
	"github.com/affinityd/affinity/internal/metrics"
	"github.com/affinityd/affinity/internal/profile"
)

// CoalescerConfig configures the per-user batch coalescer.
type CoalescerConfig struct {
	// Enabled turns coalescing on. When disabled, events pass through
	// one at a time.
	Enabled bool

	// Window is how long a user's first buffered event waits for
	// followers before the bucket flushes. Bounded well under the 30s
	// freshness requirement.
	Window time.Duration

	// MaxBatch flushes a user's bucket early once it holds this many
	// events, regardless of the window.
	MaxBatch int
}

// DefaultCoalescerConfig returns production defaults.
func DefaultCoalescerConfig() CoalescerConfig {
	return CoalescerConfig{
		Enabled:  true,
		Window:   5 * time.Second,
		MaxBatch: 64,
	}
}

// userBucket buffers one user's events during a coalescing window.
type userBucket struct {
	events []*event.Event
	timer  *time.Timer
	done   []chan error
}

// Coalescer groups events for the same user arriving within a short
// window into a single aggregation pass and one store write, applied
// in increasing occurredAt order. Events for different users are never
// merged or reordered relative to each other.
//
// Add blocks until the bucket holding the event flushes, so the
// caller's ack still tracks the durable effect.
type Coalescer struct {
	store      profile.Store
	aggregator *profile.Aggregator
	embedder   embedding.Embedder
	products   embedding.ProductVectorSource
	config     CoalescerConfig

	mu      sync.Mutex
	buckets map[string]*userBucket
	closed  bool
	wg      sync.WaitGroup
}

// NewCoalescer creates a coalescer over the same collaborators the
// direct path uses.
func NewCoalescer(
	store profile.Store,
	aggregator *profile.Aggregator,
	embedder embedding.Embedder,
	products embedding.ProductVectorSource,
	cfg CoalescerConfig,
) (*Coalescer, error) {
	if store == nil || aggregator == nil {
		return nil, fmt.Errorf("store and aggregator required")
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}

	return &Coalescer{
		store:      store,
		aggregator: aggregator,
		embedder:   embedder,
		products:   products,
		config:     cfg,
		buckets:    make(map[string]*userBucket),
	}, nil
}

// Add buffers an event into its user's bucket and blocks until that
// bucket flushes, returning the flush outcome for this event's batch.
func (c *Coalescer) Add(ctx context.Context, e *event.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("coalescer is closed")
	}

	done := make(chan error, 1)
	bucket, ok := c.buckets[e.UserID]
	if !ok {
		bucket = &userBucket{}
		c.buckets[e.UserID] = bucket
		userID := e.UserID
		bucket.timer = time.AfterFunc(c.config.Window, func() {
			c.flushUser(userID)
		})
	}
	bucket.events = append(bucket.events, e)
	bucket.done = append(bucket.done, done)

	full := len(bucket.events) >= c.config.MaxBatch
	c.mu.Unlock()

	if full {
		c.flushUser(e.UserID)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The flush may still land; the store's timestamp guard keeps
		// the eventual redelivery harmless.
		return ctx.Err()
	}
}

// flushUser detaches a user's bucket and applies it.
func (c *Coalescer) flushUser(userID string) {
	c.mu.Lock()
	bucket, ok := c.buckets[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.buckets, userID)
	bucket.timer.Stop()
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()

	start := time.Now()
	err := c.applyBatch(context.Background(), userID, bucket.events)
	metrics.RecordCoalescerFlush(len(bucket.events), time.Since(start))

	for _, done := range bucket.done {
		done <- err
	}
}

// applyBatch aggregates a user's events in occurredAt order and writes
// the result once. The upsert is guarded by the newest event time in
// the batch.
func (c *Coalescer) applyBatch(ctx context.Context, userID string, events []*event.Event) error {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})

	prior, err := c.store.Get(ctx, userID)
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		return NewRetryableError("profile read failed", err)
	}

	current := prior
	applied := 0
	// Redeliveries of the same event can land in the same bucket before
	// the handler's idempotency cache has recorded the key (it records
	// only after Add returns). Blending both copies would double-weight
	// the event, and the store guard cannot catch it inside one write.
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		key := e.IdempotencyKey
		if key == "" {
			key = event.DeriveKey(e)
		}
		if _, dup := seen[key]; dup {
			metrics.RecordDeduplicated()
			continue
		}
		seen[key] = struct{}{}

		vec, err := c.resolveVector(ctx, e)
		if err != nil {
			if IsPermanentError(err) {
				// Skip the poisoned event; the rest of the batch still
				// deserves its effect.
				logging.Warn().
					Err(err).
					Str("user_id", userID).
					Str("event_type", string(e.Type)).
					Msg("Skipping unresolvable event in batch")
				continue
			}
			return err
		}

		current, err = c.aggregator.Blend(current, userID, vec, e.Type.Weight(), e.OccurredAt)
		if err != nil {
			return NewPermanentError("aggregation failed", err)
		}
		applied++
	}

	if applied == 0 || current == nil {
		return nil
	}

	if _, err := c.store.Upsert(ctx, current, current.LastUpdatedAt); err != nil {
		if errors.Is(err, profile.ErrDimensionMismatch) {
			return NewPermanentError("profile upsert rejected", err)
		}
		return NewRetryableError("profile upsert failed", err)
	}
	return nil
}

func (c *Coalescer) resolveVector(ctx context.Context, e *event.Event) ([]float32, error) {
	if e.Type == event.TypeSearch {
		vec, err := c.embedder.Embed(ctx, e.Query)
		if err != nil {
			return nil, classifyCollaboratorError("embed search text", err)
		}
		return vec, nil
	}
	vec, err := c.products.ProductVector(ctx, e.ProductID)
	if err != nil {
		if errors.Is(err, embedding.ErrProductNotFound) {
			return nil, NewPermanentError("referenced product has no vector", err)
		}
		return nil, classifyCollaboratorError("fetch product vector", err)
	}
	return vec, nil
}

// Flush forces all pending buckets out, blocking until they land.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	users := make([]string, 0, len(c.buckets))
	for userID := range c.buckets {
		users = append(users, userID)
	}
	c.mu.Unlock()

	for _, userID := range users {
		c.flushUser(userID)
	}
	c.wg.Wait()
}

// Close flushes pending buckets and rejects further events.
func (c *Coalescer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Flush()
	return nil
}

// PendingUsers reports how many user buckets are currently open.
func (c *Coalescer) PendingUsers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
