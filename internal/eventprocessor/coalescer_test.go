// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/affinityd/affinity/internal/event"
	"github.com/affinityd/affinity/internal/profile"
)

func newTestCoalescer(t *testing.T, cfg CoalescerConfig) (*Coalescer, *fakeStore, *fakeProducts) {
	t.Helper()

	store := newFakeStore()
	products := newFakeProducts()
	products.vectors["prod-1"] = []float32{0, 1, 0}
	products.vectors["prod-2"] = []float32{0, 0, 1}

	c, err := NewCoalescer(store, profile.NewAggregator(profile.DefaultHalfLifeDays), newFakeEmbedder(), products, cfg)
	if err != nil {
		t.Fatalf("NewCoalescer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, store, products
}

func TestCoalescerMergesSameUserWindow(t *testing.T) {
	c, store, _ := newTestCoalescer(t, CoalescerConfig{Enabled: true, Window: 50 * time.Millisecond, MaxBatch: 64})

	at := time.Now().UTC()
	events := []struct {
		product string
		offset  time.Duration
	}{
		{"prod-1", 0},
		{"prod-2", time.Second},
		{"prod-1", 2 * time.Second},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(events))
	for i, spec := range events {
		wg.Add(1)
		go func(i int, product string, offset time.Duration) {
			defer wg.Done()
			e := purchaseEvent("user-1", product, at.Add(offset))
			e.EventID = fmt.Sprintf("evt-merge-%d", i)
			errs[i] = c.Add(context.Background(), e)
		}(i, spec.product, spec.offset)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Add[%d]: %v", i, err)
		}
	}
	if got := store.upsertCount(); got != 1 {
		t.Errorf("upserts = %d, want 1 (window must coalesce into one write)", got)
	}
	p := store.profileOf("user-1")
	if p == nil {
		t.Fatal("no profile written")
	}
	if p.EventCount != 3 {
		t.Errorf("EventCount = %d, want 3", p.EventCount)
	}
	if !p.LastUpdatedAt.Equal(at.Add(2 * time.Second)) {
		t.Errorf("LastUpdatedAt = %v, want newest event time", p.LastUpdatedAt)
	}
}

func TestCoalescerAppliesInOccurredAtOrder(t *testing.T) {
	c, store, _ := newTestCoalescer(t, CoalescerConfig{Enabled: true, Window: 50 * time.Millisecond, MaxBatch: 64})

	// Deliver out of order; the batch must be applied oldest-first so the
	// newest event dominates the decay-weighted blend exactly as it would
	// have one at a time.
	at := time.Now().UTC()
	older := purchaseEvent("user-1", "prod-1", at.Add(-24*time.Hour))
	newer := purchaseEvent("user-1", "prod-2", at)
	newer.EventID = "evt-newer"

	var wg sync.WaitGroup
	wg.Add(2)
	var errNewer, errOlder error
	go func() { defer wg.Done(); errNewer = c.Add(context.Background(), newer) }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); errOlder = c.Add(context.Background(), older) }()
	wg.Wait()

	if errNewer != nil || errOlder != nil {
		t.Fatalf("Add errors: %v, %v", errNewer, errOlder)
	}
	p := store.profileOf("user-1")
	if p == nil {
		t.Fatal("no profile written")
	}
	if !p.LastUpdatedAt.Equal(at) {
		t.Errorf("LastUpdatedAt = %v, want %v", p.LastUpdatedAt, at)
	}
	// prod-2 arrived last in event time and must carry more mass than the
	// day-old prod-1 purchase.
	if !(p.Vector[2] > p.Vector[1]) {
		t.Errorf("Vector = %v, newest event must dominate", p.Vector)
	}
}

func TestCoalescerIsolatesUsers(t *testing.T) {
	c, store, _ := newTestCoalescer(t, CoalescerConfig{Enabled: true, Window: 50 * time.Millisecond, MaxBatch: 64})

	at := time.Now().UTC()
	var wg sync.WaitGroup
	for _, userID := range []string{"user-a", "user-b"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if err := c.Add(context.Background(), purchaseEvent(userID, "prod-1", at)); err != nil {
				t.Errorf("Add(%s): %v", userID, err)
			}
		}(userID)
	}
	wg.Wait()

	if got := store.upsertCount(); got != 2 {
		t.Errorf("upserts = %d, want one per user", got)
	}
	if store.profileOf("user-a") == nil || store.profileOf("user-b") == nil {
		t.Error("missing per-user profile")
	}
}

func TestCoalescerMaxBatchFlushesEarly(t *testing.T) {
	// A long window with MaxBatch 2: the second event must trigger the
	// flush well before the timer.
	c, store, _ := newTestCoalescer(t, CoalescerConfig{Enabled: true, Window: time.Minute, MaxBatch: 2})

	at := time.Now().UTC()
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	for i, product := range []string{"prod-1", "prod-2"} {
		go func(i int, product string) {
			defer wg.Done()
			e := purchaseEvent("user-1", product, at.Add(time.Duration(i)*time.Second))
			if err := c.Add(context.Background(), e); err != nil {
				t.Errorf("Add: %v", err)
			}
		}(i, product)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("flush took %v, MaxBatch must not wait for the window", elapsed)
	}
	if got := store.upsertCount(); got != 1 {
		t.Errorf("upserts = %d, want 1", got)
	}
}

func TestCoalescerSkipsUnresolvableEvent(t *testing.T) {
	c, store, _ := newTestCoalescer(t, CoalescerConfig{Enabled: true, Window: 50 * time.Millisecond, MaxBatch: 64})

	at := time.Now().UTC()
	var wg sync.WaitGroup
	wg.Add(2)
	var errGood, errBad error
	go func() {
		defer wg.Done()
		errGood = c.Add(context.Background(), purchaseEvent("user-1", "prod-1", at))
	}()
	go func() {
		defer wg.Done()
		e := purchaseEvent("user-1", "prod-missing", at.Add(time.Second))
		errBad = c.Add(context.Background(), e)
	}()
	wg.Wait()

	// The missing product is dropped from the batch; the good event still
	// lands and the batch as a whole succeeds.
	if errGood != nil || errBad != nil {
		t.Fatalf("Add errors: %v, %v", errGood, errBad)
	}
	p := store.profileOf("user-1")
	if p == nil || p.EventCount != 1 {
		t.Errorf("profile = %+v, want the resolvable event applied", p)
	}
}

func TestCoalescerTransientFailureFailsWholeBatch(t *testing.T) {
	c, store, products := newTestCoalescer(t, CoalescerConfig{Enabled: true, Window: 30 * time.Millisecond, MaxBatch: 64})
	products.err = errTransient

	err := c.Add(context.Background(), purchaseEvent("user-1", "prod-1", time.Now().UTC()))
	if err == nil {
		t.Fatal("transient collaborator failure must fail the batch")
	}
	if !IsRetryableError(err) {
		t.Errorf("error not retryable: %v", err)
	}
	if store.upsertCount() != 0 {
		t.Error("failed batch must not write")
	}
}

func TestCoalescerCloseFlushesAndRejects(t *testing.T) {
	c, store, _ := newTestCoalescer(t, CoalescerConfig{Enabled: true, Window: time.Minute, MaxBatch: 64})

	at := time.Now().UTC()
	var wg sync.WaitGroup
	wg.Add(1)
	var addErr error
	go func() {
		defer wg.Done()
		addErr = c.Add(context.Background(), purchaseEvent("user-1", "prod-1", at))
	}()

	// Wait for the event to enter its bucket, then close.
	deadline := time.Now().Add(2 * time.Second)
	for c.PendingUsers() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if addErr != nil {
		t.Errorf("Add during close: %v", addErr)
	}
	if store.upsertCount() != 1 {
		t.Errorf("upserts = %d, want pending bucket flushed on close", store.upsertCount())
	}
	if err := c.Add(context.Background(), purchaseEvent("user-2", "prod-1", at)); err == nil {
		t.Error("Add after Close must fail")
	}
}

func TestCoalescerDeduplicatesWithinBucket(t *testing.T) {
	c, store, _ := newTestCoalescer(t, CoalescerConfig{Enabled: true, Window: 100 * time.Millisecond, MaxBatch: 64})

	at := time.Now().UTC()
	// Two deliveries of the same logical event plus one distinct event,
	// all landing in the same window. The redelivery carries a different
	// broker message identity but the same idempotency key.
	first := purchaseEvent("user-1", "prod-1", at)
	redelivery := purchaseEvent("user-1", "prod-1", at)
	redelivery.EventID = "evt-redelivered"
	other := purchaseEvent("user-1", "prod-2", at.Add(time.Second))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, e := range []*event.Event{first, redelivery, other} {
		wg.Add(1)
		go func(i int, e *event.Event) {
			defer wg.Done()
			errs[i] = c.Add(context.Background(), e)
		}(i, e)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Add[%d]: %v", i, err)
		}
	}
	if got := store.upsertCount(); got != 1 {
		t.Errorf("upserts = %d, want 1", got)
	}
	p := store.profileOf("user-1")
	if p == nil {
		t.Fatal("no profile written")
	}
	// The duplicate must not be blended a second time.
	if p.EventCount != 2 {
		t.Errorf("EventCount = %d, want 2", p.EventCount)
	}
}
