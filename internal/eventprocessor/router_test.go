// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/affinityd/affinity/internal/profile"
)

// Drives a persistently failing handler through the full middleware
// stack on an in-memory pub/sub: retry with backoff, poison-queue
// publication, and dead-letter record materialization.
func TestRouterRetryExhaustionDeadLetters(t *testing.T) {
	logger := watermill.NopLogger{}
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)
	t.Cleanup(func() { _ = pubSub.Close() })

	cfg := DefaultRouterConfig()
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond

	r, err := NewRouter(&cfg, pubSub, logger)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	// Catalog lookups fail transiently on every attempt, so the message
	// exhausts its whole retry budget.
	store := newFakeStore()
	products := newFakeProducts()
	products.err = errTransient

	handlerCfg := DefaultHandlerConfig()
	handlerCfg.WorkerID = "test-worker"
	h, err := NewProfileHandler(store, profile.NewAggregator(profile.DefaultHalfLifeDays),
		newFakeEmbedder(), products, handlerCfg)
	if err != nil {
		t.Fatalf("NewProfileHandler: %v", err)
	}

	dlq, err := NewDLQHandler(DefaultDLQConfig())
	if err != nil {
		t.Fatalf("NewDLQHandler: %v", err)
	}

	r.AddConsumerHandler("profile-worker", "interest.purchase", pubSub, h.Handle)
	r.AddConsumerHandler("dlq-recorder", cfg.PoisonQueueTopic, pubSub, NewDLQRecorder(dlq).Handle)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()
	select {
	case <-r.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	e := purchaseEvent("user-1", "prod-1", time.Now().UTC())
	if err := pubSub.Publish("interest.purchase", mustMessage(e)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var records []*DeadLetterRecord
	for time.Now().Before(deadline) {
		if records = dlq.List(); len(records) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(records) != 1 {
		t.Fatalf("dead-letter records = %d, want 1", len(records))
	}

	rec := records[0]
	if rec.RetryCount != 5 {
		t.Errorf("RetryCount = %d, want 5", rec.RetryCount)
	}
	if got := products.callCount(); got != 5 {
		t.Errorf("handler attempts = %d, want 5", got)
	}
	if rec.Event == nil || rec.Event.UserID != "user-1" {
		t.Errorf("record event = %+v, want user-1", rec.Event)
	}
	if store.upsertCount() != 0 {
		t.Errorf("upserts = %d, want 0", store.upsertCount())
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
}
