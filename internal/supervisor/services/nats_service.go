// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package services

import (
	"context"
	"fmt"
	"time"
)

// Broker matches the embedded NATS server's lifecycle. The server is
// started by its constructor; the wrapper only monitors liveness and
// shuts it down when the tree stops.
type Broker interface {
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// BrokerService supervises the embedded broker. The broker carries the
// durable event streams: if it stops, every consumer in the messaging
// layer is dead weight, so the service reports failure and lets the
// supervisor escalate.
type BrokerService struct {
	broker          Broker
	checkInterval   time.Duration
	shutdownTimeout time.Duration
	name            string
}

// NewBrokerService creates a broker liveness wrapper.
func NewBrokerService(broker Broker, shutdownTimeout time.Duration) *BrokerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &BrokerService{
		broker:          broker,
		checkInterval:   5 * time.Second,
		shutdownTimeout: shutdownTimeout,
		name:            "embedded-broker",
	}
}

// Serve implements suture.Service.
func (b *BrokerService) Serve(ctx context.Context) error {
	if !b.broker.IsRunning() {
		return fmt.Errorf("embedded broker is not running")
	}

	ticker := time.NewTicker(b.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
			defer cancel()
			if err := b.broker.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("broker shutdown failed: %w", err)
			}
			return ctx.Err()

		case <-ticker.C:
			if !b.broker.IsRunning() {
				return fmt.Errorf("embedded broker stopped unexpectedly")
			}
		}
	}
}

// String implements fmt.Stringer.
func (b *BrokerService) String() string {
	return b.name
}
