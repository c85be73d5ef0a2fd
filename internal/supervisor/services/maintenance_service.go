// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package services

import (
	"context"
	"time"
)

// DeadLetterMaintainer matches the dead-letter index's retention sweep.
type DeadLetterMaintainer interface {
	RunCleanupLoop(interval time.Duration, stop <-chan struct{})
}

// DLQMaintenanceService runs the dead-letter retention sweep as a
// supervised service in the data layer.
type DLQMaintenanceService struct {
	dlq      DeadLetterMaintainer
	interval time.Duration
	name     string
}

// NewDLQMaintenanceService creates the retention sweep wrapper.
func NewDLQMaintenanceService(dlq DeadLetterMaintainer, interval time.Duration) *DLQMaintenanceService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DLQMaintenanceService{
		dlq:      dlq,
		interval: interval,
		name:     "dlq-maintenance",
	}
}

// Serve implements suture.Service.
func (s *DLQMaintenanceService) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	s.dlq.RunCleanupLoop(s.interval, stop)
	return ctx.Err()
}

// String implements fmt.Stringer.
func (s *DLQMaintenanceService) String() string {
	return s.name
}

// DepthRecorder matches the stream manager's queue depth observation.
type DepthRecorder interface {
	RecordDepth(ctx context.Context) error
}

// StreamDepthService periodically samples a stream's message count into
// the queue depth gauge. Sampling failures are transient broker hiccups
// and are swallowed; the next tick tries again.
type StreamDepthService struct {
	recorder DepthRecorder
	interval time.Duration
	name     string
}

// NewStreamDepthService creates a depth sampler for one stream.
func NewStreamDepthService(name string, recorder DepthRecorder, interval time.Duration) *StreamDepthService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &StreamDepthService{
		recorder: recorder,
		interval: interval,
		name:     "stream-depth-" + name,
	}
}

// Serve implements suture.Service.
func (s *StreamDepthService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.recorder.RecordDepth(ctx)
		}
	}
}

// String implements fmt.Stringer.
func (s *StreamDepthService) String() string {
	return s.name
}
