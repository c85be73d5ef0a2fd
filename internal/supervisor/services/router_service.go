// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package services

import (
	"context"
	"fmt"
)

// MessageRouter matches the event router's lifecycle: Run blocks until
// the context is canceled, Close tears down subscriptions.
type MessageRouter interface {
	Run(ctx context.Context) error
	Close() error
}

// RouterService wraps the event router as a supervised service. A
// router crash is recoverable: the supervisor restarts it and the
// broker redelivers whatever was unacknowledged when it died.
type RouterService struct {
	router MessageRouter
	name   string
}

// NewRouterService creates a new router service wrapper.
func NewRouterService(router MessageRouter) *RouterService {
	return &RouterService{
		router: router,
		name:   "event-router",
	}
}

// Serve implements suture.Service. Run blocks until ctx is canceled;
// a nil return after cancellation is a clean stop.
func (r *RouterService) Serve(ctx context.Context) error {
	if err := r.router.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event router failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer.
func (r *RouterService) String() string {
	return r.name
}
