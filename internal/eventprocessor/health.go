// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"context"
	"sync"
	"time"
)

// HealthStatusType represents the overall health status.
type HealthStatusType string

const (
	// HealthStatusHealthy indicates all components are functioning normally.
	HealthStatusHealthy HealthStatusType = "healthy"
	// HealthStatusDegraded indicates some components are experiencing issues but still operational.
	HealthStatusDegraded HealthStatusType = "degraded"
	// HealthStatusUnhealthy indicates critical components are failing.
	HealthStatusUnhealthy HealthStatusType = "unhealthy"
)

// HealthConfig holds configuration for health checking.
type HealthConfig struct {
	// Timeout is the maximum time to wait for health checks.
	Timeout time.Duration
	// Interval is how often to run periodic health checks.
	Interval time.Duration
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Timeout:  5 * time.Second,
		Interval: 30 * time.Second,
	}
}

// ComponentHealth represents the health status of a single component.
type ComponentHealth struct {
	Healthy   bool                   `json:"healthy"`
	Degraded  bool                   `json:"degraded,omitempty"`
	Name      string                 `json:"name"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckable is implemented by components that support health checking.
type HealthCheckable interface {
	HealthCheck(ctx context.Context) ComponentHealth
}

// OverallHealth represents the aggregated health of all components.
type OverallHealth struct {
	Healthy    bool                       `json:"healthy"`
	Status     HealthStatusType           `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthChecker manages health checks for multiple components.
type HealthChecker struct {
	config     HealthConfig
	mu         sync.RWMutex
	components map[string]HealthCheckable
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(cfg HealthConfig) *HealthChecker {
	return &HealthChecker{
		config:     cfg,
		components: make(map[string]HealthCheckable),
	}
}

// RegisterComponent registers a component for health checking.
func (h *HealthChecker) RegisterComponent(name string, component HealthCheckable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = component
}

// CheckAll performs health checks on all registered components in
// parallel, each bounded by the configured timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) OverallHealth {
	h.mu.RLock()
	componentsCopy := make(map[string]HealthCheckable, len(h.components))
	for name, comp := range h.components {
		componentsCopy[name] = comp
	}
	h.mu.RUnlock()

	overall := OverallHealth{
		Healthy:    true,
		Status:     HealthStatusHealthy,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, component := range componentsCopy {
		wg.Add(1)
		go func(name string, comp HealthCheckable) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
			defer cancel()

			resultCh := make(chan ComponentHealth, 1)
			go func() {
				result := comp.HealthCheck(checkCtx)
				result.Name = name
				result.LastCheck = time.Now()
				resultCh <- result
			}()

			var result ComponentHealth
			select {
			case result = <-resultCh:
			case <-checkCtx.Done():
				result = ComponentHealth{
					Name:      name,
					Healthy:   false,
					Error:     "health check timeout",
					LastCheck: time.Now(),
				}
			}

			mu.Lock()
			overall.Components[name] = result
			if !result.Healthy {
				overall.Healthy = false
				overall.Status = HealthStatusUnhealthy
			} else if result.Degraded && overall.Status == HealthStatusHealthy {
				overall.Status = HealthStatusDegraded
			}
			mu.Unlock()
		}(name, component)
	}

	wg.Wait()
	return overall
}

// HealthCheck reports router liveness.
func (r *Router) HealthCheck(ctx context.Context) ComponentHealth {
	health := ComponentHealth{
		Name:      "router",
		LastCheck: time.Now(),
		Details:   make(map[string]interface{}),
	}

	if r.running {
		health.Healthy = true
		health.Message = "Router is running"
		health.Details["handlers"] = len(r.handlers)
	} else {
		health.Error = "Router is not running"
	}
	return health
}

// HealthCheck reports worker throughput counters. A worker that has
// processed nothing is healthy; one drowning in permanent failures is
// degraded.
func (h *ProfileHandler) HealthCheck(ctx context.Context) ComponentHealth {
	received, processed, duplicates, permanent := h.Stats()

	health := ComponentHealth{
		Name:    "worker",
		Healthy: true,
		Details: map[string]interface{}{
			"messages_received":  received,
			"messages_processed": processed,
			"duplicates_skipped": duplicates,
			"permanent_failures": permanent,
		},
	}
	if last := h.LastMessageTime(); !last.IsZero() {
		health.Details["last_message"] = last
	}

	if received > 0 && permanent*2 > received {
		health.Degraded = true
		health.Message = "more than half of received events failed permanently"
	}
	return health
}

// HealthCheck reports dead-letter depth. Crossing the alert threshold
// degrades the pipeline without marking it unhealthy: the workers are
// still making progress on good events.
func (h *DLQHandler) HealthCheck(ctx context.Context) ComponentHealth {
	stats := h.Stats()

	health := ComponentHealth{
		Name:    "dlq",
		Healthy: true,
		Details: map[string]interface{}{
			"entries":       stats.TotalEntries,
			"total_added":   stats.TotalAdded,
			"total_expired": stats.TotalExpired,
		},
	}
	if h.config.AlertThreshold > 0 && stats.TotalEntries >= int64(h.config.AlertThreshold) {
		health.Degraded = true
		health.Message = "dead-letter depth exceeded alert threshold"
	}
	return health
}

// HealthCheck reports embedded NATS server liveness.
func (s *EmbeddedServer) HealthCheck(ctx context.Context) ComponentHealth {
	health := ComponentHealth{
		Name: "nats",
		Details: map[string]interface{}{
			"client_url": s.clientURL,
		},
	}

	if s.IsRunning() {
		health.Healthy = true
		health.Details["jetstream"] = s.JetStreamEnabled()
	} else {
		health.Error = "NATS server is not running"
	}
	return health
}
