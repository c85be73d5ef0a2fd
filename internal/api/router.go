// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package api provides the operational HTTP surface: metrics, health,
// dead-letter inspection, and profile lookups. It serves operators and
// dashboards, not the event path; events only ever arrive through the
// broker.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/affinityd/affinity/internal/eventprocessor"
	"github.com/affinityd/affinity/internal/logging"
	appmiddleware "github.com/affinityd/affinity/internal/middleware"
	"github.com/affinityd/affinity/internal/profile"
)

// RouterConfig holds HTTP surface configuration.
type RouterConfig struct {
	// RequestTimeout bounds a single request.
	RequestTimeout time.Duration

	// CORSAllowedOrigins is empty by default: cross-origin access to
	// the operator API requires explicit configuration.
	CORSAllowedOrigins []string

	// RateLimitRequests per RateLimitWindow per client IP. Zero
	// disables rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RequestTimeout:    30 * time.Second,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
	}
}

// Router wires the pipeline's read-side components into HTTP handlers.
type Router struct {
	health *eventprocessor.HealthChecker
	dlq    *eventprocessor.DLQHandler
	store  profile.Store
	config RouterConfig
}

// NewRouter creates the HTTP surface. Any dependency may be nil; the
// corresponding endpoints then respond 503.
func NewRouter(health *eventprocessor.HealthChecker, dlq *eventprocessor.DLQHandler, store profile.Store, cfg RouterConfig) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Router{
		health: health,
		dlq:    dlq,
		store:  store,
		config: cfg,
	}
}

// Setup builds the chi route tree.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogging)
	r.Use(appmiddleware.PrometheusMetrics)
	r.Use(appmiddleware.Compression)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(rt.config.RequestTimeout))
	if len(rt.config.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: rt.config.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         86400,
		}))
	}
	if rt.config.RateLimitRequests > 0 {
		r.Use(httprate.LimitByIP(rt.config.RateLimitRequests, rt.config.RateLimitWindow))
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", rt.HealthLive)
	r.Get("/readyz", rt.HealthReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", rt.Health)

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", rt.DLQList)
			r.Get("/stats", rt.DLQStats)
			r.Get("/{key}", rt.DLQGet)
			r.Delete("/{key}", rt.DLQDelete)
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/{userID}", rt.ProfileGet)
			r.Delete("/{userID}", rt.ProfileDelete)
		})
	})

	return r
}

// requestLogging emits one structured line per request.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
