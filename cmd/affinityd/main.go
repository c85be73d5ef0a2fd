// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Command affinityd runs the interest embedding pipeline daemon: it
// consumes user interaction events from a durable JetStream queue,
// maintains per-user interest profiles in a local store, and exposes
// an operational HTTP surface for metrics, health and dead-letter
// inspection.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/affinityd/affinity/internal/api"
	"github.com/affinityd/affinity/internal/config"
	"github.com/affinityd/affinity/internal/embedding"
	"github.com/affinityd/affinity/internal/eventprocessor"
	"github.com/affinityd/affinity/internal/logging"
	"github.com/affinityd/affinity/internal/profile"
	"github.com/affinityd/affinity/internal/supervisor"
	"github.com/affinityd/affinity/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Daemon failed")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Str("nats_url", cfg.NATS.URL).
		Bool("embedded_broker", cfg.NATS.EmbeddedServer).
		Bool("coalescer", cfg.Pipeline.CoalescerEnabled).
		Str("outage_policy", cfg.Pipeline.EmbedderOutagePolicy).
		Msg("Starting affinityd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Profile store.
	store, err := profile.OpenStore(profile.StoreConfig{
		Path:        cfg.Store.Path,
		InMemory:    cfg.Store.InMemory,
		SyncWrites:  cfg.Store.SyncWrites,
		Compression: true,
		GCInterval:  cfg.Store.GCInterval,
	})
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}
	defer store.Close()

	aggregator := profile.NewAggregator(cfg.Pipeline.HalfLifeDays)

	// Vector collaborators.
	embedder, err := embedding.NewHTTPEmbedder(embedding.ClientConfig{
		BaseURL:          cfg.Embedding.BaseURL,
		APIKey:           cfg.Embedding.APIKey,
		Timeout:          cfg.Embedding.Timeout,
		Dimension:        cfg.Pipeline.VectorDimension,
		RatePerSecond:    cfg.Embedding.RatePerSecond,
		Burst:            cfg.Embedding.Burst,
		FailureThreshold: cfg.Embedding.FailureThreshold,
		BreakerTimeout:   cfg.Embedding.BreakerTimeout,
	})
	if err != nil {
		return fmt.Errorf("create embedder client: %w", err)
	}
	products, err := embedding.NewHTTPProductVectorSource(embedding.ClientConfig{
		BaseURL:          cfg.Catalog.BaseURL,
		APIKey:           cfg.Catalog.APIKey,
		Timeout:          cfg.Catalog.Timeout,
		Dimension:        cfg.Pipeline.VectorDimension,
		RatePerSecond:    cfg.Catalog.RatePerSecond,
		Burst:            cfg.Catalog.Burst,
		FailureThreshold: cfg.Catalog.FailureThreshold,
		BreakerTimeout:   cfg.Catalog.BreakerTimeout,
	})
	if err != nil {
		return fmt.Errorf("create catalog client: %w", err)
	}

	// Dead-letter index.
	dlq, err := eventprocessor.NewDLQHandler(eventprocessor.DLQConfig{
		MaxEntries:     cfg.DLQ.MaxEntries,
		RetentionTime:  cfg.DLQ.RetentionTime,
		AlertThreshold: cfg.DLQ.AlertThreshold,
	})
	if err != nil {
		return fmt.Errorf("create dead-letter index: %w", err)
	}

	// Broker, streams, consumers.
	nats, err := InitNATS(cfg, store, aggregator, embedder, products, dlq)
	if err != nil {
		return fmt.Errorf("initialize messaging: %w", err)
	}
	defer nats.Shutdown()

	// HTTP surface.
	apiRouter := api.NewRouter(nats.Health(), dlq, store, api.RouterConfig{
		RequestTimeout:     cfg.Server.Timeout,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		RateLimitRequests:  cfg.Server.RateLimitRequests,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiRouter.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Supervision tree.
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	tree.AddDataService(services.NewDLQMaintenanceService(dlq, cfg.DLQ.CleanupInterval))
	if nats.Server() != nil {
		tree.AddMessagingService(services.NewBrokerService(nats.Server(), 10*time.Second))
	}
	tree.AddMessagingService(services.NewRouterService(nats.Router()))
	tree.AddMessagingService(services.NewStreamDepthService("events", nats.EventStream(), 15*time.Second))
	tree.AddMessagingService(services.NewStreamDepthService("dlq", nats.DLQStream(), time.Minute))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))

	logging.Info().Str("addr", httpServer.Addr).Msg("affinityd running")
	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor tree stopped: %w", err)
	}

	logging.Info().Msg("affinityd stopped")
	return nil
}
