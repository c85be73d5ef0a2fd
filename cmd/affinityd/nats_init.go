// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/affinityd/affinity/internal/config"
	"github.com/affinityd/affinity/internal/embedding"
	"github.com/affinityd/affinity/internal/eventprocessor"
	"github.com/affinityd/affinity/internal/logging"
	"github.com/affinityd/affinity/internal/profile"
)

// NATSComponents holds the messaging side of the daemon for lifecycle
// management: broker, streams, publisher, consumers, and the router
// that drives them.
type NATSComponents struct {
	server      *eventprocessor.EmbeddedServer
	natsConn    *natsgo.Conn
	eventStream *eventprocessor.StreamManager
	dlqStream   *eventprocessor.StreamManager
	publisher   *eventprocessor.Publisher

	router         *eventprocessor.Router
	profileHandler *eventprocessor.ProfileHandler
	coalescer      *eventprocessor.Coalescer
	dlqRecorder    *eventprocessor.DLQRecorder

	workerSubscriber   *eventprocessor.Subscriber
	recorderSubscriber *eventprocessor.Subscriber

	healthChecker *eventprocessor.HealthChecker

	mu       sync.Mutex
	shutdown bool
}

// InitNATS brings up the messaging stack in dependency order: embedded
// broker (optional), connection, both streams, publisher, worker and
// recorder consumers, and the router that binds them together.
func InitNATS(
	cfg *config.Config,
	store profile.Store,
	aggregator *profile.Aggregator,
	embedder embedding.Embedder,
	products embedding.ProductVectorSource,
	dlq *eventprocessor.DLQHandler,
) (*NATSComponents, error) {
	components := &NATSComponents{}
	wmLogger := logging.NewWatermillAdapter()

	// Step 1: embedded broker.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		serverCfg := eventprocessor.DefaultServerConfig()
		serverCfg.StoreDir = cfg.NATS.StoreDir
		serverCfg.JetStreamMaxMem = cfg.NATS.MaxMemory
		serverCfg.JetStreamMaxStore = cfg.NATS.MaxStore

		server, err := eventprocessor.NewEmbeddedServer(&serverCfg)
		if err != nil {
			return nil, fmt.Errorf("start embedded broker: %w", err)
		}
		components.server = server
		natsURL = server.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	} else {
		logging.Info().Str("url", natsURL).Msg("Using external NATS server")
	}

	// Step 2: connection for stream administration.
	nc, err := natsgo.Connect(natsURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	components.natsConn = nc

	// Step 3: ensure both streams exist before any consumer binds.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eventStreamCfg := eventprocessor.DefaultStreamConfig()
	eventStreamCfg.MaxAge = time.Duration(cfg.NATS.StreamRetentionDays) * 24 * time.Hour
	eventStream, err := eventprocessor.NewStreamManager(nc, &eventStreamCfg)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("create event stream manager: %w", err)
	}
	if _, err := eventStream.EnsureStream(ctx); err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("ensure event stream: %w", err)
	}
	components.eventStream = eventStream

	dlqStreamCfg := eventprocessor.DefaultDLQStreamConfig()
	dlqStream, err := eventprocessor.NewStreamManager(nc, &dlqStreamCfg)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("create dead-letter stream manager: %w", err)
	}
	if _, err := dlqStream.EnsureStream(ctx); err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("ensure dead-letter stream: %w", err)
	}
	components.dlqStream = dlqStream
	logging.Info().
		Str("events", eventStreamCfg.Name).
		Str("dlq", dlqStreamCfg.Name).
		Msg("JetStream streams ready")

	// Step 4: publisher with a circuit breaker. Serves both the
	// poison-queue middleware and the handler's direct dead-letters.
	publisher, err := eventprocessor.NewPublisher(eventprocessor.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	publisher.SetCircuitBreaker(eventprocessor.NewCircuitBreaker(
		eventprocessor.DefaultCircuitBreakerConfig("nats-publisher")))
	components.publisher = publisher

	// Step 5: worker handler.
	handlerCfg := eventprocessor.DefaultHandlerConfig()
	handlerCfg.MessageTimeout = cfg.Pipeline.MessageTimeout
	handlerCfg.DedupeCacheSize = cfg.Pipeline.DedupeCacheSize
	handlerCfg.DedupeTTL = cfg.Pipeline.DedupeTTL
	handlerCfg.ParkOnEmbedderOutage = cfg.Pipeline.EmbedderOutagePolicy == config.OutagePolicyPark

	profileHandler, err := eventprocessor.NewProfileHandler(store, aggregator, embedder, products, handlerCfg)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("create profile handler: %w", err)
	}
	profileHandler.SetDeadLetterPublisher(publisher.WatermillPublisher(), cfg.Pipeline.PoisonQueueTopic)

	if cfg.Pipeline.CoalescerEnabled {
		coalescer, err := eventprocessor.NewCoalescer(store, aggregator, embedder, products,
			eventprocessor.CoalescerConfig{
				Enabled:  true,
				Window:   cfg.Pipeline.CoalescerWindow,
				MaxBatch: cfg.Pipeline.CoalescerMaxBatch,
			})
		if err != nil {
			components.Shutdown()
			return nil, fmt.Errorf("create coalescer: %w", err)
		}
		profileHandler.SetCoalescer(coalescer)
		components.coalescer = coalescer
		logging.Info().
			Dur("window", cfg.Pipeline.CoalescerWindow).
			Int("max_batch", cfg.Pipeline.CoalescerMaxBatch).
			Msg("Per-user batch coalescing enabled")
	}

	components.profileHandler = profileHandler
	components.dlqRecorder = eventprocessor.NewDLQRecorder(dlq)

	// Step 6: consumers. The worker group shares one durable consumer;
	// the recorder observes the dead-letter stream separately.
	workerCfg := eventprocessor.DefaultSubscriberConfig(natsURL)
	workerCfg.DurableName = cfg.NATS.DurableName
	workerCfg.QueueGroup = cfg.NATS.QueueGroup
	workerCfg.SubscribersCount = cfg.NATS.SubscribersCount
	workerCfg.StreamName = eventStreamCfg.Name

	workerSub, err := eventprocessor.NewSubscriber(&workerCfg, wmLogger)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("create worker subscriber: %w", err)
	}
	components.workerSubscriber = workerSub

	recorderCfg := eventprocessor.DefaultSubscriberConfig(natsURL)
	recorderCfg.DurableName = "dlq-recorder"
	recorderCfg.QueueGroup = "recorders"
	recorderCfg.SubscribersCount = 1
	recorderCfg.MaxAckPending = 100
	recorderCfg.StreamName = dlqStreamCfg.Name

	recorderSub, err := eventprocessor.NewSubscriber(&recorderCfg, wmLogger)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("create recorder subscriber: %w", err)
	}
	components.recorderSubscriber = recorderSub

	// Step 7: router with retry, poison queue and throttle middleware.
	routerCfg := eventprocessor.DefaultRouterConfig()
	routerCfg.RetryMaxRetries = cfg.Pipeline.RetryMaxRetries
	routerCfg.RetryInitialInterval = cfg.Pipeline.RetryInitialInterval
	routerCfg.RetryMaxInterval = cfg.Pipeline.RetryMaxInterval
	routerCfg.ThrottlePerSecond = cfg.Pipeline.ThrottlePerSecond
	routerCfg.PoisonQueueTopic = cfg.Pipeline.PoisonQueueTopic

	router, err := eventprocessor.NewRouter(&routerCfg, publisher.WatermillPublisher(), wmLogger)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("create router: %w", err)
	}
	components.router = router

	router.AddConsumerHandler(
		"profile-worker",
		"interest.>",
		workerSub.WatermillSubscriber(),
		profileHandler.Handle,
	)
	router.AddConsumerHandler(
		"dlq-recorder",
		"dlq.>",
		recorderSub.WatermillSubscriber(),
		components.dlqRecorder.Handle,
	)

	// Step 8: health surface.
	health := eventprocessor.NewHealthChecker(eventprocessor.DefaultHealthConfig())
	health.RegisterComponent("router", router)
	health.RegisterComponent("worker", profileHandler)
	health.RegisterComponent("dlq", dlq)
	if components.server != nil {
		health.RegisterComponent("broker", components.server)
	}
	components.healthChecker = health

	logging.Info().
		Int("workers", workerCfg.SubscribersCount).
		Str("durable", workerCfg.DurableName).
		Msg("Messaging stack initialized")
	return components, nil
}

// Server returns the embedded broker, or nil when external.
func (c *NATSComponents) Server() *eventprocessor.EmbeddedServer { return c.server }

// Router returns the message router.
func (c *NATSComponents) Router() *eventprocessor.Router { return c.router }

// EventStream returns the interest event stream manager.
func (c *NATSComponents) EventStream() *eventprocessor.StreamManager { return c.eventStream }

// DLQStream returns the dead-letter stream manager.
func (c *NATSComponents) DLQStream() *eventprocessor.StreamManager { return c.dlqStream }

// Health returns the health checker covering the messaging stack.
func (c *NATSComponents) Health() *eventprocessor.HealthChecker { return c.healthChecker }

// Shutdown tears the messaging stack down in reverse dependency order.
// Safe to call more than once.
func (c *NATSComponents) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.mu.Unlock()

	if c.router != nil {
		if err := c.router.Close(); err != nil {
			logging.Warn().Err(err).Msg("Router close failed")
		}
	}
	if c.coalescer != nil {
		if err := c.coalescer.Close(); err != nil {
			logging.Warn().Err(err).Msg("Coalescer close failed")
		}
	}
	if c.workerSubscriber != nil {
		if err := c.workerSubscriber.Close(); err != nil {
			logging.Warn().Err(err).Msg("Worker subscriber close failed")
		}
	}
	if c.recorderSubscriber != nil {
		if err := c.recorderSubscriber.Close(); err != nil {
			logging.Warn().Err(err).Msg("Recorder subscriber close failed")
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			logging.Warn().Err(err).Msg("Publisher close failed")
		}
	}
	if c.natsConn != nil {
		c.natsConn.Close()
	}
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("Embedded broker shutdown failed")
		}
	}
	logging.Info().Msg("Messaging stack shut down")
}
