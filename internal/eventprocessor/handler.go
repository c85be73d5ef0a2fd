// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/affinityd/affinity/internal/cache"
	"github.com/affinityd/affinity/internal/embedding"
	"github.com/affinityd/affinity/internal/event"
	"github.com/affinityd/affinity/internal/logging"
	"github.com/affinityd/affinity/internal/metrics"
	"github.com/affinityd/affinity/internal/profile"
)

// WorkerState tracks where a message is in its processing lifecycle.
type WorkerState int

const (
	// StateReceived means the message was delivered but not yet acknowledged.
	StateReceived WorkerState = iota
	// StateDeduplicating means the idempotency cache is being consulted.
	StateDeduplicating
	// StateAggregating means the event vector is being resolved and blended.
	StateAggregating
	// StatePersisting means the profile store upsert is in flight.
	StatePersisting
	// StateAcknowledged is the terminal success state.
	StateAcknowledged
	// StateFailed is the terminal failure state for this delivery.
	StateFailed
)

// String returns the state name.
func (s WorkerState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDeduplicating:
		return "deduplicating"
	case StateAggregating:
		return "aggregating"
	case StatePersisting:
		return "persisting"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// attemptMetadataKey carries the delivery attempt count in message
// metadata so retry state survives into the dead-letter record.
const attemptMetadataKey = "attempt"

// workerMetadataKey records which worker last touched a message.
const workerMetadataKey = "worker_id"

// reasonMetadataKey and categoryMetadataKey describe why a message was
// dead-lettered by the handler.
const (
	reasonMetadataKey   = "reason"
	categoryMetadataKey = "category"
)

// HandlerConfig holds configuration for the profile worker handler.
type HandlerConfig struct {
	// WorkerID identifies this worker in logs and dead-letter records.
	// Defaults to the hostname.
	WorkerID string

	// MessageTimeout bounds one message's processing. A worker that
	// cannot finish in time abandons the attempt without acknowledging
	// and lets the broker's AckWait redeliver elsewhere.
	MessageTimeout time.Duration

	// DedupeCacheSize is the idempotency cache capacity.
	DedupeCacheSize int

	// DedupeTTL is how long idempotency keys are remembered. Should
	// cover the broker's redelivery horizon; the store's timestamp
	// guard remains the authoritative backstop.
	DedupeTTL time.Duration

	// ParkOnEmbedderOutage keeps search events with the broker during
	// an embedding-service outage instead of dead-lettering them once
	// retries run out. Queue depth grows for the outage's duration;
	// nothing is lost.
	ParkOnEmbedderOutage bool
}

// DefaultHandlerConfig returns production defaults.
func DefaultHandlerConfig() HandlerConfig {
	hostname, _ := os.Hostname()
	return HandlerConfig{
		WorkerID:        hostname,
		MessageTimeout:  25 * time.Second, // under the 30s AckWait
		DedupeCacheSize: 10000,
		DedupeTTL:       10 * time.Minute,
	}
}

// ProfileHandler walks interest events through the worker state
// machine: parse, deduplicate, resolve the event vector, blend, and
// persist. It is registered with the Router, whose middleware provides
// panic recovery, retry with backoff, and poison-queue routing.
//
// Many handlers run concurrently, possibly in different processes. The
// handler holds no locks around user state; the profile store's
// conditional upsert is the sole guard against same-user races.
type ProfileHandler struct {
	store      profile.Store
	aggregator *profile.Aggregator
	embedder   embedding.Embedder
	products   embedding.ProductVectorSource
	serializer *event.Serializer
	dedup      *cache.IdempotencyLRU
	config     HandlerConfig

	// dlqPublisher receives permanent failures directly: they are
	// acknowledged without retries, but the record must not vanish.
	dlqPublisher message.Publisher
	dlqTopic     string

	// coalescer, when set, replaces the direct aggregate-and-persist
	// path with windowed per-user batching.
	coalescer *Coalescer

	messagesReceived  atomic.Int64
	messagesProcessed atomic.Int64
	duplicatesSkipped atomic.Int64
	permanentFailures atomic.Int64
	lastMessageTime   atomic.Value // time.Time
}

// NewProfileHandler creates the worker handler.
func NewProfileHandler(
	store profile.Store,
	aggregator *profile.Aggregator,
	embedder embedding.Embedder,
	products embedding.ProductVectorSource,
	cfg HandlerConfig,
) (*ProfileHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("profile store required")
	}
	if aggregator == nil {
		return nil, fmt.Errorf("aggregator required")
	}
	if embedder == nil || products == nil {
		return nil, fmt.Errorf("vector collaborators required")
	}
	if cfg.DedupeCacheSize <= 0 {
		cfg.DedupeCacheSize = 10000
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}

	h := &ProfileHandler{
		store:      store,
		aggregator: aggregator,
		embedder:   embedder,
		products:   products,
		serializer: event.NewSerializer(),
		dedup:      cache.NewIdempotencyLRU(cfg.DedupeCacheSize, cfg.DedupeTTL),
		config:     cfg,
	}
	h.lastMessageTime.Store(time.Time{})

	return h, nil
}

// SetDeadLetterPublisher routes permanent failures to the dead-letter
// topic before they are acknowledged. Without it they are only logged.
func (h *ProfileHandler) SetDeadLetterPublisher(pub message.Publisher, topic string) {
	h.dlqPublisher = pub
	h.dlqTopic = topic
}

// SetCoalescer switches the handler to windowed per-user batching.
// Coalescer.Add blocks until the batch flushes, so acknowledgement
// still tracks the durable effect.
func (h *ProfileHandler) SetCoalescer(c *Coalescer) {
	h.coalescer = c
}

// Handle processes a single interest event message. It is the handler
// function passed to Router.AddConsumerHandler.
//
// Return value disposition:
//   - nil: acknowledged (success, duplicate, conflict no-op, or a
//     permanent failure that retrying cannot fix)
//   - error: nacked; the retry middleware backs off and re-invokes,
//     and exhausted messages go to the poison queue
func (h *ProfileHandler) Handle(msg *message.Message) error {
	start := time.Now()
	h.messagesReceived.Add(1)
	h.lastMessageTime.Store(start)
	metrics.RecordConsume()

	state := StateReceived
	h.stampAttempt(msg)

	ctx := context.Background()
	if msgCtx := msg.Context(); msgCtx != nil {
		ctx = msgCtx
	}
	if h.config.MessageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.MessageTimeout)
		defer cancel()
	}

	e, err := h.parse(msg)
	if err != nil {
		return h.fail(msg, nil, state, err)
	}

	key := e.IdempotencyKey
	if key == "" {
		key = event.DeriveKey(e)
	}

	state = StateDeduplicating
	dedupStart := time.Now()
	duplicate := h.dedup.Contains(key)
	metrics.RecordStage(metrics.StageDeduplicate, time.Since(dedupStart))
	if duplicate {
		h.duplicatesSkipped.Add(1)
		metrics.RecordDeduplicated()
		logging.Debug().
			Str("idempotency_key", key).
			Str("user_id", e.UserID).
			Msg("Duplicate delivery acknowledged")
		return nil
	}

	state = StateAggregating

	if h.coalescer != nil {
		if err := h.coalescer.Add(ctx, e); err != nil {
			return h.fail(msg, e, state, err)
		}
		h.dedup.Record(key)
		state = StateAcknowledged
		h.messagesProcessed.Add(1)
		metrics.RecordProcessed(time.Since(start))
		logging.Trace().
			Str("user_id", e.UserID).
			Str("event_type", string(e.Type)).
			Str("state", state.String()).
			Msg("Event applied via coalescer")
		return nil
	}

	updated, err := h.aggregate(ctx, e)
	if err != nil {
		return h.fail(msg, e, state, err)
	}

	state = StatePersisting
	persistStart := time.Now()
	res, err := h.store.Upsert(ctx, updated, e.OccurredAt)
	metrics.RecordStage(metrics.StagePersist, time.Since(persistStart))
	if err != nil {
		if errors.Is(err, profile.ErrDimensionMismatch) {
			err = NewPermanentError("profile upsert rejected", err)
		} else {
			err = NewRetryableError("profile upsert failed", err)
		}
		return h.fail(msg, e, state, err)
	}

	// Conflict means a fresher state already covers this event's
	// effect. That is a successful no-op, not a failure.
	if res.Outcome == profile.OutcomeConflict {
		logging.Debug().
			Str("user_id", e.UserID).
			Time("occurred_at", e.OccurredAt).
			Msg("Stale write absorbed by timestamp guard")
	}

	// Only now is the effect durable (or provably redundant); record
	// the key so later redeliveries short-circuit.
	h.dedup.Record(key)

	state = StateAcknowledged
	h.messagesProcessed.Add(1)
	metrics.RecordProcessed(time.Since(start))
	logging.Trace().
		Str("user_id", e.UserID).
		Str("event_type", string(e.Type)).
		Str("state", state.String()).
		Bool("conflict", res.Outcome == profile.OutcomeConflict).
		Msg("Event applied")
	return nil
}

// parse deserializes and validates the event payload.
func (h *ProfileHandler) parse(msg *message.Message) (*event.Event, error) {
	e, err := h.serializer.Unmarshal(msg.Payload)
	if err != nil {
		metrics.EventsParseFailed.Inc()
		return nil, NewPermanentError("event parse error", err)
	}
	if err := e.Validate(); err != nil {
		metrics.EventsParseFailed.Inc()
		return nil, NewPermanentError("event validation error", err)
	}
	return e, nil
}

// aggregate resolves the event vector from the right collaborator and
// blends it into the user's prior profile.
func (h *ProfileHandler) aggregate(ctx context.Context, e *event.Event) (*profile.Profile, error) {
	resolveStart := time.Now()
	vec, err := h.resolveVector(ctx, e)
	metrics.RecordStage(metrics.StageResolve, time.Since(resolveStart))
	if err != nil {
		return nil, err
	}

	blendStart := time.Now()
	prior, err := h.store.Get(ctx, e.UserID)
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		return nil, NewRetryableError("profile read failed", err)
	}

	updated, err := h.aggregator.Blend(prior, e.UserID, vec, e.Type.Weight(), e.OccurredAt)
	metrics.RecordStage(metrics.StageAggregate, time.Since(blendStart))
	if err != nil {
		return nil, NewPermanentError("aggregation failed", err)
	}
	return updated, nil
}

// resolveVector maps the event to its embedding: search text goes to
// the embedder, product references to the catalog.
func (h *ProfileHandler) resolveVector(ctx context.Context, e *event.Event) ([]float32, error) {
	if e.Type == event.TypeSearch {
		vec, err := h.embedder.Embed(ctx, e.Query)
		if err != nil {
			cerr := classifyCollaboratorError("embed search text", err)
			if h.config.ParkOnEmbedderOutage && IsRetryableError(cerr) {
				return nil, NewParkedError(cerr)
			}
			return nil, cerr
		}
		return vec, nil
	}

	vec, err := h.products.ProductVector(ctx, e.ProductID)
	if err != nil {
		if errors.Is(err, embedding.ErrProductNotFound) {
			// A product that does not exist will not start existing on
			// retry.
			return nil, NewPermanentError("referenced product has no vector", err)
		}
		return nil, classifyCollaboratorError("fetch product vector", err)
	}
	return vec, nil
}

// classifyCollaboratorError sorts collaborator failures into the retry
// taxonomy: 4xx responses are permanent, everything else (5xx, timeout,
// open breaker, connection loss) is transient.
func classifyCollaboratorError(op string, err error) error {
	var se *embedding.StatusError
	if errors.As(err, &se) && se.Permanent() {
		return NewPermanentError(op, err)
	}
	return NewRetryableError(op, err)
}

// fail logs a classified failure and decides the message disposition.
// Retryable failures return the error so the retry middleware backs
// off and the poison queue catches exhaustion. Permanent failures are
// dead-lettered directly and acknowledged: retrying a structurally
// invalid event can never succeed and would block the queue.
func (h *ProfileHandler) fail(msg *message.Message, e *event.Event, state WorkerState, err error) error {
	msg.Metadata.Set(workerMetadataKey, h.config.WorkerID)

	evt := logging.Error().
		Err(err).
		Str("message_uuid", msg.UUID).
		Str("state", state.String()).
		Str("category", CategoryOf(err).String()).
		Bool("retryable", IsRetryableError(err))
	if e != nil {
		evt = evt.Str("user_id", e.UserID).Str("event_type", string(e.Type))
	}
	evt.Msg("Event processing failed")

	if !IsPermanentError(err) {
		return err
	}

	h.permanentFailures.Add(1)
	metrics.RecordDiscarded(CategoryOf(err).String())

	if h.dlqPublisher != nil && h.dlqTopic != "" {
		dead := message.NewMessage(msg.UUID, msg.Payload)
		for k, v := range msg.Metadata {
			dead.Metadata.Set(k, v)
		}
		dead.Metadata.Set(reasonMetadataKey, err.Error())
		dead.Metadata.Set(categoryMetadataKey, CategoryOf(err).String())
		if perr := h.dlqPublisher.Publish(h.dlqTopic, dead); perr != nil {
			// The record must not vanish; keep the message in flight.
			return NewRetryableError("dead-letter publish failed", perr)
		}
	}
	return nil
}

// stampAttempt increments the delivery attempt counter carried in
// message metadata. The counter survives into the poison queue, where
// the dead-letter recorder reads it as retryCount.
func (h *ProfileHandler) stampAttempt(msg *message.Message) {
	attempt := 1
	if v := msg.Metadata.Get(attemptMetadataKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			attempt = n + 1
		}
	}
	msg.Metadata.Set(attemptMetadataKey, strconv.Itoa(attempt))
}

// Stats returns handler counters for the health surface.
func (h *ProfileHandler) Stats() (received, processed, duplicates, permanent int64) {
	return h.messagesReceived.Load(),
		h.messagesProcessed.Load(),
		h.duplicatesSkipped.Load(),
		h.permanentFailures.Load()
}

// LastMessageTime returns when the handler last received a message.
func (h *ProfileHandler) LastMessageTime() time.Time {
	t, _ := h.lastMessageTime.Load().(time.Time)
	return t
}
