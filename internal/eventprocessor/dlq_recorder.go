// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/affinityd/affinity/internal/event"
	"github.com/affinityd/affinity/internal/logging"
)

// DLQRecorder consumes the dead-letter stream and materializes records
// into the DLQHandler index. It only observes; it never replays.
type DLQRecorder struct {
	dlq        *DLQHandler
	serializer *event.Serializer
}

// NewDLQRecorder creates the recorder over an index.
func NewDLQRecorder(dlq *DLQHandler) *DLQRecorder {
	return &DLQRecorder{
		dlq:        dlq,
		serializer: event.NewSerializer(),
	}
}

// Handle materializes one dead-lettered message. It never returns an
// error: a record that cannot even be parsed is still indexed with its
// raw payload, and a failing recorder must not re-dead-letter the
// dead letters.
func (r *DLQRecorder) Handle(msg *message.Message) error {
	now := time.Now()

	rec := &DeadLetterRecord{
		MessageID:      msg.UUID,
		FirstFailureAt: now,
		LastFailureAt:  now,
		WorkerID:       msg.Metadata.Get(workerMetadataKey),
	}

	// The attempt counter stamped by the worker on every delivery is
	// the retry count the record carries.
	if v := msg.Metadata.Get(attemptMetadataKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rec.RetryCount = n
		}
	}

	// Failure descriptions: the handler's own reason for direct
	// dead-letters, or the poison queue middleware's for exhausted
	// retries.
	if reason := msg.Metadata.Get(reasonMetadataKey); reason != "" {
		rec.Errors = append(rec.Errors, reason)
	}
	if reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey); reason != "" {
		rec.Errors = append(rec.Errors, reason)
	}

	rec.Category = categoryFromMetadata(msg.Metadata.Get(categoryMetadataKey))

	e, err := r.serializer.Unmarshal(msg.Payload)
	if err != nil {
		rec.Payload = msg.Payload
		if rec.Category == ErrorCategoryUnknown {
			rec.Category = ErrorCategoryValidation
		}
	} else {
		rec.Event = e
	}

	r.dlq.Add(rec)

	evt := logging.Warn().
		Str("message_id", rec.MessageID).
		Int("retry_count", rec.RetryCount).
		Str("category", rec.Category.String()).
		Str("worker_id", rec.WorkerID)
	if rec.Event != nil {
		evt = evt.Str("user_id", rec.Event.UserID).Str("event_type", string(rec.Event.Type))
	}
	evt.Msg("Dead-letter record indexed")

	return nil
}

// categoryFromMetadata parses a category name back to its enum value.
func categoryFromMetadata(s string) ErrorCategory {
	for _, c := range []ErrorCategory{
		ErrorCategoryConnection,
		ErrorCategoryTimeout,
		ErrorCategoryValidation,
		ErrorCategoryStore,
		ErrorCategoryCollaborator,
		ErrorCategoryNotFound,
	} {
		if c.String() == s {
			return c
		}
	}
	return ErrorCategoryUnknown
}
