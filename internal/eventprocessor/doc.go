// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package eventprocessor implements the interest event pipeline on NATS
// JetStream via Watermill.
//
// Events flow from the INTEREST_EVENTS stream (subjects interest.>)
// through a pool of worker handlers. Each worker walks one message
// through a fixed sequence: deduplicate against a local idempotency
// cache, resolve the event vector from a collaborator, blend it into
// the user's profile with temporal decay, and persist through the
// store's conditional upsert. Only a durably persisted (or provably
// redundant) effect is acknowledged.
//
// Failures are classified before the next message is pulled: transient
// errors ride the router's retry middleware back through the broker,
// permanent errors are acknowledged and recorded, and store conflicts
// are successful no-ops. Messages that exhaust their retry budget land
// on the INTEREST_DLQ stream, where a recorder consumer materializes
// them for operator inspection. Dead-lettered events are never replayed
// automatically.
//
// An optional coalescer batches events for the same user arriving
// within a short window into a single store write, applied in
// increasing occurredAt order.
package eventprocessor
