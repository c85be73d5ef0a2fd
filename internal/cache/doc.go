// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package cache provides the in-memory data structures used by the event
// pipeline: a TTL-bounded LRU for best-effort idempotency checks and a
// timestamp-ordered min-heap backing the dead-letter index.
//
// Both structures are thread-safe and bounded; neither is authoritative
// state. The authoritative deduplication mechanism is the profile store's
// monotonic timestamp guard.
package cache
