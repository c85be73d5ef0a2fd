// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package supervisor provides the supervision tree that keeps the
// pipeline's long-running components alive.
//
// It builds on suture's restart-on-failure model: each component runs
// as a suture.Service under one of three child supervisors (data,
// messaging, api), so a panic or fatal error in one layer restarts
// only that layer. Crash recovery of in-flight work is owed to the
// broker, not the supervisor: an interest event whose worker dies
// unacknowledged is redelivered after the consumer's AckWait.
//
// The services subpackage holds the adapters that turn the pipeline's
// components (HTTP server, event router, embedded broker, retention
// sweeps) into suture services.
package supervisor
