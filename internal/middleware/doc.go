// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package middleware provides HTTP middleware for the operational API:
// Prometheus request instrumentation and gzip response compression.
// All middleware use the standard func(http.Handler) http.Handler shape
// so they compose with chi's Use chain.
package middleware
