// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package services adapts the pipeline's components to suture.Service
// so the supervision tree can restart them independently. Each wrapper
// translates between a component's own lifecycle (blocking serve
// loops, shutdown methods, tickers) and suture's context-aware Serve
// contract.
package services
