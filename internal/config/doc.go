// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package config loads the daemon's layered configuration: built-in
// defaults, an optional YAML file, and AFFINITY_* environment
// variables, in increasing precedence. The merged result is validated
// before the daemon starts, so a bad combination fails fast instead of
// surfacing as a runtime mystery.
package config
