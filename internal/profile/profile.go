// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package profile maintains per-user interest embeddings. An aggregator
// blends incoming event vectors into the stored profile with exponential
// temporal decay, and a BadgerDB-backed store persists the result behind
// a monotonic timestamp guard so stale or duplicate deliveries never
// overwrite fresher state.
package profile

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no profile exists for a user.
var ErrNotFound = errors.New("profile not found")

// Profile is a user's aggregated interest embedding.
type Profile struct {
	UserID        string    `json:"user_id"`
	Vector        []float32 `json:"vector"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	EventCount    int64     `json:"event_count"`
	Version       int64     `json:"version"`
}

// Clone returns a deep copy. The store hands callers clones so a profile
// held across an aggregation step cannot alias persisted state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Vector = make([]float32, len(p.Vector))
	copy(c.Vector, p.Vector)
	return &c
}
