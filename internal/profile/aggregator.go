// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package profile

import (
	"fmt"
	"math"
	"time"
)

// DefaultHalfLifeDays is the temporal decay half-life. A signal's
// influence on the profile halves every 30 days.
const DefaultHalfLifeDays = 30.0

// Aggregator blends event vectors into profile vectors using exponential
// temporal decay. All arithmetic runs in float64; vectors are stored as
// float32.
type Aggregator struct {
	// lambda is the decay constant ln(2)/halfLifeDays.
	lambda float64
}

// NewAggregator creates an aggregator with the given half-life in days.
// Non-positive values fall back to DefaultHalfLifeDays.
func NewAggregator(halfLifeDays float64) *Aggregator {
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	return &Aggregator{lambda: math.Ln2 / halfLifeDays}
}

// Blend folds an event vector into the prior profile and returns the
// updated profile. The prior may be nil (cold start), in which case the
// result is the normalized event vector regardless of weight.
//
// Out-of-order events are handled by clamping the elapsed age at zero:
// an event older than the profile's last update decays the prior by
// nothing extra, it simply contributes with its weight.
func (a *Aggregator) Blend(prior *Profile, userID string, eventVector []float32, weight float64, occurredAt time.Time) (*Profile, error) {
	if len(eventVector) == 0 {
		return nil, fmt.Errorf("empty event vector for user %s", userID)
	}
	if weight <= 0 {
		return nil, fmt.Errorf("non-positive weight %v for user %s", weight, userID)
	}

	if prior == nil || len(prior.Vector) == 0 {
		vec := make([]float32, len(eventVector))
		copy(vec, eventVector)
		if err := Normalize(vec); err != nil {
			return nil, fmt.Errorf("cold start for user %s: %w", userID, err)
		}
		return &Profile{
			UserID:        userID,
			Vector:        vec,
			LastUpdatedAt: occurredAt,
			EventCount:    1,
			Version:       1,
		}, nil
	}

	if len(prior.Vector) != len(eventVector) {
		return nil, fmt.Errorf("dimension mismatch for user %s: profile %d, event %d",
			userID, len(prior.Vector), len(eventVector))
	}

	ageDays := occurredAt.Sub(prior.LastUpdatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Exp(-a.lambda * ageDays)

	denom := decay + weight
	vec := make([]float32, len(eventVector))
	for i := range vec {
		blended := (float64(prior.Vector[i])*decay + float64(eventVector[i])*weight) / denom
		vec[i] = float32(blended)
	}
	if err := Normalize(vec); err != nil {
		return nil, fmt.Errorf("blend for user %s: %w", userID, err)
	}

	last := prior.LastUpdatedAt
	if occurredAt.After(last) {
		last = occurredAt
	}

	return &Profile{
		UserID:        userID,
		Vector:        vec,
		LastUpdatedAt: last,
		EventCount:    prior.EventCount + 1,
		Version:       prior.Version + 1,
	}, nil
}

// Normalize scales vec to unit L2 norm in place. Zero or non-finite
// vectors are rejected rather than silently producing NaNs.
func Normalize(vec []float32) error {
	var sum float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite component %v", f)
		}
		sum += f * f
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return fmt.Errorf("zero vector cannot be normalized")
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return nil
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("zero vector in cosine")
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
