// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package embedding wraps the two external collaborators the pipeline
// depends on: a text embedding service (search queries) and a product
// vector catalog (view/click/purchase). Both HTTP clients sit behind a
// circuit breaker and a client-side rate limiter.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrProductNotFound is returned when the catalog has no vector for a
// product. Callers treat this as permanent for the affected event.
var ErrProductNotFound = errors.New("product vector not found")

// Embedder turns free text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProductVectorSource resolves precomputed product embeddings.
type ProductVectorSource interface {
	ProductVector(ctx context.Context, productID string) ([]float32, error)
}

// StatusError carries the HTTP status of a failed collaborator call so
// callers can decide between retry and dead-letter.
type StatusError struct {
	Service string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Service, e.Code)
}

// Permanent reports whether the status indicates a request that will
// never succeed on retry. Client errors are permanent except 429.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != 429
}
