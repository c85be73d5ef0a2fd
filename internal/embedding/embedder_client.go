// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/affinityd/affinity/internal/metrics"
)

// HTTPEmbedder implements Embedder against a text embedding service
// exposing POST /v1/embed with {"text": ...} and {"vector": [...]}.
type HTTPEmbedder struct {
	client *Client
}

// NewHTTPEmbedder creates the embedding service client.
func NewHTTPEmbedder(cfg ClientConfig) (*HTTPEmbedder, error) {
	c, err := newClient("embedder", cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPEmbedder{client: c}, nil
}

// Embed returns the embedding vector for the given text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("embedder: empty text")
	}

	start := time.Now()
	vec, err := e.client.do(ctx, http.MethodPost, "/v1/embed", map[string]string{"text": text})
	metrics.EmbedDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.EmbedRequests.WithLabelValues("ok").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		metrics.EmbedRequests.WithLabelValues("timeout").Inc()
	default:
		metrics.EmbedRequests.WithLabelValues("error").Inc()
	}
	return vec, err
}

// BreakerOpen reports whether the embedder breaker is open.
func (e *HTTPEmbedder) BreakerOpen() bool {
	return e.client.BreakerOpen()
}

// HTTPProductVectorSource implements ProductVectorSource against a
// catalog exposing GET /v1/products/{id}/vector.
type HTTPProductVectorSource struct {
	client *Client
}

// NewHTTPProductVectorSource creates the product catalog client.
func NewHTTPProductVectorSource(cfg ClientConfig) (*HTTPProductVectorSource, error) {
	c, err := newClient("product_catalog", cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPProductVectorSource{client: c}, nil
}

// ProductVector returns the precomputed vector for a product, or
// ErrProductNotFound.
func (s *HTTPProductVectorSource) ProductVector(ctx context.Context, productID string) ([]float32, error) {
	if productID == "" {
		return nil, fmt.Errorf("product catalog: empty product ID")
	}

	path := "/v1/products/" + url.PathEscape(productID) + "/vector"
	vec, err := s.client.do(ctx, http.MethodGet, path, nil)

	var se *StatusError
	switch {
	case err == nil:
		metrics.ProductVectorRequests.WithLabelValues("ok").Inc()
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		metrics.ProductVectorRequests.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("product %s: %w", productID, ErrProductNotFound)
	default:
		metrics.ProductVectorRequests.WithLabelValues("error").Inc()
	}
	return vec, err
}

// BreakerOpen reports whether the catalog breaker is open.
func (s *HTTPProductVectorSource) BreakerOpen() bool {
	return s.client.BreakerOpen()
}
