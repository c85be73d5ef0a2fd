// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/affinityd/affinity/internal/logging"
	"github.com/affinityd/affinity/internal/metrics"
)

// ClientConfig configures an HTTP collaborator client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Dimension, when non-zero, rejects responses whose vector length
	// disagrees. Catches collaborator misconfiguration early instead of
	// at the profile store.
	Dimension int

	// RatePerSecond and Burst bound outbound request rate. Zero
	// disables limiting.
	RatePerSecond float64
	Burst         int

	// Breaker settings.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	cfg := *c
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.Burst == 0 && cfg.RatePerSecond > 0 {
		cfg.Burst = 1
	}
	return cfg
}

// Client calls a collaborator over HTTP with breaker and rate-limit
// protection. It backs both the embedder and the product vector source.
type Client struct {
	name    string
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]float32]
	limiter *rate.Limiter
}

func newClient(name string, cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base URL is required", name)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%s: invalid base URL: %w", name, err)
	}

	c := &Client{
		name: name,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
		Name:    name,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			metrics.RecordBreakerState(name, to == gobreaker.StateOpen)
		},
		IsSuccessful: func(err error) bool {
			// Permanent client errors are the caller's problem, not a
			// sign the collaborator is down.
			if err == nil {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) && se.Permanent() {
				return true
			}
			return false
		},
	})

	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}

	return c, nil
}

// BreakerOpen reports whether the breaker is currently rejecting calls.
func (c *Client) BreakerOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// do runs one POST or GET through the limiter and breaker and decodes
// the vector field out of the response body.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limiter: %w", c.name, err)
		}
	}

	return c.breaker.Execute(func() ([]float32, error) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", c.name, err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Service: c.name, Code: resp.StatusCode}
		}

		var payload struct {
			Vector []float32 `json:"vector"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
		}
		if len(payload.Vector) == 0 {
			return nil, fmt.Errorf("%s: response missing vector", c.name)
		}
		if c.cfg.Dimension > 0 && len(payload.Vector) != c.cfg.Dimension {
			return nil, fmt.Errorf("%s: expected %d dimensions, got %d",
				c.name, c.cfg.Dimension, len(payload.Vector))
		}
		return payload.Vector, nil
	})
}
