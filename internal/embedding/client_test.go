// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package embedding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func vectorHandler(t *testing.T, vec []float32) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"vector": vec}); err != nil {
			t.Errorf("Encode response: %v", err)
		}
	}
}

func TestHTTPEmbedder_Embed(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var gotAuth, gotText string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/v1/embed" {
				t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
			}
			gotAuth = r.Header.Get("Authorization")
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("Decode request: %v", err)
			}
			gotText = body["text"]
			vectorHandler(t, []float32{0.1, 0.2, 0.3})(w, r)
		}))
		defer srv.Close()

		e, err := NewHTTPEmbedder(ClientConfig{BaseURL: srv.URL, APIKey: "secret", Dimension: 3})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		vec, err := e.Embed(context.Background(), "wireless headphones")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(vec) != 3 || vec[0] != 0.1 {
			t.Errorf("Unexpected vector: %v", vec)
		}
		if gotAuth != "Bearer secret" {
			t.Errorf("Unexpected auth header: %q", gotAuth)
		}
		if gotText != "wireless headphones" {
			t.Errorf("Unexpected text: %q", gotText)
		}
	})

	t.Run("empty text", func(t *testing.T) {
		e, err := NewHTTPEmbedder(ClientConfig{BaseURL: "http://localhost:1"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if _, err := e.Embed(context.Background(), ""); err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		srv := httptest.NewServer(vectorHandler(t, []float32{0.1, 0.2}))
		defer srv.Close()

		e, err := NewHTTPEmbedder(ClientConfig{BaseURL: srv.URL, Dimension: 3})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if _, err := e.Embed(context.Background(), "query"); err == nil {
			t.Error("Expected dimension error")
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		e, err := NewHTTPEmbedder(ClientConfig{BaseURL: srv.URL})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		_, err = e.Embed(context.Background(), "query")
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("Expected StatusError, got %v", err)
		}
		if se.Permanent() {
			t.Error("Expected 500 to be retryable")
		}
	})
}

func TestHTTPProductVectorSource(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/products/prod-42/vector" {
				t.Errorf("Unexpected path: %s", r.URL.Path)
			}
			vectorHandler(t, []float32{1, 0})(w, r)
		}))
		defer srv.Close()

		s, err := NewHTTPProductVectorSource(ClientConfig{BaseURL: srv.URL})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		vec, err := s.ProductVector(context.Background(), "prod-42")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(vec) != 2 {
			t.Errorf("Unexpected vector: %v", vec)
		}
	})

	t.Run("not found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		s, err := NewHTTPProductVectorSource(ClientConfig{BaseURL: srv.URL})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		_, err = s.ProductVector(context.Background(), "missing")
		if !errors.Is(err, ErrProductNotFound) {
			t.Errorf("Expected ErrProductNotFound, got %v", err)
		}
	})
}

func TestClient_BreakerOpens(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(ClientConfig{
		BaseURL:          srv.URL,
		FailureThreshold: 3,
		BreakerTimeout:   time.Minute,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for i := 0; i < 5; i++ {
		_, _ = e.Embed(context.Background(), "query")
	}

	if !e.BreakerOpen() {
		t.Error("Expected breaker to open after consecutive failures")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("Expected 3 upstream calls before the breaker opened, got %d", n)
	}
}

func TestClient_PermanentErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(ClientConfig{BaseURL: srv.URL, FailureThreshold: 2})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for i := 0; i < 10; i++ {
		_, _ = e.Embed(context.Background(), "query")
	}
	if e.BreakerOpen() {
		t.Error("Expected 4xx responses not to trip the breaker")
	}
}
