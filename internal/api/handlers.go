// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/affinityd/affinity/internal/eventprocessor"
	"github.com/affinityd/affinity/internal/logging"
	"github.com/affinityd/affinity/internal/profile"
)

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// HealthLive is the liveness probe: the process is up and serving.
func (rt *Router) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady is the readiness probe. Degraded still serves traffic;
// unhealthy does not.
func (rt *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	if rt.health == nil {
		writeError(w, http.StatusServiceUnavailable, "health checker not configured")
		return
	}

	overall := rt.health.CheckAll(r.Context())
	status := http.StatusOK
	if overall.Status == eventprocessor.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    overall.Status,
		"timestamp": overall.Timestamp,
	})
}

// Health returns the full per-component health report.
func (rt *Router) Health(w http.ResponseWriter, r *http.Request) {
	if rt.health == nil {
		writeError(w, http.StatusServiceUnavailable, "health checker not configured")
		return
	}

	overall := rt.health.CheckAll(r.Context())
	status := http.StatusOK
	if overall.Status == eventprocessor.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, overall)
}

// dlqListResponse is the dead-letter listing envelope.
type dlqListResponse struct {
	Records []*eventprocessor.DeadLetterRecord `json:"records"`
	Count   int                                `json:"count"`
}

// DLQList returns all indexed dead-letter records, oldest first.
func (rt *Router) DLQList(w http.ResponseWriter, r *http.Request) {
	if rt.dlq == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter index not configured")
		return
	}

	records := rt.dlq.List()
	writeJSON(w, http.StatusOK, dlqListResponse{Records: records, Count: len(records)})
}

// dlqStatsResponse flattens DLQStats for the wire.
type dlqStatsResponse struct {
	TotalEntries      int64            `json:"total_entries"`
	TotalAdded        int64            `json:"total_added"`
	TotalRemoved      int64            `json:"total_removed"`
	TotalExpired      int64            `json:"total_expired"`
	OldestEntry       *time.Time       `json:"oldest_entry,omitempty"`
	NewestEntry       *time.Time       `json:"newest_entry,omitempty"`
	EntriesByCategory map[string]int64 `json:"entries_by_category"`
}

// DLQStats returns dead-letter index statistics.
func (rt *Router) DLQStats(w http.ResponseWriter, r *http.Request) {
	if rt.dlq == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter index not configured")
		return
	}

	stats := rt.dlq.Stats()
	resp := dlqStatsResponse{
		TotalEntries:      stats.TotalEntries,
		TotalAdded:        stats.TotalAdded,
		TotalRemoved:      stats.TotalRemoved,
		TotalExpired:      stats.TotalExpired,
		EntriesByCategory: make(map[string]int64, len(stats.EntriesByCategory)),
	}
	if !stats.OldestEntry.IsZero() {
		resp.OldestEntry = &stats.OldestEntry
	}
	if !stats.NewestEntry.IsZero() {
		resp.NewestEntry = &stats.NewestEntry
	}
	for cat, count := range stats.EntriesByCategory {
		resp.EntriesByCategory[cat.String()] = count
	}
	writeJSON(w, http.StatusOK, resp)
}

// DLQGet returns one dead-letter record by its key.
func (rt *Router) DLQGet(w http.ResponseWriter, r *http.Request) {
	if rt.dlq == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter index not configured")
		return
	}

	key := chi.URLParam(r, "key")
	rec := rt.dlq.Get(key)
	if rec == nil {
		writeError(w, http.StatusNotFound, "no dead-letter record for key")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DLQDelete discards a dead-letter record, typically after an operator
// has replayed or dismissed it.
func (rt *Router) DLQDelete(w http.ResponseWriter, r *http.Request) {
	if rt.dlq == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter index not configured")
		return
	}

	key := chi.URLParam(r, "key")
	if !rt.dlq.Remove(key) {
		writeError(w, http.StatusNotFound, "no dead-letter record for key")
		return
	}
	logging.Info().Str("key", key).Msg("Dead-letter record discarded by operator")
	w.WriteHeader(http.StatusNoContent)
}

// ProfileGet returns a user's current interest profile.
func (rt *Router) ProfileGet(w http.ResponseWriter, r *http.Request) {
	if rt.store == nil {
		writeError(w, http.StatusServiceUnavailable, "profile store not configured")
		return
	}

	userID := chi.URLParam(r, "userID")
	p, err := rt.store.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no profile for user")
			return
		}
		logging.Error().Err(err).Str("user_id", userID).Msg("Profile read failed")
		writeError(w, http.StatusInternalServerError, "profile read failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ProfileDelete removes a user's profile. Used for data deletion
// requests; subsequent events rebuild the profile from scratch.
func (rt *Router) ProfileDelete(w http.ResponseWriter, r *http.Request) {
	if rt.store == nil {
		writeError(w, http.StatusServiceUnavailable, "profile store not configured")
		return
	}

	userID := chi.URLParam(r, "userID")
	if err := rt.store.Delete(r.Context(), userID); err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("Profile delete failed")
		writeError(w, http.StatusInternalServerError, "profile delete failed")
		return
	}
	logging.Info().Str("user_id", userID).Msg("Profile deleted by operator")
	w.WriteHeader(http.StatusNoContent)
}
