// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

// Package event defines the canonical user-interaction event record carried
// on the interest event stream, its validation rules, and the deterministic
// idempotency key derived from it.
package event

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to Event.
const SchemaVersion = 1

// Type identifies the kind of user interaction an event describes.
// It determines both the aggregation weight and how the event vector is
// resolved (search phrases are embedded, product interactions use the
// precomputed product vector).
type Type string

// Event types, ordered by aggregation weight.
const (
	// TypePurchase is a completed purchase of a product.
	TypePurchase Type = "purchase"
	// TypeSearch is a free-text catalog search.
	TypeSearch Type = "search"
	// TypeClick is a click-through to a product page.
	TypeClick Type = "click"
	// TypeView is a product impression.
	TypeView Type = "view"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypePurchase, TypeSearch, TypeClick, TypeView:
		return true
	}
	return false
}

// Weight returns the aggregation weight for the event type. Purchases carry
// the strongest interest signal, impressions the weakest.
func (t Type) Weight() float64 {
	switch t {
	case TypePurchase:
		return 1.0
	case TypeSearch:
		return 0.7
	case TypeClick:
		return 0.5
	case TypeView:
		return 0.3
	default:
		return 0
	}
}

// Event is one user interaction, immutable once published.
//
// Exactly one of Query or ProductID is set, determined by Type: search
// events carry the raw search phrase, all other types reference a product.
// OccurredAt is the source of truth for temporal decay and ordering;
// ingestion wall-clock time plays no role in aggregation.
type Event struct {
	// Schema version for forward/backward compatibility.
	SchemaVersion int `json:"schema_version,omitempty"`

	// EventID uniquely identifies this logical event.
	EventID string `json:"event_id"`

	// UserID is the opaque owner of the profile this event feeds.
	UserID string `json:"user_id"`

	// Type is the interaction kind: search, view, click or purchase.
	Type Type `json:"event_type"`

	// Query is the free-text search phrase. Set only for search events.
	Query string `json:"query,omitempty"`

	// ProductID references the interacted product. Set for view, click
	// and purchase events.
	ProductID string `json:"product_id,omitempty"`

	// OccurredAt is when the interaction happened at the source.
	OccurredAt time.Time `json:"occurred_at"`

	// Metadata is an open key/value bag (device, channel, experiment
	// arm). Opaque to the pipeline, carried through to dead-letter
	// records for operator context.
	Metadata map[string]string `json:"metadata,omitempty"`

	// IdempotencyKey is the deterministic hash of the identifying
	// fields, set by the publisher before the event reaches the broker.
	// Workers recompute and verify it rather than trusting the wire.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// New creates an event with a unique ID, timestamp and schema version.
func New(userID string, eventType Type) *Event {
	return &Event{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		UserID:        userID,
		Type:          eventType,
		OccurredAt:    time.Now().UTC(),
	}
}

// Reference returns the identifying payload for the event type: the search
// phrase for searches, the product ID otherwise.
func (e *Event) Reference() string {
	if e.Type == TypeSearch {
		return e.Query
	}
	return e.ProductID
}

// Validate checks the structural invariants of an event record.
// A validation failure is permanent: redelivery cannot repair a malformed
// event, so callers acknowledge and discard rather than retry.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "event_type", Message: "unknown type " + string(e.Type)}
	}
	if e.Type == TypeSearch {
		if e.Query == "" {
			return &ValidationError{Field: "query", Message: "required for search events"}
		}
		if e.ProductID != "" {
			return &ValidationError{Field: "product_id", Message: "must be empty for search events"}
		}
	} else {
		if e.ProductID == "" {
			return &ValidationError{Field: "product_id", Message: "required for " + string(e.Type) + " events"}
		}
		if e.Query != "" {
			return &ValidationError{Field: "query", Message: "must be empty for " + string(e.Type) + " events"}
		}
	}
	if e.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Message: "required"}
	}
	return nil
}

// Topic returns the broker subject for this event.
// Format: interest.<type>, e.g. interest.purchase.
func (e *Event) Topic() string {
	return "interest." + string(e.Type)
}

// ValidationError describes a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
