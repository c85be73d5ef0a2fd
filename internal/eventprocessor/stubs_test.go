// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/affinityd/affinity/internal/embedding"
	"github.com/affinityd/affinity/internal/event"
	"github.com/affinityd/affinity/internal/profile"
)

// fakeStore implements profile.Store in memory with the same
// strictly-greater timestamp guard as the BadgerDB store.
type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*profile.Profile
	upserts  int
	applied  int
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: make(map[string]*profile.Profile)}
}

func (s *fakeStore) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *fakeStore) Upsert(ctx context.Context, p *profile.Profile, eventTime time.Time) (*profile.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upserts++
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}

	if current, ok := s.profiles[p.UserID]; ok {
		if len(current.Vector) != len(p.Vector) {
			return nil, fmt.Errorf("stub: %w", profile.ErrDimensionMismatch)
		}
		if !eventTime.After(current.LastUpdatedAt) {
			return &profile.UpsertResult{
				Outcome: profile.OutcomeConflict,
				Profile: current.Clone(),
			}, nil
		}
	}

	s.profiles[p.UserID] = p.Clone()
	s.applied++
	return &profile.UpsertResult{Outcome: profile.OutcomeApplied, Profile: p.Clone()}, nil
}

func (s *fakeStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

func (s *fakeStore) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *fakeStore) profileOf(userID string) *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil
	}
	return p.Clone()
}

// fakeEmbedder returns a fixed vector per query, or a configured error.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32)}
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0}, nil
}

// fakeProducts resolves product vectors from a fixed table; unknown
// products return embedding.ErrProductNotFound.
type fakeProducts struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func newFakeProducts() *fakeProducts {
	return &fakeProducts{vectors: make(map[string][]float32)}
}

func (p *fakeProducts) ProductVector(ctx context.Context, productID string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	vec, ok := p.vectors[productID]
	if !ok {
		return nil, embedding.ErrProductNotFound
	}
	return vec, nil
}

func (p *fakeProducts) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// capturingPublisher records published messages per topic.
type capturingPublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
	err      error
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{messages: make(map[string][]*message.Message)}
}

func (p *capturingPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages[topic] = append(p.messages[topic], msgs...)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[topic]
}

// errTransient simulates a store connectivity failure.
var errTransient = errors.New("store: connection refused")

func purchaseEvent(userID, productID string, at time.Time) *event.Event {
	e := &event.Event{
		SchemaVersion: event.SchemaVersion,
		EventID:       "evt-" + userID + "-" + productID,
		UserID:        userID,
		Type:          event.TypePurchase,
		ProductID:     productID,
		OccurredAt:    at,
	}
	e.Stamp()
	return e
}

func searchEvent(userID, query string, at time.Time) *event.Event {
	e := &event.Event{
		SchemaVersion: event.SchemaVersion,
		EventID:       "evt-" + userID + "-search",
		UserID:        userID,
		Type:          event.TypeSearch,
		Query:         query,
		OccurredAt:    at,
	}
	e.Stamp()
	return e
}

func mustMessage(e *event.Event) *message.Message {
	data, err := event.NewSerializer().Marshal(e)
	if err != nil {
		panic(err)
	}
	return message.NewMessage(e.EventID, data)
}
