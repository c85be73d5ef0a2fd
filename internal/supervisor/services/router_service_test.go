// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockRouter struct {
	runErr error
}

func (m *mockRouter) Run(ctx context.Context) error {
	if m.runErr != nil {
		return m.runErr
	}
	<-ctx.Done()
	return nil
}

func (m *mockRouter) Close() error { return nil }

func TestRouterServiceStopsWithContext(t *testing.T) {
	svc := NewRouterService(&mockRouter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRouterServiceReportsCrash(t *testing.T) {
	crash := errors.New("subscriber lost")
	svc := NewRouterService(&mockRouter{runErr: crash})

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, crash) {
		t.Errorf("Serve = %v, want wrapped crash", err)
	}
}
