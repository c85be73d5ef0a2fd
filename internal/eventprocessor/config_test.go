// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"testing"
	"time"
)

func TestLoadNATSConfigDefaults(t *testing.T) {
	cfg := LoadNATSConfig()

	if cfg.URL != "nats://127.0.0.1:4222" {
		t.Errorf("URL = %q", cfg.URL)
	}
	if !cfg.EmbeddedServer {
		t.Error("EmbeddedServer should default to true")
	}
	if cfg.SubscribersCount != 4 {
		t.Errorf("SubscribersCount = %d, want 4", cfg.SubscribersCount)
	}
	if cfg.DurableName != "interest-worker" {
		t.Errorf("DurableName = %q", cfg.DurableName)
	}
}

func TestLoadNATSConfigEnvOverrides(t *testing.T) {
	t.Setenv("NATS_URL", "nats://10.0.0.5:4222")
	t.Setenv("NATS_EMBEDDED", "false")
	t.Setenv("NATS_SUBSCRIBERS", "8")
	t.Setenv("NATS_RETENTION_DAYS", "14")
	t.Setenv("NATS_MAX_MEMORY", "1048576")

	cfg := LoadNATSConfig()
	if cfg.URL != "nats://10.0.0.5:4222" {
		t.Errorf("URL = %q", cfg.URL)
	}
	if cfg.EmbeddedServer {
		t.Error("NATS_EMBEDDED=false not applied")
	}
	if cfg.SubscribersCount != 8 {
		t.Errorf("SubscribersCount = %d, want 8", cfg.SubscribersCount)
	}
	if cfg.StreamRetentionDays != 14 {
		t.Errorf("StreamRetentionDays = %d, want 14", cfg.StreamRetentionDays)
	}
	if cfg.MaxMemory != 1048576 {
		t.Errorf("MaxMemory = %d", cfg.MaxMemory)
	}
}

func TestLoadNATSConfigMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("NATS_SUBSCRIBERS", "lots")
	t.Setenv("NATS_MAX_MEMORY", "1GB")

	cfg := LoadNATSConfig()
	if cfg.SubscribersCount != 4 {
		t.Errorf("SubscribersCount = %d, want default on parse failure", cfg.SubscribersCount)
	}
	if cfg.MaxMemory != 1<<30 {
		t.Errorf("MaxMemory = %d, want default on parse failure", cfg.MaxMemory)
	}
}

func TestDefaultSubscriberConfig(t *testing.T) {
	cfg := DefaultSubscriberConfig("nats://127.0.0.1:4222")

	// Five delivery attempts and a 30s redelivery horizon: a worker
	// crash surrenders the message back to the broker inside AckWait.
	if cfg.MaxDeliver != 5 {
		t.Errorf("MaxDeliver = %d, want 5", cfg.MaxDeliver)
	}
	if cfg.AckWaitTimeout != 30*time.Second {
		t.Errorf("AckWaitTimeout = %v, want 30s", cfg.AckWaitTimeout)
	}
	if cfg.MaxReconnects != -1 {
		t.Errorf("MaxReconnects = %d, want unlimited", cfg.MaxReconnects)
	}
}

func TestDefaultStreamConfigs(t *testing.T) {
	main := DefaultStreamConfig()
	if main.Name != "INTEREST_EVENTS" {
		t.Errorf("Name = %q", main.Name)
	}
	if len(main.Subjects) != 1 || main.Subjects[0] != "interest.>" {
		t.Errorf("Subjects = %v", main.Subjects)
	}
	if main.DuplicateWindow != 2*time.Minute {
		t.Errorf("DuplicateWindow = %v", main.DuplicateWindow)
	}

	dlq := DefaultDLQStreamConfig()
	if dlq.Name != "INTEREST_DLQ" {
		t.Errorf("DLQ Name = %q", dlq.Name)
	}
	if len(dlq.Subjects) != 1 || dlq.Subjects[0] != "dlq.>" {
		t.Errorf("DLQ Subjects = %v", dlq.Subjects)
	}
	if dlq.MaxAge <= main.MaxAge {
		t.Error("dead letters must outlive the main stream retention")
	}
}

func TestWorkerStateString(t *testing.T) {
	cases := map[WorkerState]string{
		StateReceived:      "received",
		StateDeduplicating: "deduplicating",
		StateAggregating:   "aggregating",
		StatePersisting:    "persisting",
		StateAcknowledged:  "acknowledged",
		StateFailed:        "failed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}
