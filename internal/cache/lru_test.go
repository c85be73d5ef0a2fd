// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestIdempotencyLRU_Seen(t *testing.T) {
	t.Run("first sighting is not a duplicate", func(t *testing.T) {
		c := NewIdempotencyLRU(10, time.Minute)

		if c.Seen("key-1") {
			t.Error("Expected first sighting to return false")
		}
		if !c.Seen("key-1") {
			t.Error("Expected second sighting to return true")
		}
	})

	t.Run("distinct keys are independent", func(t *testing.T) {
		c := NewIdempotencyLRU(10, time.Minute)

		c.Seen("key-1")
		if c.Seen("key-2") {
			t.Error("Expected distinct key to be new")
		}
	})

	t.Run("expired entries are treated as new", func(t *testing.T) {
		c := NewIdempotencyLRU(10, 10*time.Millisecond)

		c.Seen("key-1")
		time.Sleep(20 * time.Millisecond)
		if c.Seen("key-1") {
			t.Error("Expected expired key to be treated as new")
		}
	})
}

func TestIdempotencyLRU_Eviction(t *testing.T) {
	c := NewIdempotencyLRU(3, time.Minute)

	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	c.Seen("d") // evicts "a"

	if c.Len() != 3 {
		t.Errorf("Expected 3 entries, got %d", c.Len())
	}
	if c.Contains("a") {
		t.Error("Expected oldest entry to be evicted")
	}
	if !c.Contains("d") {
		t.Error("Expected newest entry to be present")
	}
}

func TestIdempotencyLRU_RecencyOrder(t *testing.T) {
	c := NewIdempotencyLRU(2, time.Minute)

	c.Seen("a")
	c.Seen("b")
	c.Seen("a") // refresh "a", "b" is now the LRU
	c.Seen("c") // evicts "b"

	if !c.Contains("a") {
		t.Error("Expected refreshed entry to survive eviction")
	}
	if c.Contains("b") {
		t.Error("Expected least recently seen entry to be evicted")
	}
}

func TestIdempotencyLRU_Remove(t *testing.T) {
	c := NewIdempotencyLRU(10, time.Minute)

	c.Record("key-1")
	if !c.Remove("key-1") {
		t.Error("Expected Remove to report success")
	}
	if c.Remove("key-1") {
		t.Error("Expected second Remove to report failure")
	}
	if c.Contains("key-1") {
		t.Error("Expected removed key to be absent")
	}
}

func TestIdempotencyLRU_CleanupExpired(t *testing.T) {
	c := NewIdempotencyLRU(10, 10*time.Millisecond)

	c.Record("a")
	c.Record("b")
	time.Sleep(20 * time.Millisecond)
	c.Record("c")

	removed := c.CleanupExpired()
	if removed != 2 {
		t.Errorf("Expected 2 expired entries removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry remaining, got %d", c.Len())
	}
}

func TestIdempotencyLRU_Concurrent(t *testing.T) {
	c := NewIdempotencyLRU(1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("worker-%d-key-%d", n, j)
				c.Seen(key)
				c.Contains(key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 1000 {
		t.Errorf("Expected cache at capacity 1000, got %d", c.Len())
	}
}
