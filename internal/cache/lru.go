// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package cache

import (
	"sync"
	"time"
)

// lruEntry is a node in the doubly-linked LRU list.
type lruEntry struct {
	key       string
	seenAt    time.Time
	prev      *lruEntry
	next      *lruEntry
	expiresAt time.Time
}

// IdempotencyLRU is a thread-safe LRU cache with TTL, keyed by idempotency
// key. It answers "have I seen this delivery recently" in O(1) and evicts
// the least recently used entry when capacity is reached.
//
// The cache is best-effort: a miss does not mean the event is new (the entry
// may have been evicted, or another worker may have processed it), only that
// this worker cannot short-circuit the duplicate fast-path.
type IdempotencyLRU struct {
	mu sync.RWMutex

	capacity int
	ttl      time.Duration

	// items maps idempotency keys to list nodes for O(1) lookup.
	items map[string]*lruEntry

	// head.next is most recently seen, tail.prev least recently seen.
	head *lruEntry
	tail *lruEntry

	hits   int64
	misses int64
}

// NewIdempotencyLRU creates an LRU cache with the given capacity and TTL.
func NewIdempotencyLRU(capacity int, ttl time.Duration) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	c := &IdempotencyLRU{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruEntry, capacity),
		head:     &lruEntry{},
		tail:     &lruEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// Seen reports whether the key was recorded and has not expired, and records
// it if new. Returns true for duplicates, false for first sightings.
//
// Seen records the key before the caller has done anything with it, so it
// only suits flows where sighting and effect are the same step. A consumer
// that must not remember a key until its effect is durable uses the
// two-step Contains/Record pair instead: Contains on receipt, Record only
// after the write lands, so a failed attempt stays eligible for retry.
func (c *IdempotencyLRU) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if entry, ok := c.items[key]; ok {
		if !now.After(entry.expiresAt) {
			c.moveToFront(entry)
			c.hits++
			return true
		}
		// Expired entry, treat the key as new.
		c.removeEntry(entry)
	}

	c.insert(key, now)
	c.misses++
	return false
}

// Contains reports whether the key is present and unexpired without
// recording it or refreshing its position.
func (c *IdempotencyLRU) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.items[key]
	return ok && !time.Now().After(entry.expiresAt)
}

// Record inserts or refreshes a key unconditionally.
func (c *IdempotencyLRU) Record(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.items[key]; ok {
		entry.seenAt = now
		entry.expiresAt = now.Add(c.ttl)
		c.moveToFront(entry)
		return
	}
	c.insert(key, now)
}

// Remove deletes a key. Returns true if it was present.
func (c *IdempotencyLRU) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		c.removeEntry(entry)
		return true
	}
	return false
}

// Len returns the current number of entries.
func (c *IdempotencyLRU) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns hit and miss counters since creation.
func (c *IdempotencyLRU) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// CleanupExpired removes all expired entries. Returns the number removed.
func (c *IdempotencyLRU) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for entry := c.tail.prev; entry != c.head; {
		prev := entry.prev
		if now.After(entry.expiresAt) {
			c.removeEntry(entry)
			removed++
		}
		entry = prev
	}
	return removed
}

// insert adds a fresh entry at the front, evicting from the tail at capacity.
// Caller must hold c.mu.
func (c *IdempotencyLRU) insert(key string, now time.Time) {
	entry := &lruEntry{
		key:       key,
		seenAt:    now,
		expiresAt: now.Add(c.ttl),
	}
	c.addToFront(entry)
	c.items[key] = entry

	for len(c.items) > c.capacity {
		oldest := c.tail.prev
		if oldest == c.head {
			break
		}
		c.removeEntry(oldest)
	}
}

func (c *IdempotencyLRU) addToFront(entry *lruEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *IdempotencyLRU) removeEntry(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}

func (c *IdempotencyLRU) moveToFront(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}
