// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"github.com/affinityd/affinity/internal/logging"
	"github.com/affinityd/affinity/internal/metrics"
)

// profileKeyPrefix namespaces profile entries in BadgerDB.
const profileKeyPrefix = "profile:"

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("profile store is closed")

// ErrDimensionMismatch is returned when an incoming vector's dimension
// disagrees with the stored profile. This is not retryable.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// StoreConfig configures the BadgerDB-backed profile store.
type StoreConfig struct {
	// Path is the BadgerDB directory. Empty with InMemory set runs
	// entirely in memory (tests).
	Path       string
	InMemory   bool
	SyncWrites bool

	// Compression enables Snappy compression of SSTable blocks.
	Compression bool

	// GCRatio is the value-log rewrite threshold, default 0.5.
	GCRatio float64

	// GCInterval is how often the maintenance loop runs value-log GC.
	// Zero disables the loop.
	GCInterval time.Duration
}

// BadgerStore implements Store on BadgerDB. The conditional upsert runs
// inside a single serializable transaction, so concurrent writers for
// the same user cannot interleave between the freshness check and the
// write.
type BadgerStore struct {
	db  *badger.DB
	cfg StoreConfig

	mu     sync.RWMutex
	closed bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenStore opens (or creates) the profile store.
func OpenStore(cfg StoreConfig) (*BadgerStore, error) {
	if cfg.GCRatio <= 0 {
		cfg.GCRatio = 0.5
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	if cfg.Compression {
		opts.Compression = options.Snappy
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		cfg:    cfg,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.gcLoop()
	} else {
		close(s.gcDone)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Profile store opened")
	return s, nil
}

// Get returns the profile for a user, or ErrNotFound.
func (s *BadgerStore) Get(ctx context.Context, userID string) (*Profile, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("empty user ID")
	}

	var p Profile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(profileKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get profile: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert writes p if eventTime is strictly newer than the stored
// LastUpdatedAt. Duplicate deliveries of the event that produced the
// stored state carry an equal eventTime and resolve as conflicts.
func (s *BadgerStore) Upsert(ctx context.Context, p *Profile, eventTime time.Time) (*UpsertResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if p == nil || p.UserID == "" {
		return nil, fmt.Errorf("profile must have a user ID")
	}
	if len(p.Vector) == 0 {
		return nil, fmt.Errorf("profile for user %s has no vector", p.UserID)
	}

	key := []byte(profileKeyPrefix + p.UserID)
	result := &UpsertResult{}

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First write for this user.
		case err != nil:
			return fmt.Errorf("read current profile: %w", err)
		default:
			var current Profile
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); verr != nil {
				return fmt.Errorf("decode current profile: %w", verr)
			}

			if len(current.Vector) > 0 && len(current.Vector) != len(p.Vector) {
				return fmt.Errorf("user %s: stored %d, incoming %d: %w",
					p.UserID, len(current.Vector), len(p.Vector), ErrDimensionMismatch)
			}

			if !eventTime.After(current.LastUpdatedAt) {
				result.Outcome = OutcomeConflict
				result.Profile = current.Clone()
				return nil
			}
		}

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal profile: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set profile: %w", err)
		}
		result.Outcome = OutcomeApplied
		result.Profile = p.Clone()
		return nil
	})
	if err != nil {
		kind := "transient"
		if errors.Is(err, ErrDimensionMismatch) {
			kind = "validation"
		}
		metrics.StoreErrors.WithLabelValues(kind).Inc()
		return nil, err
	}

	metrics.RecordUpsert(result.Outcome == OutcomeConflict)
	return result, nil
}

// Delete removes a user's profile. Missing profiles are not an error.
func (s *BadgerStore) Delete(ctx context.Context, userID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(profileKeyPrefix + userID))
	})
}

// Count returns the number of stored profiles. Used by the ops surface.
func (s *BadgerStore) Count(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: false,
			Prefix:         []byte(profileKeyPrefix),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStop)
	<-s.gcDone

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	logging.Info().Msg("Profile store closed")
	return nil
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// gcLoop periodically reclaims value-log space.
func (s *BadgerStore) gcLoop() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			s.runGC()
		}
	}
}

func (s *BadgerStore) runGC() {
	// Run GC until no more cleanup is possible
	for {
		err := s.db.RunValueLogGC(s.cfg.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return
		}
		if err != nil {
			logging.Warn().Err(err).Msg("Profile store value-log GC failed")
			return
		}
	}
}
