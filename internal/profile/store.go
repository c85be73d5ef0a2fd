// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package profile

import (
	"context"
	"fmt"
	"time"
)

// UpsertOutcome reports how the store resolved a conditional write.
type UpsertOutcome int

const (
	// OutcomeApplied means the profile was written.
	OutcomeApplied UpsertOutcome = iota
	// OutcomeConflict means the stored profile was at least as fresh as
	// the event driving this write. The write is a successful no-op.
	OutcomeConflict
)

// String returns a human-readable outcome name.
func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// UpsertResult carries the outcome and the profile as stored afterwards.
type UpsertResult struct {
	Outcome UpsertOutcome
	Profile *Profile
}

// Store persists user interest profiles.
//
// Upsert is conditional: the write applies only if eventTime is strictly
// newer than the stored LastUpdatedAt. A redelivered event carries the
// same occurredAt as the write it duplicates, so the guard absorbs it as
// a conflict and EventCount stays correct.
type Store interface {
	// Get returns the profile for a user, or ErrNotFound.
	Get(ctx context.Context, userID string) (*Profile, error)

	// Upsert writes p if eventTime is strictly newer than the stored
	// LastUpdatedAt (or no profile exists). On conflict the stored
	// profile is returned unchanged.
	Upsert(ctx context.Context, p *Profile, eventTime time.Time) (*UpsertResult, error)

	// Delete removes a user's profile. Deleting a missing profile is
	// not an error.
	Delete(ctx context.Context, userID string) error

	// Close releases store resources.
	Close() error
}
