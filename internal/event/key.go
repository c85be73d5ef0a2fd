// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// DeriveKey computes the deterministic idempotency key for an event: a
// SHA-256 over the four identifying fields (user, type, reference payload,
// occurrence time). Two deliveries of the same logical event always produce
// the same key; events differing in any identifying field produce different
// keys with overwhelming probability.
//
// The key doubles as the broker message ID, so JetStream's duplicate window
// drops exact republishes before a worker ever sees them.
func DeriveKey(e *Event) string {
	h := sha256.New()

	// Length-prefix each field so concatenation is unambiguous
	// ("ab"+"c" must not collide with "a"+"bc").
	writeField(h, e.UserID)
	writeField(h, string(e.Type))
	writeField(h, e.Reference())
	writeField(h, strconv.FormatInt(e.OccurredAt.UTC().UnixNano(), 10))

	return hex.EncodeToString(h.Sum(nil))
}

// Stamp derives and sets the idempotency key in place.
// Publishers call this once before the event reaches the broker.
func (e *Event) Stamp() {
	e.IdempotencyKey = DeriveKey(e)
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

func writeField(h hashWriter, field string) {
	_, _ = h.Write([]byte(strconv.Itoa(len(field))))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(field))
}
