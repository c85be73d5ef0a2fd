// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package eventprocessor

import (
	"context"
	"errors"
	"strings"

	"github.com/affinityd/affinity/internal/embedding"
	"github.com/affinityd/affinity/internal/profile"
)

// ErrInvalidConfig is returned when configuration is invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrorCategory categorizes failures for dead-letter routing and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default category for unclassified errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConnection indicates network or connection failures.
	ErrorCategoryConnection
	// ErrorCategoryTimeout indicates operation timeout.
	ErrorCategoryTimeout
	// ErrorCategoryValidation indicates malformed or structurally invalid events.
	ErrorCategoryValidation
	// ErrorCategoryStore indicates profile store failures.
	ErrorCategoryStore
	// ErrorCategoryCollaborator indicates embedding or catalog failures.
	ErrorCategoryCollaborator
	// ErrorCategoryNotFound indicates a referenced product without a vector.
	ErrorCategoryNotFound
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnection:
		return "connection"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategoryStore:
		return "store"
	case ErrorCategoryCollaborator:
		return "collaborator"
	case ErrorCategoryNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// RetryableError represents a transient failure. The message is nacked
// and redelivered through the broker with backoff.
type RetryableError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{
		Message:  message,
		Cause:    cause,
		Category: categorizeError(message, cause),
	}
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// PermanentError represents a failure retrying cannot fix. The message
// is acknowledged immediately so a poisoned event never blocks the
// queue.
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, cause error) *PermanentError {
	category := categorizeError(message, cause)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryValidation
	}
	return &PermanentError{
		Message:  message,
		Cause:    cause,
		Category: category,
	}
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// ParkedError marks a retryable failure whose message must stay with
// the broker even after in-process retries are exhausted: it is never
// dead-lettered, only redelivered. The park embedder outage policy uses
// it so a long embedding-service outage queues search events instead of
// burying them.
type ParkedError struct {
	Cause error
}

func (e *ParkedError) Error() string {
	return "parked: " + e.Cause.Error()
}

func (e *ParkedError) Unwrap() error {
	return e.Cause
}

// NewParkedError wraps a retryable failure for broker-side parking.
func NewParkedError(cause error) *ParkedError {
	return &ParkedError{Cause: cause}
}

// IsParkedError checks if the error is marked for parking.
func IsParkedError(err error) bool {
	var parked *ParkedError
	return errors.As(err, &parked)
}

// IsRetryableError checks if the error is retryable.
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// IsPermanentError checks if the error is permanent (non-retryable).
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// CategoryOf extracts the category from a classified error.
func CategoryOf(err error) ErrorCategory {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.Category
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return permErr.Category
	}
	return ErrorCategoryUnknown
}

// categorizeError maps known sentinel errors and message fragments to a
// category. Sentinels win over string matching.
func categorizeError(message string, cause error) ErrorCategory {
	switch {
	case errors.Is(cause, embedding.ErrProductNotFound):
		return ErrorCategoryNotFound
	case errors.Is(cause, profile.ErrDimensionMismatch):
		return ErrorCategoryValidation
	case errors.Is(cause, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	}

	s := message
	if cause != nil {
		s += " " + cause.Error()
	}
	s = strings.ToLower(s)
	switch {
	case containsAny(s, "connection", "connect", "refused", "reset", "network"):
		return ErrorCategoryConnection
	case containsAny(s, "timeout", "deadline", "timed out"):
		return ErrorCategoryTimeout
	case containsAny(s, "invalid", "validation", "malformed", "parse"):
		return ErrorCategoryValidation
	case containsAny(s, "store", "upsert", "badger", "transaction"):
		return ErrorCategoryStore
	case containsAny(s, "embed", "catalog", "vector service"):
		return ErrorCategoryCollaborator
	default:
		return ErrorCategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
