// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	// ErrOptimisticLock signals that a remote write was rejected because the
	// submitted version no longer matches the stored version. It is distinct
	// from generic retry: the coordinator answers it with auto-rebase, not
	// backoff.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrStorageUnavailable signals that both primary and durable fallback
	// storage failed. This is the only error class that surfaces as a
	// blocking user-facing event.
	ErrStorageUnavailable = errors.New("durable storage unavailable")

	// ErrConflictPending signals that writes for a project are frozen until
	// the caller resolves an outstanding merge conflict.
	ErrConflictPending = errors.New("conflict pending resolution")
)

// ReasonConflictPending marks a queue item parked in the dead letter while
// its project waits for conflict resolution. The item is the durable copy
// of the frozen mutation; resolution releases it via ReleaseHeld.
const ReasonConflictPending = "conflict-pending"

// TransientError wraps network and 5xx-class server failures. The queue
// answers it with exponential backoff; the coordinator keeps the local
// durable copy authoritative and flags offline mode.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError wraps authorization/validation failures that retrying
// cannot fix. The queue dead-letters these on first sight, bypassing the
// retry budget.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent (%s)", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent builds a PermanentError with the given reason.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// CorruptRecordError marks a single malformed record (bad timestamp, bad
// id, undecodable payload). Processors skip the offending record and keep
// going; a corrupt record never aborts a batch.
type CorruptRecordError struct {
	Kind string // "task", "connection", "queue-item", ...
	ID   string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt %s record %s: %v", e.Kind, e.ID, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is non-retryable and should dead-letter
// immediately.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// PermanentReason extracts the reason from a PermanentError, or "" when err
// is not permanent.
func PermanentReason(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

// IsCorrupt reports whether err marks a single bad record.
func IsCorrupt(err error) bool {
	var ce *CorruptRecordError
	return errors.As(err, &ce)
}
