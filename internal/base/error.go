// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrNotFound means that a requested block does not exist: either the store
// itself is missing, or the block was freed at or before the read's
// transaction.
var ErrNotFound = errors.New("blockstore: not found")

// ErrInvalid marks requests that are malformed independent of store state: a
// zero block ID, a zero or future transaction ID, or a wrong-sized image.
var ErrInvalid = errors.New("blockstore: invalid argument")

// ErrBusy is returned when the journal's exclusive file lock is held by
// another writable handle.
var ErrBusy = errors.New("blockstore: store is locked by another writer")

// ErrTimeout is returned when the deadline expires while waiting for the
// write slot.
var ErrTimeout = errors.New("blockstore: deadline exceeded")

// ErrReadOnly is returned by all mutating operations on a read-only store.
var ErrReadOnly = errors.New("blockstore: store is read-only")

// ErrTooLarge is returned when a transaction's log buffer would exceed the
// addressable frame size.
var ErrTooLarge = errors.New("blockstore: transaction too large")

// ErrWriteConflict is returned when a write-slot operation is invoked
// outside an in-progress write transaction or with a mismatched tid.
var ErrWriteConflict = errors.New("blockstore: no matching write transaction")

// ErrCorruption is a marker error for all on-disk corruption: a bad header
// hash, a malformed non-tail journal frame, or a checkpoint file that fails
// its integrity check.
var ErrCorruption = errors.New("blockstore: corruption")

// CorruptionErrorf formats an error marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkTimeout wraps a context error so that callers can test for ErrTimeout
// while errors.Is(err, context.DeadlineExceeded) keeps working.
func MarkTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Mark(err, ErrTimeout)
	}
	return err
}
