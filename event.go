// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

// CheckpointInfo contains the info for a checkpoint event.
type CheckpointInfo struct {
	// Horizon is the tid up to which (inclusive) the checkpoint folds the
	// journal.
	Horizon TID
	// Blocks is the number of block images materialized.
	Blocks int
	Err    error
}

// RecoveryInfo contains the info for a recovery event, fired during Open.
type RecoveryInfo struct {
	// FirstTransaction and LastTransaction are the recovered tid
	// low/high-water marks.
	FirstTransaction TID
	LastTransaction  TID
	// AppliedCheckpoint is true if a leftover checkpoint file from a
	// crashed checkpoint was applied.
	AppliedCheckpoint bool
}

// JournalTruncateInfo contains the info for a journal truncation event: a
// torn tail frame discarded during recovery.
type JournalTruncateInfo struct {
	// DiscardedBytes is the number of bytes dropped from the tail.
	DiscardedBytes int64
}

// EventListener contains a set of functions that will be invoked when
// various significant store events occur. Note that the functions should
// not run for an excessive amount of time as they are invoked synchronously
// by the store and may block continued store work.
type EventListener struct {
	CheckpointBegin  func(CheckpointInfo)
	CheckpointEnd    func(CheckpointInfo)
	RecoveryBegin    func(RecoveryInfo)
	RecoveryEnd      func(RecoveryInfo)
	JournalTruncated func(JournalTruncateInfo)
}

// EnsureDefaults ensures that all nil listener functions are filled in with
// no-ops.
func (l *EventListener) EnsureDefaults() {
	if l.CheckpointBegin == nil {
		l.CheckpointBegin = func(CheckpointInfo) {}
	}
	if l.CheckpointEnd == nil {
		l.CheckpointEnd = func(CheckpointInfo) {}
	}
	if l.RecoveryBegin == nil {
		l.RecoveryBegin = func(RecoveryInfo) {}
	}
	if l.RecoveryEnd == nil {
		l.RecoveryEnd = func(RecoveryInfo) {}
	}
	if l.JournalTruncated == nil {
		l.JournalTruncated = func(JournalTruncateInfo) {}
	}
}
