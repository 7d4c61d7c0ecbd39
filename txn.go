// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import (
	"context"

	"github.com/cockroachdb/blockstore/internal/base"
	"github.com/cockroachdb/blockstore/journal"
	"github.com/cockroachdb/errors"
)

// BeginWrite starts a write transaction, waiting for the write slot until
// ctx expires (ErrTimeout). The returned tid is provisional: it becomes
// durable at CommitWrite and is reused by the next writer after
// RollbackWrite. Returns ErrReadOnly on a read-only store.
func (s *Store) BeginWrite(ctx context.Context) (TID, error) {
	if s.readOnly {
		return 0, base.ErrReadOnly
	}
	select {
	case <-s.writeSlot:
	case <-ctx.Done():
		return 0, base.MarkTimeout(ctx.Err())
	}

	s.mu.Lock()
	tid := s.mu.last + 1
	s.mu.pendingTID = tid
	s.write.nextBlock = s.mu.blockCount
	s.write.builder = journal.NewFrameBuilder(uint64(tid), s.opts.BlockSize)
	s.write.pending = make(map[BlockID]*pendingBlock)
	s.mu.Unlock()
	return tid, nil
}

// checkWriter validates that tid names the in-progress write transaction.
func (s *Store) checkWriter(tid TID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mu.pendingTID == 0 || tid != s.mu.pendingTID {
		return errors.Wrapf(base.ErrWriteConflict, "tid %d", tid)
	}
	return nil
}

// CommitWrite durably commits the write transaction: the frame is appended
// to the journal and fsynced before the commit is published. On an append
// failure the journal is rolled back to its pre-append length, the
// transaction's in-memory state is discarded, and the commit fails.
//
// A committed tid that lands on the checkpoint interval (or finds the
// journal over its soft cap) runs an inline checkpoint before returning;
// checkpoint errors are logged, not returned — durability does not depend
// on them.
func (s *Store) CommitWrite(tid TID) error {
	if err := s.checkWriter(tid); err != nil {
		return err
	}

	frame, err := s.write.builder.Finish()
	if err == nil {
		err = s.journal.Append(frame)
	}
	if err != nil {
		// The journal holds no trace of the frame; discard the
		// transaction like a rollback.
		s.cache.EvictVersion(uint64(tid))
		s.clearWriteState()
		s.writeSlot <- struct{}{}
		return err
	}
	s.metrics.JournalAppendBytes.Add(float64(len(frame)))

	s.mu.Lock()
	s.mu.last = tid
	s.mu.pendingTID = 0
	s.mu.blockCount = s.write.nextBlock
	s.write.builder = nil
	s.write.pending = nil
	s.mu.Unlock()
	s.metrics.Commits.Inc()

	if !s.opts.DisableAutomaticCheckpoints &&
		(uint64(tid)%uint64(s.opts.CheckpointInterval) == 0 || s.journal.Size() > s.opts.JournalSoftCap) {
		if cerr := s.checkpointHoldingSlot(); cerr != nil {
			s.opts.Logger.Errorf("blockstore: inline checkpoint at tid %d failed: %v", tid, cerr)
		}
	}

	s.writeSlot <- struct{}{}
	return nil
}

// RollbackWrite abandons the write transaction: nothing is written to the
// journal and the tid is reused by the next writer. Calls not matching the
// in-progress transaction are no-ops.
func (s *Store) RollbackWrite(tid TID) {
	if err := s.checkWriter(tid); err != nil {
		return
	}
	// Entries inserted at the provisional tid must not survive into the
	// next transaction that reuses it.
	s.cache.EvictVersion(uint64(tid))
	s.clearWriteState()
	s.metrics.Rollbacks.Inc()
	s.writeSlot <- struct{}{}
}

func (s *Store) clearWriteState() {
	s.mu.Lock()
	s.mu.pendingTID = 0
	s.write.builder = nil
	s.write.pending = nil
	s.write.nextBlock = 0
	s.mu.Unlock()
}

// Checkpoint folds all committed journal frames at or below the reader
// horizon into the main store file and discards them from the journal. It
// waits for the write slot like BeginWrite, honoring ctx's deadline.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.readOnly {
		return base.ErrReadOnly
	}
	select {
	case <-s.writeSlot:
	case <-ctx.Done():
		return base.MarkTimeout(ctx.Err())
	}
	return s.checkpointLocked(func() { s.writeSlot <- struct{}{} })
}
