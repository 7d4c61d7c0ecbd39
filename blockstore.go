// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package blockstore provides a transactional, versioned block store: a
// persistence engine exposing fixed-size blocks addressed by 64-bit IDs,
// with snapshot-isolated read transactions and serialized write
// transactions.
//
// Readers see the store exactly as of the commit they began at, served from
// an MVCC version cache and journal replay; a single writer at a time
// builds a frame of diff records that commits atomically with an fsync.
// Committed journal prefixes are periodically folded into the main store
// file by a crash-safe checkpoint that respects the oldest live reader.
//
// On disk a store is a directory entry triple: the store file (block 0 is
// the header, block N lives at offset N*BlockSize), an append-only journal
// of committed frames, and — transiently — a checkpoint side file.
package blockstore

import (
	"sort"
	"sync"

	"github.com/cockroachdb/blockstore/cache"
	"github.com/cockroachdb/blockstore/internal/base"
	"github.com/cockroachdb/blockstore/journal"
	"github.com/cockroachdb/blockstore/vfs"
	"github.com/cockroachdb/errors"
)

// BlockID addresses a block. ID 0 is the store header and is not a valid
// user block.
type BlockID uint64

// TID is a transaction ID: strictly monotonic over the store's lifetime,
// with 0 reserved as invalid.
type TID uint64

// Block is a block image of exactly BlockSize bytes. Images returned by
// GetBlock are shared: callers must not mutate them. A writer producing a
// new version clones first (see UpdateBlock).
type Block = []byte

// Exported errors. These match the abstract error kinds of the on-disk
// format contract; use errors.Is against them.
var (
	ErrNotFound      = base.ErrNotFound
	ErrInvalid       = base.ErrInvalid
	ErrBusy          = base.ErrBusy
	ErrTimeout       = base.ErrTimeout
	ErrReadOnly      = base.ErrReadOnly
	ErrTooLarge      = base.ErrTooLarge
	ErrWriteConflict = base.ErrWriteConflict
	ErrCorruption    = base.ErrCorruption
)

// Store is a handle on a block store. It is safe for concurrent use by
// multiple goroutines: any number of readers may run alongside at most one
// write transaction.
type Store struct {
	opts      *Options
	fs        vfs.FS
	storePath string
	ckptPath  string
	readOnly  bool

	dir     vfs.File
	file    vfs.File
	journal *journal.Journal
	cache   *cache.Cache
	metrics *Metrics

	// mu guards the transaction bookkeeping: the live reader multiset, the
	// tid marks, the block high-water mark, and the provisional write tid.
	// The version cache has its own internal lock.
	mu struct {
		sync.RWMutex
		last       TID
		first      TID
		pendingTID TID
		readers    []TID // ascending multiset
		blockCount BlockID
		closed     bool
	}

	// ckptMu serializes block reads against checkpoint transitions. A read
	// reconstructs a block from the store file, first_transaction, and the
	// journal's surviving frames; all three must come from one checkpoint
	// epoch. Readers hold the read side across load, replay, and cache
	// insert; a checkpoint holds the write side across apply, the advance
	// of first, and the journal trim.
	ckptMu sync.RWMutex

	// writeSlot serializes write transactions and checkpoints. The token
	// is parked in the channel while the slot is free; BeginWrite and
	// Checkpoint receive it, CommitWrite and RollbackWrite return it.
	writeSlot chan struct{}

	// write is the in-progress transaction's state, owned by the write
	// slot holder. pending carries the writer's uncommitted images so the
	// writer reads its own effects even if the cache evicts them.
	write struct {
		builder   *journal.FrameBuilder
		pending   map[BlockID]*pendingBlock
		nextBlock BlockID
	}

	// roOverlay virtually applies a leftover checkpoint file on a
	// read-only store, where the store file cannot be mutated.
	roOverlay map[BlockID][]byte
}

type pendingBlock struct {
	img   []byte // nil if freed
	freed bool
}

// BeginRead starts a read transaction, returning the tid whose committed
// state the transaction observes. The tid stays readable — and pins the
// journal records needed to reconstruct it — until EndRead.
func (s *Store) BeginRead() (TID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.closed {
		return 0, errors.AssertionFailedf("blockstore: use of closed store")
	}
	tid := s.mu.last
	i := sort.Search(len(s.mu.readers), func(i int) bool { return s.mu.readers[i] >= tid })
	s.mu.readers = append(s.mu.readers, 0)
	copy(s.mu.readers[i+1:], s.mu.readers[i:])
	s.mu.readers[i] = tid
	return tid, nil
}

// EndRead ends a read transaction previously returned by BeginRead.
func (s *Store) EndRead(tid TID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.mu.readers), func(i int) bool { return s.mu.readers[i] >= tid })
	if i >= len(s.mu.readers) || s.mu.readers[i] != tid {
		return errors.Wrapf(base.ErrInvalid, "no live read transaction at tid %d", tid)
	}
	s.mu.readers = append(s.mu.readers[:i], s.mu.readers[i+1:]...)
	return nil
}

// Metrics returns the store's metric collectors.
func (s *Store) Metrics() *Metrics { return s.metrics }

// LastTransaction returns the tid of the most recent durable commit.
func (s *Store) LastTransaction() TID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.last
}

// FirstTransaction returns the checkpoint high-water mark: commits at or
// below it are folded into the main store file.
func (s *Store) FirstTransaction() TID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.first
}

// JournalSize returns the current length of the journal file in bytes.
func (s *Store) JournalSize() int64 { return s.journal.Size() }

// Close closes the store. On a writable store a final checkpoint is
// attempted first; if it completely drains the journal, the journal file
// is removed. A failed final checkpoint leaves the journal for the next
// open to recover.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.mu.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.closed = true
	s.mu.Unlock()

	var err error
	if !s.readOnly {
		if cerr := s.checkpointLocked(acquireSlotBlocking(s)); cerr != nil {
			s.opts.Logger.Errorf("blockstore: final checkpoint failed: %v", cerr)
			err = errors.CombineErrors(err, cerr)
		} else if s.journal.Size() == 0 {
			if cerr := s.journal.Close(); cerr == nil {
				err = errors.CombineErrors(err, s.journal.RemoveFile())
			} else {
				err = errors.CombineErrors(err, cerr)
			}
		}
	}
	err = errors.CombineErrors(err, s.journal.Close())
	err = errors.CombineErrors(err, s.file.Close())
	err = errors.CombineErrors(err, s.dir.Close())
	return err
}

// acquireSlotBlocking takes the write slot with no deadline and returns a
// release func.
func acquireSlotBlocking(s *Store) func() {
	<-s.writeSlot
	return func() { s.writeSlot <- struct{}{} }
}
