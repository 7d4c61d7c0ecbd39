// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import (
	"io"

	"github.com/cockroachdb/blockstore/cache"
	"github.com/cockroachdb/blockstore/diff"
	"github.com/cockroachdb/blockstore/internal/base"
	"github.com/cockroachdb/blockstore/journal"
	"github.com/cockroachdb/errors"
)

func cloneImage(img []byte) []byte {
	return append([]byte(nil), img...)
}

// GetBlock returns the image of blockID as of the commit of tid. The
// returned image is shared and must not be mutated.
//
// tid must name a committed transaction (or, from the writing goroutine,
// the in-progress one, which observes the transaction's own uncommitted
// effects). A block freed at or before tid reads as ErrNotFound.
func (s *Store) GetBlock(blockID BlockID, tid TID) (Block, error) {
	if blockID == 0 {
		return nil, errors.Wrap(base.ErrInvalid, "block 0 is the store header")
	}
	if tid == 0 {
		return nil, errors.Wrap(base.ErrInvalid, "tid 0 is reserved")
	}
	s.metrics.BlockReads.Inc()
	return s.getBlock(blockID, tid)
}

// getBlock is GetBlock without the surface validation, additionally
// serving the header block and tid 0 (the pre-history state of a fresh
// store) for internal callers.
func (s *Store) getBlock(blockID BlockID, tid TID) (Block, error) {
	s.mu.RLock()
	last, pendingTID := s.mu.last, s.mu.pendingTID
	var p *pendingBlock
	if pendingTID != 0 && tid == pendingTID {
		p = s.write.pending[blockID]
	}
	s.mu.RUnlock()

	if tid > last {
		if pendingTID == 0 || tid != pendingTID {
			return nil, errors.Wrapf(base.ErrInvalid, "tid %d beyond last commit %d", tid, last)
		}
		if p != nil {
			if p.freed {
				return nil, errors.Wrapf(base.ErrNotFound, "block %d freed at tid %d", blockID, tid)
			}
			return p.img, nil
		}
		// Untouched by the in-progress transaction: the committed view.
		tid = last
	}
	if tid == 0 {
		// Nothing has ever committed. Only the header exists, in its
		// created state.
		if blockID != 0 {
			return nil, errors.Wrapf(base.ErrNotFound, "block %d", blockID)
		}
		s.ckptMu.RLock()
		defer s.ckptMu.RUnlock()
		img, _, _, err := s.loadCommitted(0)
		return img, err
	}

	// The checkpoint lock pins the whole read — starting image, journal
	// replay, and cache insert — to one checkpoint epoch. Without it a
	// checkpoint could fold and trim the frames in (start, tid] between
	// the load and the replay, leaving the reader with the pre-fold image
	// and no records to roll it forward.
	s.ckptMu.RLock()
	defer s.ckptMu.RUnlock()

	// first must be read inside the epoch: a checkpoint completing just
	// before the lock was taken has already advanced it and trimmed the
	// journal accordingly.
	s.mu.RLock()
	first := s.mu.first
	s.mu.RUnlock()

	if span, img, ok := s.cache.FindNearestBefore(uint64(blockID), uint64(tid)); ok {
		if len(img) != s.opts.BlockSize {
			panic(errors.AssertionFailedf("blockstore: cached image for block %d has length %d", blockID, len(img)))
		}
		if TID(span.Start) == tid {
			s.metrics.CacheHits.Inc()
			return img, nil
		}
		if TID(span.Start) > first {
			// The journal still holds every frame in (span.Start, tid].
			s.metrics.CacheHits.Inc()
			return s.replayInto(cloneImage(img), blockID, TID(span.Start), tid, true)
		}
		// The frames between span.Start and first have been folded into
		// the store file; the file image is the closer starting point.
	}
	s.metrics.CacheMisses.Inc()

	img, start, inFile, err := s.loadCommitted(blockID)
	if err != nil {
		return nil, err
	}
	return s.replayInto(img, blockID, start, tid, inFile)
}

// loadCommitted reads blockID's materialized image from the main store
// file (or the read-only checkpoint overlay), returning the image, the tid
// whose state the file materializes, and whether the block lies within the
// materialized extent. Beyond the extent a zero image is returned: the
// block can only exist via journal Alloc records.
//
// The caller must either hold ckptMu (read paths) or be the checkpoint
// itself, which runs alone in the write slot: the (image, first) pair must
// come from a single checkpoint epoch or replay would re-apply folded
// diffs.
func (s *Store) loadCommitted(blockID BlockID) (_ []byte, start TID, inFile bool, _ error) {
	s.mu.RLock()
	first := s.mu.first
	s.mu.RUnlock()

	img := make([]byte, s.opts.BlockSize)
	if o, ok := s.roOverlay[blockID]; ok {
		copy(img, o)
		return img, first, true, nil
	}
	n, err := s.file.ReadAt(img, int64(blockID)*int64(s.opts.BlockSize))
	if err != nil && err != io.EOF && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, false, errors.WithStack(err)
	}
	if n < s.opts.BlockSize {
		return make([]byte, s.opts.BlockSize), first, false, nil
	}
	return img, first, true, nil
}

// replayInto plays the journal forward over img from start (exclusive) to
// tid (inclusive), applying every record targeting blockID, and caches the
// result under (blockID, tid). found says whether img holds a live image
// at start.
func (s *Store) replayInto(img []byte, blockID BlockID, start, tid TID, found bool) (Block, error) {
	freed := false
	if start < tid {
		_, err := s.journal.Scan(0, func(f journal.Frame) error {
			if TID(f.TID) <= start {
				return nil
			}
			if TID(f.TID) > tid {
				return journal.ErrStopScan
			}
			return s.journal.DecodeRecords(f, func(r journal.Record) error {
				if BlockID(r.BlockID) != blockID {
					return nil
				}
				switch r.Kind {
				case journal.KindAlloc:
					for i := range img {
						img[i] = 0
					}
					found, freed = true, false
				case journal.KindFree:
					freed = true
				case journal.KindDiff:
					if freed {
						return base.CorruptionErrorf("blockstore: diff to freed block %d in frame %d", blockID, f.TID)
					}
					_, err := diff.Apply(img, r.Delta)
					found = true
					return err
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}
	if freed || !found {
		return nil, errors.Wrapf(base.ErrNotFound, "block %d at tid %d", blockID, tid)
	}
	s.cache.Insert(cache.Span{BlockID: uint64(blockID), Start: uint64(tid)}, img)
	return img, nil
}

// UpdateBlock makes img the image of blockID as of tid. tid must name the
// in-progress write transaction. The writer's current image of the block
// (its pending image if this transaction already touched the block, else
// the committed image at tid-1) is diffed against img into the
// transaction's frame; subsequent reads by the writer at tid observe the
// update.
func (s *Store) UpdateBlock(blockID BlockID, tid TID, img Block) error {
	if blockID == 0 {
		return errors.Wrap(base.ErrInvalid, "block 0 is the store header")
	}
	if len(img) != s.opts.BlockSize {
		return errors.Wrapf(base.ErrInvalid, "image length %d != block size %d", len(img), s.opts.BlockSize)
	}
	if err := s.checkWriter(tid); err != nil {
		return err
	}
	return s.updateAny(blockID, tid, cloneImage(img))
}

// updateAny appends a Diff record for blockID and installs img as the
// transaction's pending image. It takes ownership of img. Callers have
// validated the writer.
func (s *Store) updateAny(blockID BlockID, tid TID, img []byte) error {
	prev, err := s.workingImage(blockID, tid)
	if err != nil {
		return err
	}
	s.write.builder.Diff(uint64(blockID), prev, img)
	s.setPending(blockID, &pendingBlock{img: img})
	s.cache.Insert(cache.Span{BlockID: uint64(blockID), Start: uint64(tid)}, img)
	return nil
}

// workingImage returns the writer's current view of blockID: the pending
// image if the transaction touched it, else the committed image at tid-1.
func (s *Store) workingImage(blockID BlockID, tid TID) ([]byte, error) {
	s.mu.RLock()
	p := s.write.pending[blockID]
	s.mu.RUnlock()
	if p != nil {
		if p.freed {
			return nil, errors.Wrapf(base.ErrNotFound, "block %d freed at tid %d", blockID, tid)
		}
		return p.img, nil
	}
	return s.getBlock(blockID, tid-1)
}

func (s *Store) setPending(blockID BlockID, p *pendingBlock) {
	s.mu.Lock()
	s.write.pending[blockID] = p
	s.mu.Unlock()
}

// AllocBlock allocates a block within the write transaction named by tid,
// returning its ID and its image, which is the zero block. IDs come off
// the free list when it is non-empty, else the store is append-extended.
func (s *Store) AllocBlock(tid TID) (BlockID, Block, error) {
	if err := s.checkWriter(tid); err != nil {
		return 0, nil, err
	}
	hdr, err := s.workingHeader(tid)
	if err != nil {
		return 0, nil, err
	}

	if id, ok := freePop(hdr); ok {
		if id == 0 || id >= s.write.nextBlock {
			return 0, nil, base.CorruptionErrorf("blockstore: free list yielded invalid block %d", id)
		}
		if err := s.updateAny(0, tid, hdr); err != nil {
			return 0, nil, err
		}
		return s.finishAlloc(id, tid)
	}

	if head := headerFreeHead(hdr); head != 0 {
		node, err := s.workingImage(head, tid)
		if err != nil {
			return 0, nil, err
		}
		unspillFromChain(hdr, node)
		if err := s.updateAny(0, tid, hdr); err != nil {
			return 0, nil, err
		}
		return s.finishAlloc(head, tid)
	}

	id := s.write.nextBlock
	s.write.nextBlock++
	return s.finishAlloc(id, tid)
}

func (s *Store) finishAlloc(id BlockID, tid TID) (BlockID, Block, error) {
	s.write.builder.Alloc(uint64(id))
	zero := make([]byte, s.opts.BlockSize)
	s.setPending(id, &pendingBlock{img: zero})
	s.cache.Insert(cache.Span{BlockID: uint64(id), Start: uint64(tid)}, zero)
	s.metrics.BlocksAllocated.Inc()
	return id, zero, nil
}

// workingHeader returns a mutable clone of the writer's current block-0
// image.
func (s *Store) workingHeader(tid TID) ([]byte, error) {
	img, err := s.workingImage(0, tid)
	if err != nil {
		return nil, err
	}
	return cloneImage(img), nil
}

// FreeBlock returns blockID to the free list within the write transaction
// named by tid. The block's history remains readable at earlier tids;
// reads at tid and beyond return ErrNotFound until the ID is reallocated.
// Exception: a free that overflows the inline free stack converts the
// block into free-list metadata, and its ID reads that metadata until it
// is recycled. The ID is unreachable through any allocation either way.
func (s *Store) FreeBlock(blockID BlockID, tid TID) error {
	if blockID == 0 {
		return errors.Wrap(base.ErrInvalid, "block 0 is the store header")
	}
	if err := s.checkWriter(tid); err != nil {
		return err
	}
	// Freeing a missing or already-freed block is an error.
	if _, err := s.workingImage(blockID, tid); err != nil {
		return err
	}
	hdr, err := s.workingHeader(tid)
	if err != nil {
		return err
	}

	if freePush(hdr, blockID) {
		if err := s.updateAny(0, tid, hdr); err != nil {
			return err
		}
		s.write.builder.Free(uint64(blockID))
		s.setPending(blockID, &pendingBlock{freed: true})
		s.metrics.BlocksFreed.Inc()
		return nil
	}

	// Inline stack is full: the freed block becomes the new chain head,
	// carrying the spilled stack. Its bytes stay live metadata, so this is
	// a content rewrite rather than a Free record.
	node := make([]byte, s.opts.BlockSize)
	spillToChain(hdr, node, blockID)
	if err := s.updateAny(blockID, tid, node); err != nil {
		return err
	}
	if err := s.updateAny(0, tid, hdr); err != nil {
		return err
	}
	s.metrics.BlocksFreed.Inc()
	return nil
}
