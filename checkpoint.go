// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/blockstore/diff"
	"github.com/cockroachdb/blockstore/internal/base"
	"github.com/cockroachdb/blockstore/journal"
)

// The checkpoint side file: a self-describing batch of block images that,
// applied to the store file, folds the journal's committed prefix up to the
// horizon. Layout, little-endian:
//
//	magic (8B) | version (4B) | reserved (4B)
//	first_transaction (8B) | last_transaction (8B) | entry count (8B)
//	entries: block_id (8B) + image (BlockSize bytes) ...
//	xxhash64 of all preceding bytes (8B)
//
// The file is fsynced (and its directory entry synced) before the store
// file is touched, so a crash at any point of apply re-applies the whole
// file on the next open — application is idempotent.
const (
	checkpointMagic   = "bstckpt1"
	checkpointHdrSize = 40
)

// checkpointLocked runs a checkpoint with the write slot held, releasing
// it when done.
func (s *Store) checkpointLocked(release func()) error {
	defer release()
	return s.checkpointHoldingSlot()
}

// checkpointHoldingSlot requires the caller to hold the write slot with no
// transaction in progress.
func (s *Store) checkpointHoldingSlot() error {
	s.mu.RLock()
	h, last := s.mu.last, s.mu.last
	if len(s.mu.readers) > 0 && s.mu.readers[0] < h {
		h = s.mu.readers[0]
	}
	first := s.mu.first
	s.mu.RUnlock()

	// Folding only ever advances: a second checkpoint with no intervening
	// commits finds h == first and is a no-op.
	if h <= first {
		return nil
	}

	info := CheckpointInfo{Horizon: h}
	s.opts.EventListener.CheckpointBegin(info)
	blocks, err := s.runCheckpoint(first, h, last)
	info.Blocks, info.Err = blocks, err
	if err != nil {
		s.metrics.CheckpointErrors.Inc()
	} else {
		s.metrics.Checkpoints.Inc()
	}
	s.opts.EventListener.CheckpointEnd(info)
	return err
}

func (s *Store) runCheckpoint(first, h, last TID) (int, error) {
	images, err := s.foldJournal(first, h)
	if err != nil {
		return 0, err
	}

	// The folded header carries the new transaction marks.
	hdr, ok := images[0]
	if !ok {
		hdr, _, _, err = s.loadCommitted(0)
		if err != nil {
			return 0, err
		}
	}
	setHeaderTransactions(hdr, h, last)
	images[0] = hdr

	if err := s.writeCheckpointFile(h, last, images); err != nil {
		// The store file is untouched; abort cleanly.
		_ = s.fs.Remove(s.ckptPath)
		return 0, err
	}

	// From here on a failure is crash-equivalent: the side file stays in
	// place and the next open finishes the application.
	f, err := s.fs.Open(s.ckptPath)
	if err != nil {
		return 0, err
	}
	// Readers must never see the store file, first_transaction, and the
	// journal from different checkpoint epochs; the checkpoint lock covers
	// the apply, the advance of first, and the trim as one transition.
	s.ckptMu.Lock()
	_, _, blocks, err := s.applyCheckpoint(f, false)
	if err == nil {
		s.mu.Lock()
		s.mu.first = h
		s.mu.Unlock()
		if err = s.fs.Remove(s.ckptPath); err == nil {
			if err = s.dir.Sync(); err == nil {
				err = s.trimJournal(h, last)
			}
		}
	}
	s.ckptMu.Unlock()
	_ = f.Close()
	return blocks, err
}

// foldJournal replays frames in (first, h], accumulating the final image
// of every block they touch. Freed blocks drop out: their bytes are
// unreachable once the folded block-0 free list lands.
func (s *Store) foldJournal(first, h TID) (map[BlockID][]byte, error) {
	images := make(map[BlockID][]byte)
	_, err := s.journal.Scan(0, func(f journal.Frame) error {
		if TID(f.TID) <= first {
			return nil
		}
		if TID(f.TID) > h {
			return journal.ErrStopScan
		}
		return s.journal.DecodeRecords(f, func(r journal.Record) error {
			id := BlockID(r.BlockID)
			switch r.Kind {
			case journal.KindAlloc:
				images[id] = make([]byte, s.opts.BlockSize)
			case journal.KindFree:
				delete(images, id)
			case journal.KindDiff:
				img, ok := images[id]
				if !ok {
					var err error
					img, _, _, err = s.loadCommitted(id)
					if err != nil {
						return err
					}
					images[id] = img
				}
				_, err := diff.Apply(img, r.Delta)
				return err
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

func (s *Store) writeCheckpointFile(h, last TID, images map[BlockID][]byte) error {
	ids := make([]BlockID, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	f, err := s.fs.Create(s.ckptPath)
	if err != nil {
		return err
	}
	defer f.Close()

	digest := xxhash.New()
	off := int64(0)
	write := func(p []byte) error {
		if err != nil {
			return err
		}
		if _, err = f.WriteAt(p, off); err != nil {
			return errors.WithStack(err)
		}
		_, _ = digest.Write(p)
		off += int64(len(p))
		return nil
	}

	hdr := make([]byte, checkpointHdrSize)
	copy(hdr, checkpointMagic)
	binary.LittleEndian.PutUint32(hdr[8:], formatVersion)
	binary.LittleEndian.PutUint64(hdr[16:], uint64(h))
	binary.LittleEndian.PutUint64(hdr[24:], uint64(last))
	binary.LittleEndian.PutUint64(hdr[32:], uint64(len(images)))
	if err := write(hdr); err != nil {
		return err
	}
	var idBuf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(idBuf[:], uint64(id))
		if err := write(idBuf[:]); err != nil {
			return err
		}
		if err := write(images[id]); err != nil {
			return err
		}
	}
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], digest.Sum64())
	if err := write(sum[:]); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	// The side file must durably exist before the store file is mutated.
	return s.dir.Sync()
}

// applyCheckpoint writes a checkpoint file's block images into the store
// file at their offsets and fsyncs it, returning the checkpoint's target
// transaction marks. With validate set (crash recovery) the file's
// integrity hash is verified before anything is applied; a mismatch aborts
// with ErrCorruption and an untouched store.
func (s *Store) applyCheckpoint(f io.ReaderAt, validate bool) (first, last TID, blocks int, _ error) {
	hdr := make([]byte, checkpointHdrSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return 0, 0, 0, base.CorruptionErrorf("blockstore: checkpoint header unreadable: %v", err)
	}
	if string(hdr[:8]) != checkpointMagic {
		return 0, 0, 0, base.CorruptionErrorf("blockstore: bad checkpoint magic %q", hdr[:8])
	}
	if v := binary.LittleEndian.Uint32(hdr[8:]); v != formatVersion {
		return 0, 0, 0, base.CorruptionErrorf("blockstore: unsupported checkpoint version %d", v)
	}
	first = TID(binary.LittleEndian.Uint64(hdr[16:]))
	last = TID(binary.LittleEndian.Uint64(hdr[24:]))
	count := binary.LittleEndian.Uint64(hdr[32:])

	entrySize := 8 + int64(s.opts.BlockSize)
	total := checkpointHdrSize + int64(count)*entrySize + 8

	if validate {
		if err := verifyCheckpointHash(f, total); err != nil {
			return 0, 0, 0, err
		}
	}

	entry := make([]byte, entrySize)
	for i := int64(0); i < int64(count); i++ {
		if _, err := f.ReadAt(entry, checkpointHdrSize+i*entrySize); err != nil {
			return 0, 0, 0, base.CorruptionErrorf("blockstore: checkpoint entry %d unreadable: %v", i, err)
		}
		id := binary.LittleEndian.Uint64(entry)
		if _, err := s.file.WriteAt(entry[8:], int64(id)*int64(s.opts.BlockSize)); err != nil {
			return 0, 0, 0, errors.WithStack(err)
		}
		blocks++
	}
	if err := s.file.Sync(); err != nil {
		return 0, 0, 0, err
	}
	return first, last, blocks, nil
}

func verifyCheckpointHash(f io.ReaderAt, total int64) error {
	digest := xxhash.New()
	r := bufio.NewReader(io.NewSectionReader(f, 0, total-8))
	if n, err := io.Copy(digest, r); err != nil || n != total-8 {
		return base.CorruptionErrorf("blockstore: checkpoint truncated (%d of %d bytes)", n, total-8)
	}
	var sum [8]byte
	if _, err := f.ReadAt(sum[:], total-8); err != nil {
		return base.CorruptionErrorf("blockstore: checkpoint hash unreadable: %v", err)
	}
	if got, want := digest.Sum64(), binary.LittleEndian.Uint64(sum[:]); got != want {
		return base.CorruptionErrorf("blockstore: checkpoint hash mismatch (%x != %x)", got, want)
	}
	return nil
}

// trimJournal discards the folded prefix. A fully folded journal truncates
// to zero; otherwise the surviving frames are rewritten through an atomic
// rename so no crash point can lose a committed frame.
func (s *Store) trimJournal(h, last TID) error {
	if h >= last {
		return s.journal.TruncateTo(0)
	}
	var content []byte
	_, err := s.journal.Scan(0, func(f journal.Frame) error {
		if TID(f.TID) <= h {
			return nil
		}
		content = journal.AppendFrame(content, f)
		return nil
	})
	if err != nil {
		return err
	}
	return s.journal.Rewrite(content)
}
