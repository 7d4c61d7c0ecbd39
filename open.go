// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"

	"github.com/cockroachdb/blockstore/cache"
	"github.com/cockroachdb/blockstore/internal/base"
	"github.com/cockroachdb/blockstore/journal"
	"github.com/cockroachdb/blockstore/vfs"
)

// Create initializes a new, empty store at path: a one-block file holding
// the freshly stamped header. It fails if path already exists. The store
// is not opened; follow with Open.
func Create(path string, opts *Options) error {
	opts = ensureOpts(opts)
	fs := opts.FS
	if vfs.Exists(fs, path) {
		return errors.Wrapf(base.ErrInvalid, "store %q already exists", path)
	}
	if err := fs.MkdirAll(fs.PathDir(path), 0755); err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(newHeaderImage(opts.BlockSize), 0); err == nil {
		err = f.Sync()
	} else {
		err = errors.WithStack(err)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	dir, err := fs.OpenDir(fs.PathDir(path))
	if err != nil {
		return err
	}
	err = dir.Sync()
	return errors.CombineErrors(err, dir.Close())
}

func ensureOpts(opts *Options) *Options {
	if opts == nil {
		opts = &Options{}
	}
	return opts.EnsureDefaults()
}

// Open opens the store at path, recovering from any interrupted commit or
// checkpoint. A missing store file returns ErrNotFound; a second writable
// handle returns ErrBusy. In read/write mode the journal's torn tail, if
// any, is discarded and a leftover checkpoint file is validated and
// applied; in read-only mode a valid leftover checkpoint is overlaid
// virtually on every read instead of mutating the disk.
func Open(path string, opts *Options) (*Store, error) {
	opts = ensureOpts(opts)
	fs := opts.FS

	// OpenReadWrite creates missing files, so absence is checked up front.
	if !vfs.Exists(fs, path) {
		return nil, errors.Wrapf(base.ErrNotFound, "store %q", path)
	}

	dir, err := fs.OpenDir(fs.PathDir(path))
	if err != nil {
		return nil, err
	}

	s := &Store{
		opts:      opts,
		fs:        fs,
		storePath: path,
		ckptPath:  path + ".checkpoint",
		readOnly:  opts.ReadOnly,
		dir:       dir,
		cache:     cache.New(opts.CacheSize),
		metrics:   newMetrics(opts.MetricsRegistry),
		writeSlot: make(chan struct{}, 1),
	}
	s.writeSlot <- struct{}{}

	ok := false
	defer func() {
		if !ok {
			if s.journal != nil {
				_ = s.journal.Close()
			}
			if s.file != nil {
				_ = s.file.Close()
			}
			_ = dir.Close()
		}
	}()

	if opts.ReadOnly {
		s.file, err = fs.Open(path)
	} else {
		s.file, err = fs.OpenReadWrite(path)
	}
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, errors.Mark(err, base.ErrNotFound)
		}
		return nil, err
	}

	hdr := make([]byte, opts.BlockSize)
	if _, err := s.file.ReadAt(hdr, 0); err != nil {
		return nil, base.CorruptionErrorf("blockstore: store header unreadable: %v", err)
	}
	first, last, _, err := verifyHeader(hdr)
	if err != nil {
		return nil, err
	}

	s.journal, err = journal.Open(fs, dir, path+".journal", opts.ReadOnly, opts.BlockSize)
	if err != nil {
		return nil, err
	}

	info := RecoveryInfo{FirstTransaction: first, LastTransaction: last}
	opts.EventListener.RecoveryBegin(info)

	if vfs.Exists(fs, s.ckptPath) {
		applied, f, l, err := s.recoverCheckpoint()
		if err != nil {
			return nil, err
		}
		if applied {
			first, last = f, l
			info.AppliedCheckpoint = true
		}
	}

	maxTID, maxBlock, err := s.recoverJournal(first)
	if err != nil {
		return nil, err
	}
	if maxTID > last {
		last = maxTID
	}

	fi, err := s.file.Stat()
	if err != nil {
		return nil, err
	}
	blockCount := BlockID(fi.Size() / int64(opts.BlockSize))
	if blockCount < 1 {
		blockCount = 1
	}
	if maxBlock+1 > blockCount {
		blockCount = maxBlock + 1
	}

	s.mu.first, s.mu.last, s.mu.blockCount = first, last, blockCount

	info.FirstTransaction, info.LastTransaction = first, last
	opts.EventListener.RecoveryEnd(info)

	ok = true
	if !opts.ReadOnly && !opts.DisableAutomaticCheckpoints && s.journal.Size() > 0 {
		if err := s.checkpointLocked(acquireSlotBlocking(s)); err != nil {
			opts.Logger.Errorf("blockstore: checkpoint on open failed: %v", err)
		}
	}
	return s, nil
}

// recoverCheckpoint handles a leftover checkpoint file from a crashed
// checkpoint. Read/write: validate and apply it, then remove it; if
// validation fails it is a partial file from before the crash — remove it
// and let the journal speak. Read-only: a valid file becomes an in-memory
// overlay; an invalid one is ignored.
func (s *Store) recoverCheckpoint() (applied bool, first, last TID, _ error) {
	f, err := s.fs.Open(s.ckptPath)
	if err != nil {
		return false, 0, 0, err
	}
	defer f.Close()

	if s.readOnly {
		overlay, f2, l2, err := s.readCheckpointOverlay(f)
		if err != nil {
			if errors.Is(err, base.ErrCorruption) {
				s.opts.Logger.Infof("blockstore: ignoring partial checkpoint file %s: %v", s.ckptPath, err)
				return false, 0, 0, nil
			}
			return false, 0, 0, err
		}
		s.roOverlay = overlay
		return true, f2, l2, nil
	}

	first, last, blocks, err := s.applyCheckpoint(f, true)
	if err != nil {
		if errors.Is(err, base.ErrCorruption) {
			s.opts.Logger.Infof("blockstore: removing partial checkpoint file %s: %v", s.ckptPath, err)
			if rerr := s.fs.Remove(s.ckptPath); rerr != nil {
				return false, 0, 0, rerr
			}
			return false, 0, 0, s.dir.Sync()
		}
		return false, 0, 0, err
	}
	s.opts.Logger.Infof("blockstore: applied interrupted checkpoint (%d blocks, through tid %d)", blocks, first)
	if err := s.fs.Remove(s.ckptPath); err != nil {
		return false, 0, 0, err
	}
	return true, first, last, s.dir.Sync()
}

// readCheckpointOverlay validates a checkpoint file and loads its entries
// into memory for virtual application on a read-only store.
func (s *Store) readCheckpointOverlay(f vfs.File) (map[BlockID][]byte, TID, TID, error) {
	hdr := make([]byte, checkpointHdrSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, 0, 0, base.CorruptionErrorf("blockstore: checkpoint header unreadable: %v", err)
	}
	if string(hdr[:8]) != checkpointMagic {
		return nil, 0, 0, base.CorruptionErrorf("blockstore: bad checkpoint magic %q", hdr[:8])
	}
	first := TID(binary.LittleEndian.Uint64(hdr[16:]))
	last := TID(binary.LittleEndian.Uint64(hdr[24:]))
	count := binary.LittleEndian.Uint64(hdr[32:])

	entrySize := 8 + int64(s.opts.BlockSize)
	total := checkpointHdrSize + int64(count)*entrySize + 8
	if err := verifyCheckpointHash(f, total); err != nil {
		return nil, 0, 0, err
	}

	overlay := make(map[BlockID][]byte, count)
	for i := int64(0); i < int64(count); i++ {
		entry := make([]byte, entrySize)
		if _, err := f.ReadAt(entry, checkpointHdrSize+i*entrySize); err != nil {
			return nil, 0, 0, base.CorruptionErrorf("blockstore: checkpoint entry %d unreadable: %v", i, err)
		}
		overlay[BlockID(binary.LittleEndian.Uint64(entry))] = entry[8:]
	}
	return overlay, first, last, nil
}

// recoverJournal scans the journal, discards a torn tail (read/write
// mode), and verifies frame discipline: record-level well-formedness and
// tids contiguous from the store's first_transaction. Violations anywhere
// but the tail fail the open with ErrCorruption.
func (s *Store) recoverJournal(first TID) (maxTID TID, maxBlock BlockID, _ error) {
	type frameInfo struct {
		tid  TID
		off  int64
		recs []byte
	}
	var frames []frameInfo
	validEnd, err := s.journal.Scan(0, func(f journal.Frame) error {
		frames = append(frames, frameInfo{tid: TID(f.TID), off: f.Offset, recs: f.Records})
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	for i, fr := range frames {
		if i > 0 && fr.tid != frames[i-1].tid+1 {
			return 0, 0, base.CorruptionErrorf(
				"blockstore: journal tid %d follows %d", fr.tid, frames[i-1].tid)
		}
		verr := journal.Records(fr.recs, s.opts.BlockSize, func(r journal.Record) error {
			if id := BlockID(r.BlockID); id > maxBlock {
				maxBlock = id
			}
			return nil
		})
		if verr != nil {
			if i == len(frames)-1 {
				// A torn record set in the final frame is crash debris.
				validEnd = fr.off
				frames = frames[:i]
				break
			}
			return 0, 0, verr
		}
	}

	if len(frames) > 0 {
		lastFrame := frames[len(frames)-1].tid
		if lastFrame > first && frames[0].tid > first+1 {
			return 0, 0, base.CorruptionErrorf(
				"blockstore: journal begins at tid %d, store expects %d", frames[0].tid, first+1)
		}
		if lastFrame > maxTID {
			maxTID = lastFrame
		}
	}

	if tail := s.journal.Size() - validEnd; tail > 0 {
		if s.readOnly {
			s.opts.Logger.Infof("blockstore: ignoring %d-byte torn journal tail", tail)
		} else {
			if err := s.journal.TruncateTo(validEnd); err != nil {
				return 0, 0, err
			}
			s.metrics.TornFramesTruncated.Inc()
			s.opts.EventListener.JournalTruncated(JournalTruncateInfo{DiscardedBytes: tail})
			s.opts.Logger.Infof("blockstore: discarded %d-byte torn journal tail", tail)
		}
	}
	return maxTID, maxBlock, nil
}
