// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package journal implements the block store's write-ahead log: an
// append-only file of transaction frames. Each frame is
//
//	Begin(tag, tid, length) | records... | Commit(tag)
//
// where length counts the record bytes only. A frame is durable iff its
// Commit record is present and the append that wrote it was fsynced; scans
// stop without error at the first frame violating that shape, which is how
// torn tails from a crash are detected.
package journal

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/blockstore/internal/base"
	"github.com/cockroachdb/blockstore/vfs"
	"github.com/cockroachdb/errors"
)

// ErrStopScan may be returned by a Scan callback to terminate the scan
// early without error.
var ErrStopScan = errors.New("journal: stop scan")

// Frame is one committed transaction's journal entry as seen by Scan.
// Records holds the raw record bytes; decode them with Records.
type Frame struct {
	TID     uint64
	Offset  int64
	Records []byte
}

// Journal is a handle on the journal file. A writable journal holds an
// exclusive advisory lock on the file for the lifetime of the handle; the
// lock failing to acquire is how a second writer is refused.
//
// The append path (position and size) is guarded by an internal mutex.
// Scans open their own read handle and use positioned reads with
// caller-local offsets, so any number of reader threads may scan
// concurrently with one appender, and a Rewrite swapping the append handle
// never invalidates a scan in flight.
type Journal struct {
	fs        vfs.FS
	dir       vfs.File
	path      string
	readOnly  bool
	blockSize int

	mu   sync.Mutex
	f    vfs.File
	size int64
}

// Open opens the journal at path. In read/write mode the file is created if
// absent and the exclusive file lock is acquired, returning ErrBusy if
// another handle holds it. In read-only mode a missing journal file is
// treated as an empty journal. dir is an open handle on the containing
// directory, used to sync renames.
func Open(fs vfs.FS, dir vfs.File, path string, readOnly bool, blockSize int) (*Journal, error) {
	j := &Journal{fs: fs, dir: dir, path: path, readOnly: readOnly, blockSize: blockSize}
	var err error
	if readOnly {
		if !vfs.Exists(fs, path) {
			return j, nil
		}
		j.f, err = fs.Open(path)
		if err != nil {
			return nil, err
		}
	} else {
		j.f, err = fs.OpenReadWrite(path)
		if err != nil {
			return nil, err
		}
		if err := j.f.Lock(); err != nil {
			_ = j.f.Close()
			if errors.Is(err, vfs.ErrLocked) {
				return nil, errors.Mark(err, base.ErrBusy)
			}
			return nil, err
		}
	}
	fi, err := j.f.Stat()
	if err != nil {
		_ = j.f.Close()
		return nil, err
	}
	j.size = fi.Size()
	return j, nil
}

// Path returns the journal file's path.
func (j *Journal) Path() string { return j.path }

// Size returns the current length of the journal in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// Append writes a completed frame at the end of the journal and fsyncs it.
// On any failure the journal is truncated back to its pre-append length so
// that it never retains a partial frame.
func (j *Journal) Append(frame []byte) error {
	if j.readOnly {
		return base.ErrReadOnly
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	off := j.size
	_, err := j.f.WriteAt(frame, off)
	if err == nil {
		err = j.f.Sync()
	}
	if err != nil {
		// Best effort; the torn frame is also discarded by the next scan.
		_ = j.f.Truncate(off)
		_ = j.f.Sync()
		return err
	}
	j.size = off + int64(len(frame))
	return nil
}

// Scan iterates the well-formed frames starting at byte offset from,
// invoking fn for each. It stops without error at EOF or at the first
// torn or malformed frame boundary, returning the offset at which the
// well-formed prefix ends. fn may return ErrStopScan to stop early.
//
// Each scan reads through its own open handle on the journal file, never
// the appender's.
func (j *Journal) Scan(from int64, fn func(Frame) error) (int64, error) {
	j.mu.Lock()
	exists := j.f != nil
	j.mu.Unlock()
	if !exists {
		return 0, nil
	}
	f, err := j.fs.Open(j.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()

	off := from
	var hdr [beginSize]byte
	for {
		if off+beginSize+commitSize > size {
			return off, nil
		}
		if _, err := f.ReadAt(hdr[:], off); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return off, nil
			}
			return off, err
		}
		if binary.LittleEndian.Uint64(hdr[0:8]) != tagBegin {
			return off, nil
		}
		tid := binary.LittleEndian.Uint64(hdr[8:16])
		frameLen := binary.LittleEndian.Uint64(hdr[16:24])
		if frameLen >= maxFrameLen || off+beginSize+int64(frameLen)+commitSize > size {
			return off, nil
		}
		body := make([]byte, frameLen+commitSize)
		if _, err := f.ReadAt(body, off+beginSize); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return off, nil
			}
			return off, err
		}
		if binary.LittleEndian.Uint64(body[frameLen:]) != tagCommit {
			return off, nil
		}
		err := fn(Frame{TID: tid, Offset: off, Records: body[:frameLen]})
		if err == ErrStopScan {
			return off, nil
		}
		if err != nil {
			return off, err
		}
		off += beginSize + int64(frameLen) + commitSize
	}
}

// DecodeRecords decodes a scanned frame's records with the journal's block
// size, invoking fn for each in order.
func (j *Journal) DecodeRecords(f Frame, fn func(Record) error) error {
	return Records(f.Records, j.blockSize, fn)
}

// TruncateTo shortens the journal to n bytes and fsyncs it. Used to drop a
// torn tail during recovery and to empty the journal after a complete
// checkpoint.
func (j *Journal) TruncateTo(n int64) error {
	if j.readOnly {
		return base.ErrReadOnly
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Truncate(n); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	j.size = n
	return nil
}

// Rewrite atomically replaces the journal's contents, used after a
// checkpoint to discard the folded prefix. The new content is written to a
// side file, fsynced, locked, and renamed over the journal with a directory
// sync, so a crash at any point leaves either the old or the new journal
// intact and locked.
func (j *Journal) Rewrite(content []byte) error {
	if j.readOnly {
		return base.ErrReadOnly
	}
	tmpPath := j.path + ".new"
	nf, err := j.fs.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := nf.WriteAt(content, 0); err == nil {
		err = nf.Sync()
	} else {
		err = errors.WithStack(err)
	}
	if err == nil {
		err = nf.Lock()
	}
	if err != nil {
		_ = nf.Close()
		_ = j.fs.Remove(tmpPath)
		return err
	}
	if err := j.fs.Rename(tmpPath, j.path); err != nil {
		_ = nf.Close()
		_ = j.fs.Remove(tmpPath)
		return err
	}
	if err := j.dir.Sync(); err != nil {
		_ = nf.Close()
		return err
	}
	j.mu.Lock()
	old := j.f
	j.f = nf
	j.size = int64(len(content))
	j.mu.Unlock()
	return old.Close()
}

// Close closes the journal file, releasing the writer lock if held.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// RemoveFile deletes the journal file from disk. The journal must already
// be closed.
func (j *Journal) RemoveFile() error {
	return j.fs.Remove(j.path)
}
