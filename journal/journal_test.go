// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package journal

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/blockstore/internal/base"
	"github.com/cockroachdb/blockstore/vfs"
)

const blockSize = 64

func openTestJournal(t *testing.T, fs *vfs.MemFS) *Journal {
	t.Helper()
	dir, err := fs.OpenDir(".")
	require.NoError(t, err)
	j, err := Open(fs, dir, "store.journal", false, blockSize)
	require.NoError(t, err)
	return j
}

// buildFrame makes a committed frame for tid with one diff flipping the
// first byte of block 1.
func buildFrame(t *testing.T, tid uint64) []byte {
	t.Helper()
	b := NewFrameBuilder(tid, blockSize)
	old := make([]byte, blockSize)
	new := append([]byte(nil), old...)
	new[0] = byte(tid)
	b.Diff(1, old, new)
	frame, err := b.Finish()
	require.NoError(t, err)
	return frame
}

func scanTIDs(t *testing.T, j *Journal) ([]uint64, int64) {
	t.Helper()
	var tids []uint64
	valid, err := j.Scan(0, func(f Frame) error {
		tids = append(tids, f.TID)
		return nil
	})
	require.NoError(t, err)
	return tids, valid
}

func TestAppendScan(t *testing.T) {
	fs := vfs.NewMem()
	j := openTestJournal(t, fs)
	defer j.Close()

	for tid := uint64(1); tid <= 3; tid++ {
		require.NoError(t, j.Append(buildFrame(t, tid)))
	}
	tids, valid := scanTIDs(t, j)
	require.Equal(t, []uint64{1, 2, 3}, tids)
	require.Equal(t, j.Size(), valid)
}

func TestScanStopsAtTornTail(t *testing.T) {
	fs := vfs.NewMem()
	j := openTestJournal(t, fs)
	defer j.Close()

	require.NoError(t, j.Append(buildFrame(t, 1)))
	whole := j.Size()

	// A frame missing its final Commit bytes is torn.
	torn := buildFrame(t, 2)
	require.NoError(t, j.Append(torn[:len(torn)-3]))

	tids, valid := scanTIDs(t, j)
	require.Equal(t, []uint64{1}, tids)
	require.Equal(t, whole, valid)

	// Recovery truncates and the journal is appendable again.
	require.NoError(t, j.TruncateTo(valid))
	require.NoError(t, j.Append(buildFrame(t, 2)))
	tids, _ = scanTIDs(t, j)
	require.Equal(t, []uint64{1, 2}, tids)
}

func TestScanStopsAtGarbage(t *testing.T) {
	fs := vfs.NewMem()
	j := openTestJournal(t, fs)
	defer j.Close()

	require.NoError(t, j.Append(buildFrame(t, 1)))
	whole := j.Size()
	require.NoError(t, j.Append([]byte("this is not a frame, not even close, but it is long enough")))

	tids, valid := scanTIDs(t, j)
	require.Equal(t, []uint64{1}, tids)
	require.Equal(t, whole, valid)
}

func TestScanEarlyStop(t *testing.T) {
	fs := vfs.NewMem()
	j := openTestJournal(t, fs)
	defer j.Close()

	for tid := uint64(1); tid <= 5; tid++ {
		require.NoError(t, j.Append(buildFrame(t, tid)))
	}
	var tids []uint64
	_, err := j.Scan(0, func(f Frame) error {
		if f.TID > 3 {
			return ErrStopScan
		}
		tids = append(tids, f.TID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, tids)
}

func TestSecondWriterRefused(t *testing.T) {
	fs := vfs.NewMem()
	dir, err := fs.OpenDir(".")
	require.NoError(t, err)

	j1, err := Open(fs, dir, "store.journal", false, blockSize)
	require.NoError(t, err)
	defer j1.Close()

	_, err = Open(fs, dir, "store.journal", false, blockSize)
	require.True(t, errors.Is(err, base.ErrBusy))

	// Read-only access is always allowed.
	j3, err := Open(fs, dir, "store.journal", true, blockSize)
	require.NoError(t, err)
	require.NoError(t, j3.Close())

	// Releasing the first handle frees the lock.
	require.NoError(t, j1.Close())
	j4, err := Open(fs, dir, "store.journal", false, blockSize)
	require.NoError(t, err)
	require.NoError(t, j4.Close())
}

func TestRewrite(t *testing.T) {
	fs := vfs.NewMem()
	j := openTestJournal(t, fs)
	defer j.Close()

	for tid := uint64(1); tid <= 4; tid++ {
		require.NoError(t, j.Append(buildFrame(t, tid)))
	}
	var content []byte
	_, err := j.Scan(0, func(f Frame) error {
		if f.TID > 2 {
			content = AppendFrame(content, f)
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, j.Rewrite(content))

	tids, _ := scanTIDs(t, j)
	require.Equal(t, []uint64{3, 4}, tids)

	// The rewritten journal keeps the writer lock: a second writer is
	// still refused, and appends keep working.
	dir, err := fs.OpenDir(".")
	require.NoError(t, err)
	_, err = Open(fs, dir, "store.journal", false, blockSize)
	require.True(t, errors.Is(err, base.ErrBusy))
	require.NoError(t, j.Append(buildFrame(t, 5)))
	tids, _ = scanTIDs(t, j)
	require.Equal(t, []uint64{3, 4, 5}, tids)
}

// flakyFS injects sync failures into files opened for read/write.
type flakyFS struct {
	vfs.FS
	failSync *bool
}

func (fs flakyFS) OpenReadWrite(name string) (vfs.File, error) {
	f, err := fs.FS.OpenReadWrite(name)
	if err != nil {
		return nil, err
	}
	return flakyFile{File: f, failSync: fs.failSync}, nil
}

type flakyFile struct {
	vfs.File
	failSync *bool
}

func (f flakyFile) Sync() error {
	if *f.failSync {
		return errors.New("injected sync failure")
	}
	return f.File.Sync()
}

func TestAppendFailureTruncates(t *testing.T) {
	fail := false
	fs := flakyFS{FS: vfs.NewMem(), failSync: &fail}
	dir, err := fs.OpenDir(".")
	require.NoError(t, err)
	j, err := Open(fs, dir, "store.journal", false, blockSize)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(buildFrame(t, 1)))
	pre := j.Size()

	fail = true
	require.Error(t, j.Append(buildFrame(t, 2)))
	fail = false

	// The failed append left no trace.
	require.Equal(t, pre, j.Size())
	tids, valid := scanTIDs(t, j)
	require.Equal(t, []uint64{1}, tids)
	require.Equal(t, pre, valid)

	// And the journal remains usable.
	require.NoError(t, j.Append(buildFrame(t, 2)))
	tids, _ = scanTIDs(t, j)
	require.Equal(t, []uint64{1, 2}, tids)
}

func TestRecordsRoundTrip(t *testing.T) {
	b := NewFrameBuilder(9, blockSize)
	old := make([]byte, blockSize)
	new := append([]byte(nil), old...)
	new[3] = 0x7e
	b.Alloc(4)
	b.Diff(4, old, new)
	b.Free(2)
	frame, err := b.Finish()
	require.NoError(t, err)

	fs := vfs.NewMem()
	j := openTestJournal(t, fs)
	defer j.Close()
	require.NoError(t, j.Append(frame))

	var got []Record
	_, err = j.Scan(0, func(f Frame) error {
		require.Equal(t, uint64(9), f.TID)
		return j.DecodeRecords(f, func(r Record) error {
			got = append(got, r)
			return nil
		})
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, KindAlloc, got[0].Kind)
	require.Equal(t, uint64(4), got[0].BlockID)
	require.Equal(t, KindDiff, got[1].Kind)
	require.Equal(t, uint64(4), got[1].BlockID)
	require.NotEmpty(t, got[1].Delta)
	require.Equal(t, KindFree, got[2].Kind)
	require.Equal(t, uint64(2), got[2].BlockID)
}
