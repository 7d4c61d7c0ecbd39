// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package journal

import (
	"encoding/binary"

	"github.com/cockroachdb/blockstore/diff"
	"github.com/cockroachdb/blockstore/internal/base"
)

// Record tags. All integers in the journal are little-endian. Tags occupy a
// full 8 bytes so that every record field is uint64-aligned.
const (
	tagBegin uint64 = iota
	tagAlloc
	tagFree
	tagDiff
	tagCommit
)

const (
	beginSize  = 24 // tag, tid, frame length
	commitSize = 8  // tag

	// maxFrameLen bounds a single frame's record bytes. The log buffer is
	// addressed with a signed 64-bit length; anything near that is a bug or
	// corruption, not a workload.
	maxFrameLen = 1 << 62
)

// RecordKind identifies the type of a decoded frame record.
type RecordKind uint8

// The record kinds appearing between Begin and Commit.
const (
	KindAlloc RecordKind = iota
	KindFree
	KindDiff
)

// Record is one decoded frame record. Delta is nil except for KindDiff,
// where it aliases the scanned frame buffer.
type Record struct {
	Kind    RecordKind
	BlockID uint64
	Delta   []byte
}

// FrameBuilder accumulates the in-memory log buffer for one write
// transaction: a Begin record, the transaction's Alloc/Free/Diff records,
// and on Finish a Commit record with the Begin length backfilled.
type FrameBuilder struct {
	tid       uint64
	blockSize int
	buf       []byte
}

// NewFrameBuilder returns a builder for the frame of the given transaction.
func NewFrameBuilder(tid uint64, blockSize int) *FrameBuilder {
	b := &FrameBuilder{tid: tid, blockSize: blockSize}
	b.buf = binary.LittleEndian.AppendUint64(b.buf, tagBegin)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, tid)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, 0) // length, backfilled
	return b
}

// TID returns the transaction ID the frame was opened with.
func (b *FrameBuilder) TID() uint64 { return b.tid }

// Len returns the current length of the log buffer in bytes.
func (b *FrameBuilder) Len() int { return len(b.buf) }

// Reset discards all records, reopening the builder for the same tid.
func (b *FrameBuilder) Reset() {
	b.buf = b.buf[:beginSize]
}

// Alloc appends an Alloc record.
func (b *FrameBuilder) Alloc(blockID uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, tagAlloc)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, blockID)
}

// Free appends a Free record.
func (b *FrameBuilder) Free(blockID uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, tagFree)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, blockID)
}

// Diff appends a Diff record holding the delta from old to new.
func (b *FrameBuilder) Diff(blockID uint64, old, new []byte) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, tagDiff)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, blockID)
	b.buf = diff.Encode(old, new, b.buf)
}

// Finish appends the Commit record, backfills the Begin record's frame
// length, and returns the completed frame bytes. The builder must not be
// used afterwards.
func (b *FrameBuilder) Finish() ([]byte, error) {
	frameLen := len(b.buf) - beginSize
	if frameLen >= maxFrameLen {
		return nil, base.ErrTooLarge
	}
	binary.LittleEndian.PutUint64(b.buf[16:24], uint64(frameLen))
	b.buf = binary.LittleEndian.AppendUint64(b.buf, tagCommit)
	return b.buf, nil
}

// AppendFrame re-encodes a scanned frame verbatim onto buf. Checkpointing
// uses it to rebuild the journal's surviving suffix.
func AppendFrame(buf []byte, f Frame) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, tagBegin)
	buf = binary.LittleEndian.AppendUint64(buf, f.TID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(f.Records)))
	buf = append(buf, f.Records...)
	buf = binary.LittleEndian.AppendUint64(buf, tagCommit)
	return buf
}

// Records decodes the record bytes of a frame (the bytes between Begin and
// Commit), invoking fn for each record in order. Decoding stops at the
// first error from fn.
func Records(data []byte, blockSize int, fn func(Record) error) error {
	for off := 0; off < len(data); {
		if off+16 > len(data) {
			return base.CorruptionErrorf("blockstore: truncated journal record at offset %d", off)
		}
		tag := binary.LittleEndian.Uint64(data[off:])
		blockID := binary.LittleEndian.Uint64(data[off+8:])
		off += 16
		rec := Record{BlockID: blockID}
		switch tag {
		case tagAlloc:
			rec.Kind = KindAlloc
		case tagFree:
			rec.Kind = KindFree
		case tagDiff:
			rec.Kind = KindDiff
			n, err := diff.Skip(data[off:], blockSize)
			if err != nil {
				return err
			}
			rec.Delta = data[off : off+n]
			off += n
		default:
			return base.CorruptionErrorf("blockstore: unknown journal record tag %d", tag)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
