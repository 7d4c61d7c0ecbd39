// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package diff implements the delta codec for block images. A diff between
// two equal-length images is a sequence of 16-bit little-endian run markers:
//
//	+------------+--- ... ---+------------+------------+--- ... ---+
//	| marker(2B) | literals  | marker(2B) | marker(2B) | literals  |
//	+------------+--- ... ---+------------+------------+--- ... ---+
//
// A marker with the high bit clear declares that the next N bytes of the new
// image equal the previous image; no bytes follow. A marker with the high
// bit set declares N literal bytes, which follow immediately. Literal runs
// of length zero are forbidden; zero-length equal runs are elided. The run
// lengths of a well-formed diff sum to exactly the block size.
package diff

import (
	"encoding/binary"

	"github.com/cockroachdb/blockstore/internal/base"
)

const (
	// maxRun is the largest run length a single marker can carry.
	maxRun = 0x7fff

	literalBit = 0x8000
)

// Encode appends the delta transforming old into new to buf and returns the
// extended buffer. The two images must have the same length.
func Encode(old, new []byte, buf []byte) []byte {
	if len(old) != len(new) {
		panic("diff: image length mismatch")
	}
	for i := 0; i < len(new); {
		// Equal run.
		j := i
		for j < len(new) && j-i < maxRun && old[j] == new[j] {
			j++
		}
		if j > i {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(j-i))
			i = j
			continue
		}
		// Literal run.
		for j < len(new) && j-i < maxRun && old[j] != new[j] {
			j++
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(j-i)|literalBit)
		buf = append(buf, new[i:j]...)
		i = j
	}
	return buf
}

// Apply applies a delta produced by Encode to img, mutating it in place,
// and returns the number of delta bytes consumed. Trailing bytes beyond the
// block's runs are left untouched, which lets callers decode deltas out of
// a larger record stream.
func Apply(img []byte, delta []byte) (int, error) {
	off := 0
	pos := 0
	for pos < len(img) {
		if off+2 > len(delta) {
			return 0, base.CorruptionErrorf("blockstore: diff truncated at offset %d", off)
		}
		marker := binary.LittleEndian.Uint16(delta[off:])
		off += 2
		n := int(marker &^ literalBit)
		if n > len(img)-pos {
			return 0, base.CorruptionErrorf("blockstore: diff run overflows block (%d > %d)", n, len(img)-pos)
		}
		if marker&literalBit != 0 {
			if n == 0 {
				return 0, base.CorruptionErrorf("blockstore: zero-length literal run")
			}
			if off+n > len(delta) {
				return 0, base.CorruptionErrorf("blockstore: diff literals truncated at offset %d", off)
			}
			copy(img[pos:pos+n], delta[off:off+n])
			off += n
		}
		pos += n
	}
	return off, nil
}

// Skip returns the encoded length of the delta for a block of the given
// size at the start of delta, without materializing an image.
func Skip(delta []byte, blockSize int) (int, error) {
	off := 0
	pos := 0
	for pos < blockSize {
		if off+2 > len(delta) {
			return 0, base.CorruptionErrorf("blockstore: diff truncated at offset %d", off)
		}
		marker := binary.LittleEndian.Uint16(delta[off:])
		off += 2
		n := int(marker &^ literalBit)
		if n > blockSize-pos {
			return 0, base.CorruptionErrorf("blockstore: diff run overflows block (%d > %d)", n, blockSize-pos)
		}
		if marker&literalBit != 0 {
			if n == 0 {
				return 0, base.CorruptionErrorf("blockstore: zero-length literal run")
			}
			if off+n > len(delta) {
				return 0, base.CorruptionErrorf("blockstore: diff literals truncated at offset %d", off)
			}
			off += n
		}
		pos += n
	}
	return off, nil
}
