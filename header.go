// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/cockroachdb/blockstore/internal/base"
)

// Block 0 is the header block. Its layout, all little-endian:
//
//	+0   magic (8B)
//	+8   format version (4B)
//	+12  reserved (4B)
//	+16  first_transaction (8B)   commits <= first are folded into the store
//	+24  last_transaction (8B)    most recent durable commit at last checkpoint
//	+32  free_list_head_block (8B)
//	+40  free id count (8B)
//	+48  free id slots ... up to blockSize-8
//	+blockSize-8  xxhash64 of bytes [0, blockSize-8)
//
// The magic doubles as the byte-order declaration: it decodes to the
// expected string only when read in the store's fixed little-endian order.
const (
	headerMagic   = "blkstor1"
	formatVersion = 1

	hdrMagicOff     = 0
	hdrVersionOff   = 8
	hdrReservedOff  = 12
	hdrFirstOff     = 16
	hdrLastOff      = 24
	hdrFreeHeadOff  = 32
	hdrFreeCountOff = 40
	hdrFreeSlotsOff = 48
)

// newHeaderImage returns a freshly initialized, hash-stamped header block
// for an empty store.
func newHeaderImage(blockSize int) []byte {
	img := make([]byte, blockSize)
	copy(img[hdrMagicOff:], headerMagic)
	binary.LittleEndian.PutUint32(img[hdrVersionOff:], formatVersion)
	stampHeader(img)
	return img
}

func headerHashOff(blockSize int) int { return blockSize - 8 }

// stampHeader recomputes the header's integrity hash. Every code path that
// produces a new block-0 image must stamp it before the image escapes.
func stampHeader(img []byte) {
	off := headerHashOff(len(img))
	binary.LittleEndian.PutUint64(img[off:], xxhash.Sum64(img[:off]))
}

// verifyHeader checks magic, format version, and hash, returning the
// persisted transaction marks.
func verifyHeader(img []byte) (first, last TID, freeHead BlockID, err error) {
	if string(img[hdrMagicOff:hdrMagicOff+8]) != headerMagic {
		return 0, 0, 0, base.CorruptionErrorf("blockstore: bad store magic %q", img[hdrMagicOff:hdrMagicOff+8])
	}
	if v := binary.LittleEndian.Uint32(img[hdrVersionOff:]); v != formatVersion {
		return 0, 0, 0, base.CorruptionErrorf("blockstore: unsupported format version %d", v)
	}
	off := headerHashOff(len(img))
	if got, want := xxhash.Sum64(img[:off]), binary.LittleEndian.Uint64(img[off:]); got != want {
		return 0, 0, 0, base.CorruptionErrorf("blockstore: header hash mismatch (%x != %x)", got, want)
	}
	return TID(binary.LittleEndian.Uint64(img[hdrFirstOff:])),
		TID(binary.LittleEndian.Uint64(img[hdrLastOff:])),
		BlockID(binary.LittleEndian.Uint64(img[hdrFreeHeadOff:])),
		nil
}

func headerFirst(img []byte) TID {
	return TID(binary.LittleEndian.Uint64(img[hdrFirstOff:]))
}

func headerLast(img []byte) TID {
	return TID(binary.LittleEndian.Uint64(img[hdrLastOff:]))
}

// setHeaderTransactions updates the persisted transaction marks and
// restamps the hash.
func setHeaderTransactions(img []byte, first, last TID) {
	binary.LittleEndian.PutUint64(img[hdrFirstOff:], uint64(first))
	binary.LittleEndian.PutUint64(img[hdrLastOff:], uint64(last))
	stampHeader(img)
}
