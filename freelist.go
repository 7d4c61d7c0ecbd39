// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import "encoding/binary"

// The free list is a stack of reusable block IDs rooted in the header
// block. Block 0 holds an inline stack (count at hdrFreeCountOff, slots
// from hdrFreeSlotsOff up to the hash trailer). When the inline stack is
// full, the freed block itself is rewritten into a chain node carrying the
// whole inline stack, and becomes free_list_head_block; when the inline
// stack is empty and a chain head exists, the head's IDs fold back into
// block 0 and the head node block itself is the allocation. Every mutation
// is an ordinary block Diff in the transaction's frame, so replay and
// checkpointing materialize free-list state like any other block content.
//
// Chain node layout: next chain block (8B), count (8B), id slots.
const (
	chainNextOff  = 0
	chainCountOff = 8
	chainSlotsOff = 16
)

func freeSlotCap(blockSize int) int {
	return (headerHashOff(blockSize) - hdrFreeSlotsOff) / 8
}

func freeCount(img []byte) int {
	return int(binary.LittleEndian.Uint64(img[hdrFreeCountOff:]))
}

// freePush pushes id onto the header's inline stack, restamping the hash.
// It reports false if the stack is full.
func freePush(img []byte, id BlockID) bool {
	n := freeCount(img)
	if n >= freeSlotCap(len(img)) {
		return false
	}
	binary.LittleEndian.PutUint64(img[hdrFreeSlotsOff+8*n:], uint64(id))
	binary.LittleEndian.PutUint64(img[hdrFreeCountOff:], uint64(n+1))
	stampHeader(img)
	return true
}

// freePop pops the most recently freed id off the header's inline stack.
func freePop(img []byte) (BlockID, bool) {
	n := freeCount(img)
	if n == 0 {
		return 0, false
	}
	id := BlockID(binary.LittleEndian.Uint64(img[hdrFreeSlotsOff+8*(n-1):]))
	binary.LittleEndian.PutUint64(img[hdrFreeCountOff:], uint64(n-1))
	stampHeader(img)
	return id, true
}

// headerFreeHead returns the chain head block, zero if none.
func headerFreeHead(img []byte) BlockID {
	return BlockID(binary.LittleEndian.Uint64(img[hdrFreeHeadOff:]))
}

func setHeaderFreeHead(img []byte, id BlockID) {
	binary.LittleEndian.PutUint64(img[hdrFreeHeadOff:], uint64(id))
	stampHeader(img)
}

// spillToChain converts the header's full inline stack into a chain node
// image for a newly freed block, and empties the inline stack. node must be
// a zero block of the same size.
func spillToChain(hdr, node []byte, freed BlockID) {
	n := freeCount(hdr)
	binary.LittleEndian.PutUint64(node[chainNextOff:], uint64(headerFreeHead(hdr)))
	binary.LittleEndian.PutUint64(node[chainCountOff:], uint64(n))
	copy(node[chainSlotsOff:chainSlotsOff+8*n], hdr[hdrFreeSlotsOff:hdrFreeSlotsOff+8*n])
	binary.LittleEndian.PutUint64(hdr[hdrFreeCountOff:], 0)
	setHeaderFreeHead(hdr, freed)
}

// unspillFromChain folds a chain node's IDs back into the header's inline
// stack and unlinks the node, whose block becomes the allocation.
func unspillFromChain(hdr, node []byte) {
	n := int(binary.LittleEndian.Uint64(node[chainCountOff:]))
	if n > freeSlotCap(len(hdr)) {
		n = freeSlotCap(len(hdr))
	}
	copy(hdr[hdrFreeSlotsOff:hdrFreeSlotsOff+8*n], node[chainSlotsOff:chainSlotsOff+8*n])
	binary.LittleEndian.PutUint64(hdr[hdrFreeCountOff:], uint64(n))
	setHeaderFreeHead(hdr, BlockID(binary.LittleEndian.Uint64(node[chainNextOff:])))
}
