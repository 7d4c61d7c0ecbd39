// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package cache implements the version cache: a size-bounded ordered map
// from (block ID, start transaction) spans to historical block images.
//
// Entries are ordered lexicographically by (BlockID, Start), which makes
// the nearest-before query — the largest Start at or below a read's tid for
// a given block — a binary search. Images are held by shared reference:
// an in-flight reader pinning an image keeps it alive regardless of
// eviction, and callers must treat returned images as immutable.
package cache

import (
	"container/list"
	"sort"
	"sync"
)

// Span identifies a historical block image: the value of BlockID as of the
// commit of Start, valid for reads at any tid >= Start until the next
// commit that writes the block.
type Span struct {
	BlockID uint64
	Start   uint64
}

// Less reports whether s orders before o lexicographically.
func (s Span) Less(o Span) bool {
	return s.BlockID < o.BlockID || (s.BlockID == o.BlockID && s.Start < o.Start)
}

type entry struct {
	span Span
	img  []byte
	elem *list.Element
}

// Cache is a thread-safe, capacity-bounded version cache. Lookups take the
// read side of a reader-writer lock; inserts and eviction take the write
// side. Recency is tracked under a separate small mutex so that lookups can
// update it while holding only the read side.
type Cache struct {
	capacity int

	mu      sync.RWMutex
	entries []entry

	lruMu sync.Mutex
	lru   *list.List // front is most recently used; values are Span
}

// New returns a cache bounded to capacity spans.
func New(capacity int) *Cache {
	if capacity <= 0 {
		panic("cache: nonpositive capacity")
	}
	return &Cache{capacity: capacity, lru: list.New()}
}

// search returns the index of the first entry whose span is >= s.
func (c *Cache) search(s Span) int {
	return sort.Search(len(c.entries), func(i int) bool {
		return !c.entries[i].span.Less(s)
	})
}

// FindNearestBefore returns the cached entry for blockID with the largest
// Start <= tid, if any.
func (c *Cache) FindNearestBefore(blockID, tid uint64) (Span, []byte, bool) {
	c.mu.RLock()
	// First entry strictly after (blockID, tid); its predecessor is the
	// candidate.
	i := c.search(Span{BlockID: blockID, Start: tid + 1})
	if i == 0 {
		c.mu.RUnlock()
		return Span{}, nil, false
	}
	e := c.entries[i-1]
	c.mu.RUnlock()
	if e.span.BlockID != blockID || e.span.Start > tid {
		return Span{}, nil, false
	}
	c.touch(e.elem)
	return e.span, e.img, true
}

func (c *Cache) touch(elem *list.Element) {
	c.lruMu.Lock()
	c.lru.MoveToFront(elem)
	c.lruMu.Unlock()
}

// Insert adds an image under the given span, overwriting any entry with the
// identical span. When over capacity the least-recently-used entry is
// evicted; an image still referenced by a reader stays valid, only the
// cache's reference is dropped.
func (c *Cache) Insert(span Span, img []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.search(span)
	if i < len(c.entries) && c.entries[i].span == span {
		c.entries[i].img = img
		c.touch(c.entries[i].elem)
		return
	}
	c.lruMu.Lock()
	elem := c.lru.PushFront(span)
	c.lruMu.Unlock()
	c.entries = append(c.entries, entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = entry{span: span, img: img, elem: elem}
	for len(c.entries) > c.capacity {
		c.evictLRULocked()
	}
}

// evictLRULocked removes the least-recently-used entry. c.mu must be held
// for writing.
func (c *Cache) evictLRULocked() {
	c.lruMu.Lock()
	back := c.lru.Back()
	if back != nil {
		c.lru.Remove(back)
	}
	c.lruMu.Unlock()
	if back == nil {
		return
	}
	span := back.Value.(Span)
	i := c.search(span)
	if i >= len(c.entries) || c.entries[i].span != span {
		panic("cache: LRU entry missing from ordered map")
	}
	copy(c.entries[i:], c.entries[i+1:])
	c.entries = c.entries[:len(c.entries)-1]
}

// EvictVersion removes every entry whose Start equals start. Rollback uses
// this so that a reused tid cannot observe images from the rolled-back
// transaction.
func (c *Cache) EvictVersion(start uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.span.Start == start {
			c.lruMu.Lock()
			c.lru.Remove(e.elem)
			c.lruMu.Unlock()
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
}

// Len returns the number of cached spans.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
