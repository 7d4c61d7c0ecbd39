// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func img(b byte) []byte { return []byte{b} }

func TestFindNearestBefore(t *testing.T) {
	c := New(16)
	c.Insert(Span{BlockID: 7, Start: 2}, img(2))
	c.Insert(Span{BlockID: 7, Start: 5}, img(5))
	c.Insert(Span{BlockID: 7, Start: 9}, img(9))
	c.Insert(Span{BlockID: 8, Start: 1}, img(1))

	cases := []struct {
		tid       uint64
		wantStart uint64
		ok        bool
	}{
		{1, 0, false},
		{2, 2, true},
		{4, 2, true},
		{5, 5, true},
		{8, 5, true},
		{9, 9, true},
		{100, 9, true},
	}
	for _, tc := range cases {
		span, v, ok := c.FindNearestBefore(7, tc.tid)
		require.Equal(t, tc.ok, ok, "tid %d", tc.tid)
		if ok {
			require.Equal(t, Span{BlockID: 7, Start: tc.wantStart}, span)
			require.Equal(t, img(byte(tc.wantStart)), v)
		}
	}

	// A neighboring block's spans must never bleed over.
	_, _, ok := c.FindNearestBefore(9, 100)
	require.False(t, ok)
	span, _, ok := c.FindNearestBefore(8, 100)
	require.True(t, ok)
	require.Equal(t, uint64(1), span.Start)
}

func TestInsertOverwrites(t *testing.T) {
	c := New(4)
	c.Insert(Span{BlockID: 1, Start: 1}, img(1))
	c.Insert(Span{BlockID: 1, Start: 1}, img(2))
	require.Equal(t, 1, c.Len())
	_, v, ok := c.FindNearestBefore(1, 1)
	require.True(t, ok)
	require.Equal(t, img(2), v)
}

func TestLRUEviction(t *testing.T) {
	c := New(3)
	for i := uint64(1); i <= 3; i++ {
		c.Insert(Span{BlockID: i, Start: 1}, img(byte(i)))
	}
	// Touch block 1 so block 2 is the eviction victim.
	_, _, ok := c.FindNearestBefore(1, 1)
	require.True(t, ok)

	c.Insert(Span{BlockID: 4, Start: 1}, img(4))
	require.Equal(t, 3, c.Len())
	_, _, ok = c.FindNearestBefore(2, 1)
	require.False(t, ok)
	for _, id := range []uint64{1, 3, 4} {
		_, _, ok := c.FindNearestBefore(id, 1)
		require.True(t, ok, "block %d", id)
	}
}

func TestEvictVersion(t *testing.T) {
	c := New(16)
	c.Insert(Span{BlockID: 1, Start: 3}, img(1))
	c.Insert(Span{BlockID: 2, Start: 3}, img(2))
	c.Insert(Span{BlockID: 2, Start: 2}, img(3))
	c.EvictVersion(3)
	require.Equal(t, 1, c.Len())
	span, _, ok := c.FindNearestBefore(2, 10)
	require.True(t, ok)
	require.Equal(t, uint64(2), span.Start)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				span := Span{BlockID: uint64(g%4 + 1), Start: uint64(i%16 + 1)}
				c.Insert(span, img(byte(i)))
				c.FindNearestBefore(span.BlockID, span.Start)
				if i%100 == 0 {
					c.EvictVersion(span.Start)
				}
			}
		}()
	}
	wg.Wait()

	// The ordered map and the LRU list must agree after the storm.
	require.LessOrEqual(t, c.Len(), 64)
	c.Insert(Span{BlockID: 99, Start: 1}, img(0))
	_, _, ok := c.FindNearestBefore(99, 1)
	require.True(t, ok)
}

func TestCapacityPanics(t *testing.T) {
	require.Panics(t, func() { New(0) })
}

func BenchmarkFindNearestBefore(b *testing.B) {
	c := New(512)
	for i := 0; i < 512; i++ {
		c.Insert(Span{BlockID: uint64(i % 64), Start: uint64(i/64 + 1)}, img(byte(i)))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.FindNearestBefore(uint64(i%64), uint64(i%8+1))
	}
}

func ExampleCache() {
	c := New(8)
	c.Insert(Span{BlockID: 1, Start: 4}, []byte("v4"))
	span, v, _ := c.FindNearestBefore(1, 9)
	fmt.Println(span.Start, string(v))
	// Output: 4 v4
}
