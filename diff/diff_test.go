// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package diff

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

const blockSize = 4096

func apply(t *testing.T, old, delta []byte) []byte {
	t.Helper()
	img := append([]byte(nil), old...)
	n, err := Apply(img, delta)
	require.NoError(t, err)
	require.Equal(t, len(delta), n)
	return img
}

func TestRoundTrip(t *testing.T) {
	old := make([]byte, blockSize)
	new := make([]byte, blockSize)
	for i := range new {
		new[i] = byte(i)
	}

	cases := []struct {
		name   string
		mutate func()
	}{
		{"identical", func() { copy(new, old) }},
		{"all-changed", func() {
			for i := range new {
				new[i] = ^old[i]
			}
		}},
		{"first-byte", func() { copy(new, old); new[0] = 0xff }},
		{"last-byte", func() { copy(new, old); new[blockSize-1] = 0xff }},
		{"sparse", func() {
			copy(new, old)
			for i := 0; i < blockSize; i += 97 {
				new[i] ^= 0xaa
			}
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.mutate()
			delta := Encode(old, new, nil)
			require.Equal(t, new, apply(t, old, delta))

			n, err := Skip(delta, blockSize)
			require.NoError(t, err)
			require.Equal(t, len(delta), n)
		})
	}
}

func TestIdenticalImagesEncodeSmall(t *testing.T) {
	old := bytes.Repeat([]byte{0x42}, blockSize)
	delta := Encode(old, old, nil)
	// 4096 equal bytes fit in one 0x7fff equal run marker.
	require.Equal(t, 2, len(delta))
}

func TestApplyRejectsMalformed(t *testing.T) {
	img := make([]byte, blockSize)

	// Truncated marker.
	_, err := Apply(img, []byte{0x01})
	require.Error(t, err)

	// Zero-length literal run.
	_, err = Apply(img, []byte{0x00, 0x80})
	require.Error(t, err)

	// Run overflowing the block.
	_, err = Apply(make([]byte, 8), []byte{0xff, 0x7f})
	require.Error(t, err)

	// Literal bytes missing.
	_, err = Apply(img, []byte{0x04, 0x80, 0xaa})
	require.Error(t, err)
}

func TestApplyConsumesOnlyOneDiff(t *testing.T) {
	old := make([]byte, blockSize)
	new := append([]byte(nil), old...)
	new[17] = 0x33

	delta := Encode(old, new, nil)
	trailer := []byte{0xde, 0xad, 0xbe, 0xef}
	stream := append(append([]byte(nil), delta...), trailer...)

	img := append([]byte(nil), old...)
	n, err := Apply(img, stream)
	require.NoError(t, err)
	require.Equal(t, len(delta), n)
	require.Equal(t, new, img)
}

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("apply(old, encode(old, new)) == new", prop.ForAll(
		func(old, new []byte, size int) bool {
			// Normalize both images to the same length.
			a := make([]byte, size)
			b := make([]byte, size)
			copy(a, old)
			copy(b, new)
			delta := Encode(a, b, nil)
			img := append([]byte(nil), a...)
			n, err := Apply(img, delta)
			return err == nil && n == len(delta) && bytes.Equal(img, b)
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(1, blockSize),
	))
	properties.TestingRun(t)
}
