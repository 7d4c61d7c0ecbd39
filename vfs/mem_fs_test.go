// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package vfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, f File) []byte {
	t.Helper()
	fi, err := f.Stat()
	require.NoError(t, err)
	buf := make([]byte, fi.Size())
	if len(buf) == 0 {
		return buf
	}
	_, err = f.ReadAt(buf, 0)
	if err == io.EOF {
		err = nil
	}
	require.NoError(t, err)
	return buf
}

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("a")
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.True(t, Exists(fs, "a"))
	require.False(t, Exists(fs, "b"))

	require.NoError(t, fs.Rename("a", "b"))
	f, err = fs.Open("b")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), readAll(t, f))
	require.NoError(t, f.Close())

	names, err := fs.List(".")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, names)

	require.NoError(t, fs.Remove("b"))
	require.False(t, Exists(fs, "b"))
}

func TestMemFSTruncate(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("f")
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4))
	require.Equal(t, []byte("0123"), readAll(t, f))
	require.NoError(t, f.Truncate(6))
	require.Equal(t, []byte("0123\x00\x00"), readAll(t, f))
}

func TestStrictMemCrash(t *testing.T) {
	fs := NewStrictMem()

	f, err := fs.Create("durable")
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("synced"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	_, err = f.WriteAt([]byte(" and not"), 6)
	require.NoError(t, err)

	g, err := fs.Create("ephemeral")
	require.NoError(t, err)
	_, err = g.WriteAt([]byte("gone"), 0)
	require.NoError(t, err)

	fs.ResetToSyncedState()

	// Unsynced bytes vanish; unsynced files vanish entirely.
	f2, err := fs.Open("durable")
	require.NoError(t, err)
	require.Equal(t, []byte("synced"), readAll(t, f2))
	require.False(t, Exists(fs, "ephemeral"))
}

func TestMemFSLock(t *testing.T) {
	fs := NewMem()
	f1, err := fs.Create("l")
	require.NoError(t, err)
	require.NoError(t, f1.Lock())

	f2, err := fs.OpenReadWrite("l")
	require.NoError(t, err)
	require.ErrorIs(t, f2.Lock(), ErrLocked)

	// Closing the holder releases the lock.
	require.NoError(t, f1.Close())
	require.NoError(t, f2.Lock())
	require.NoError(t, f2.Unlock())
	require.NoError(t, f2.Close())
}
