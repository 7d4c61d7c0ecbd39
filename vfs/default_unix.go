// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

//go:build unix

package vfs

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// osFile wraps *os.File with flock-based advisory locking. The lock follows
// BSD flock semantics: held per open file description, released on Close.
type osFile struct {
	*os.File
}

var _ File = (*osFile)(nil)

func (f *osFile) Lock() error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return errors.Mark(err, ErrLocked)
	}
	return errors.WithStack(err)
}

func (f *osFile) Unlock() error {
	return errors.WithStack(unix.Flock(int(f.Fd()), unix.LOCK_UN))
}
