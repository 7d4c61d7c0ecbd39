// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package vfs provides the filesystem abstraction used by the block store:
// positioned file I/O with durability control, whole-file advisory locks,
// and directory-scoped atomic renames. The Default implementation is backed
// by the operating system; MemFS is a memory-backed implementation for
// tests, including crash simulation via strict sync tracking.
package vfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// ErrLocked is returned by File.Lock when another handle already holds the
// exclusive lock.
var ErrLocked = errors.New("vfs: file already locked")

// File is a handle supporting positioned reads and writes. Positioned I/O
// keeps reader threads independent of the writer's cursor: concurrent
// ReadAt calls never disturb an in-progress append.
type File interface {
	io.Closer
	io.ReaderAt
	io.WriterAt

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync flushes both data and metadata durably to stable storage.
	Sync() error

	Stat() (os.FileInfo, error)

	// Lock acquires a whole-file exclusive advisory lock without blocking.
	// It returns ErrLocked if the lock is held elsewhere. The lock is
	// released by Unlock or by closing the file.
	Lock() error

	// Unlock releases a lock acquired by Lock.
	Unlock() error
}

// FS is a namespace for files. Names are filepath names.
type FS interface {
	// Create creates the named file for reading and writing, truncating it
	// if it already exists.
	Create(name string) (File, error)

	// Open opens the named file for reading.
	Open(name string) (File, error)

	// OpenReadWrite opens the named file for reading and writing, creating
	// it if it does not exist.
	OpenReadWrite(name string) (File, error)

	// OpenDir opens the named directory for syncing. Only Sync and Close
	// may be called on the returned File.
	OpenDir(name string) (File, error)

	// Remove removes the named file.
	Remove(name string) error

	// Rename renames a file, overwriting the target if it exists. Together
	// with a following directory sync this is the durable, atomic swap
	// primitive used by checkpointing.
	Rename(oldname, newname string) error

	// Stat returns an os.FileInfo describing the named file.
	Stat(name string) (os.FileInfo, error)

	// List returns the names of the entries in the given directory.
	List(dir string) ([]string, error)

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(dir string, perm os.FileMode) error

	// PathBase returns the last element of the path.
	PathBase(path string) string

	// PathJoin joins any number of path elements into a single path.
	PathJoin(elem ...string) string

	// PathDir returns all but the last element of the path.
	PathDir(path string) string
}

// Exists reports whether the named file exists in fs.
func Exists(fs FS, name string) bool {
	_, err := fs.Stat(name)
	return err == nil
}

type defaultFS struct{}

// Default is an FS backed by the underlying operating system's filesystem.
var Default FS = defaultFS{}

func (defaultFS) Create(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &osFile{File: f}, nil
}

func (defaultFS) Open(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &osFile{File: f}, nil
}

func (defaultFS) OpenReadWrite(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &osFile{File: f}, nil
}

func (defaultFS) OpenDir(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &osFile{File: f}, nil
}

func (defaultFS) Remove(name string) error {
	return errors.WithStack(os.Remove(name))
}

func (defaultFS) Rename(oldname, newname string) error {
	return errors.WithStack(os.Rename(oldname, newname))
}

func (defaultFS) Stat(name string) (os.FileInfo, error) {
	fi, err := os.Stat(name)
	return fi, errors.WithStack(err)
}

func (defaultFS) List(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (defaultFS) MkdirAll(dir string, perm os.FileMode) error {
	return errors.WithStack(os.MkdirAll(dir, perm))
}

func (defaultFS) PathBase(path string) string {
	return filepath.Base(path)
}

func (defaultFS) PathJoin(elem ...string) string {
	return filepath.Join(elem...)
}

func (defaultFS) PathDir(path string) string {
	return filepath.Dir(path)
}
