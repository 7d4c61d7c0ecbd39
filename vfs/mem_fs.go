// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package vfs

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemFS is a memory-backed FS implementation for tests.
//
// In strict mode (NewStrictMem) each file tracks the content present at its
// last Sync. ResetToSyncedState discards everything written since, and
// removes files that were never synced, simulating a machine crash and
// restart. A created file therefore survives a reset only once it has been
// synced; remove and rename are modeled as immediately durable, and crash
// points around them are exercised by resetting before or after the
// operation.
type MemFS struct {
	strict bool

	mu    sync.Mutex
	nodes map[string]*memNode
	dirs  map[string]bool
}

// NewMem returns a new empty memory-backed FS with relaxed durability:
// syncs are no-ops and all writes are retained.
func NewMem() *MemFS {
	return &MemFS{
		nodes: make(map[string]*memNode),
		dirs:  map[string]bool{".": true},
	}
}

// NewStrictMem returns a memory-backed FS that tracks synced state for
// crash simulation. See ResetToSyncedState.
func NewStrictMem() *MemFS {
	fs := NewMem()
	fs.strict = true
	return fs
}

// ResetToSyncedState discards all state that has not been synced,
// simulating a crash. It is a no-op on a non-strict MemFS.
func (fs *MemFS) ResetToSyncedState() {
	if !fs.strict {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for name, n := range fs.nodes {
		n.mu.Lock()
		if n.synced == nil {
			delete(fs.nodes, name)
		} else {
			n.data = append([]byte(nil), n.synced...)
			n.lockHolder = nil
		}
		n.mu.Unlock()
	}
}

type memNode struct {
	mu         sync.Mutex
	data       []byte
	synced     []byte
	lockHolder *memFile
}

func (fs *MemFS) clean(name string) string {
	return path.Clean(strings.ReplaceAll(name, string(os.PathSeparator), "/"))
}

// Create implements FS.Create.
func (fs *MemFS) Create(name string) (File, error) {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := &memNode{}
	if !fs.strict {
		n.synced = []byte{}
	}
	fs.nodes[name] = n
	return &memFile{fs: fs, name: name, n: n, write: true}, nil
}

// Open implements FS.Open.
func (fs *MemFS) Open(name string) (File, error) {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := fs.nodes[name]
	if n == nil {
		return nil, errors.WithStack(&os.PathError{Op: "open", Path: name, Err: os.ErrNotExist})
	}
	return &memFile{fs: fs, name: name, n: n}, nil
}

// OpenReadWrite implements FS.OpenReadWrite.
func (fs *MemFS) OpenReadWrite(name string) (File, error) {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := fs.nodes[name]
	if n == nil {
		n = &memNode{}
		if !fs.strict {
			n.synced = []byte{}
		}
		fs.nodes[name] = n
	}
	return &memFile{fs: fs, name: name, n: n, write: true}, nil
}

// OpenDir implements FS.OpenDir.
func (fs *MemFS) OpenDir(name string) (File, error) {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.dirs[name] {
		return nil, errors.WithStack(&os.PathError{Op: "open", Path: name, Err: os.ErrNotExist})
	}
	return &memFile{fs: fs, name: name, dir: true}, nil
}

// Remove implements FS.Remove.
func (fs *MemFS) Remove(name string) error {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.nodes[name]; !ok {
		return errors.WithStack(&os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist})
	}
	delete(fs.nodes, name)
	return nil
}

// Rename implements FS.Rename.
func (fs *MemFS) Rename(oldname, newname string) error {
	oldname, newname = fs.clean(oldname), fs.clean(newname)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := fs.nodes[oldname]
	if n == nil {
		return errors.WithStack(&os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist})
	}
	delete(fs.nodes, oldname)
	fs.nodes[newname] = n
	return nil
}

// Stat implements FS.Stat.
func (fs *MemFS) Stat(name string) (os.FileInfo, error) {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirs[name] {
		return &memFileInfo{name: path.Base(name), dir: true}, nil
	}
	n := fs.nodes[name]
	if n == nil {
		return nil, errors.WithStack(&os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist})
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFileInfo{name: path.Base(name), size: int64(len(n.data))}, nil
}

// List implements FS.List.
func (fs *MemFS) List(dir string) ([]string, error) {
	dir = fs.clean(dir)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var names []string
	for name := range fs.nodes {
		if path.Dir(name) == dir {
			names = append(names, path.Base(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

// MkdirAll implements FS.MkdirAll.
func (fs *MemFS) MkdirAll(dir string, _ os.FileMode) error {
	dir = fs.clean(dir)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for d := dir; ; d = path.Dir(d) {
		fs.dirs[d] = true
		if d == "." || d == "/" {
			break
		}
	}
	return nil
}

// PathBase implements FS.PathBase.
func (*MemFS) PathBase(p string) string { return path.Base(p) }

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string { return path.Join(elem...) }

// PathDir implements FS.PathDir.
func (*MemFS) PathDir(p string) string { return path.Dir(p) }

type memFile struct {
	fs    *MemFS
	name  string
	n     *memNode
	dir   bool
	write bool
}

var _ File = (*memFile)(nil)

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.dir {
		return 0, errors.New("vfs: cannot read a directory")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.dir || !f.write {
		return 0, errors.New("vfs: file not opened for writing")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if need := off + int64(len(p)); need > int64(len(f.n.data)) {
		f.n.data = append(f.n.data, make([]byte, need-int64(len(f.n.data)))...)
	}
	copy(f.n.data[off:], p)
	return len(p), nil
}

func (f *memFile) Truncate(size int64) error {
	if f.dir || !f.write {
		return errors.New("vfs: file not opened for writing")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if size > int64(len(f.n.data)) {
		f.n.data = append(f.n.data, make([]byte, size-int64(len(f.n.data)))...)
	} else {
		f.n.data = f.n.data[:size]
	}
	return nil
}

func (f *memFile) Sync() error {
	if f.dir {
		return nil
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.synced = append([]byte(nil), f.n.data...)
	return nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	if f.dir {
		return &memFileInfo{name: path.Base(f.name), dir: true}, nil
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	return &memFileInfo{name: path.Base(f.name), size: int64(len(f.n.data))}, nil
}

func (f *memFile) Lock() error {
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if f.n.lockHolder != nil && f.n.lockHolder != f {
		return ErrLocked
	}
	f.n.lockHolder = f
	return nil
}

func (f *memFile) Unlock() error {
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if f.n.lockHolder == f {
		f.n.lockHolder = nil
	}
	return nil
}

func (f *memFile) Close() error {
	if f.n != nil {
		f.n.mu.Lock()
		if f.n.lockHolder == f {
			f.n.lockHolder = nil
		}
		f.n.mu.Unlock()
	}
	return nil
}

type memFileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi *memFileInfo) Name() string       { return fi.name }
func (fi *memFileInfo) Size() int64        { return fi.size }
func (fi *memFileInfo) Mode() os.FileMode  { return 0666 }
func (fi *memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi *memFileInfo) IsDir() bool        { return fi.dir }
func (fi *memFileInfo) Sys() interface{}   { return nil }
