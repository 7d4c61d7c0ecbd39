// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cockroachdb/blockstore/internal/base"
	"github.com/cockroachdb/blockstore/vfs"
)

const (
	// DefaultBlockSize is the size of a block in bytes.
	DefaultBlockSize = 4096

	// DefaultCacheSize is the default capacity of the version cache, in
	// spans.
	DefaultCacheSize = 512

	// DefaultCheckpointInterval is the default number of commits between
	// automatic inline checkpoints.
	DefaultCheckpointInterval = 256

	// DefaultJournalSoftCap is the journal length beyond which a commit
	// triggers an inline checkpoint regardless of the interval.
	DefaultJournalSoftCap = 1 << 30
)

// Options holds the optional parameters for Open and Create, including all
// tuning knobs the store exposes. Options are not mutable after the store
// has been opened.
type Options struct {
	// BlockSize is the size of a block in bytes. It is fixed at store
	// creation and must match on every subsequent open.
	//
	// The default value is 4096.
	BlockSize int

	// CacheSize bounds the version cache, in spans.
	//
	// The default value is 512.
	CacheSize int

	// CheckpointInterval is the commit period of automatic inline
	// checkpoints: a commit whose tid is a multiple of the interval
	// checkpoints before returning.
	//
	// The default value is 256.
	CheckpointInterval int

	// JournalSoftCap is a journal length in bytes beyond which a commit
	// triggers an inline checkpoint regardless of CheckpointInterval.
	//
	// The default value is 1 GiB.
	JournalSoftCap int64

	// DisableAutomaticCheckpoints turns off the inline checkpoints
	// triggered by CheckpointInterval and JournalSoftCap, as well as the
	// opportunistic checkpoint on open. Checkpoint must then be called
	// explicitly. Intended for tests.
	DisableAutomaticCheckpoints bool

	// ReadOnly opens the store in read-only mode: no journal lock is
	// taken and every mutating operation returns ErrReadOnly.
	ReadOnly bool

	// FS provides the filesystem primitives. Defaults to vfs.Default.
	FS vfs.FS

	// Logger is used for recovery, checkpoint, and truncation messages.
	// Defaults to base.DefaultLogger.
	Logger base.Logger

	// EventListener receives notifications of significant store events.
	EventListener EventListener

	// MetricsRegistry, if set, registers the store's Prometheus
	// collectors with the given registry.
	MetricsRegistry *prometheus.Registry
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified, returning the receiver for
// convenience.
func (o *Options) EnsureDefaults() *Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.JournalSoftCap <= 0 {
		o.JournalSoftCap = DefaultJournalSoftCap
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	o.EventListener.EnsureDefaults()
	return o
}
