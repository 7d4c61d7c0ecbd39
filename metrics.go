// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the store's Prometheus collectors. When
// Options.MetricsRegistry is nil the collectors still count but are not
// registered anywhere.
type Metrics struct {
	Commits             prometheus.Counter
	Rollbacks           prometheus.Counter
	Checkpoints         prometheus.Counter
	CheckpointErrors    prometheus.Counter
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	JournalAppendBytes  prometheus.Counter
	TornFramesTruncated prometheus.Counter
	BlocksAllocated     prometheus.Counter
	BlocksFreed         prometheus.Counter
	BlockReads          prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	var r prometheus.Registerer
	if reg != nil {
		r = reg
	}
	f := promauto.With(r)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	return &Metrics{
		Commits:             counter("blockstore_commits_total", "Committed write transactions"),
		Rollbacks:           counter("blockstore_rollbacks_total", "Rolled-back write transactions"),
		Checkpoints:         counter("blockstore_checkpoints_total", "Completed checkpoints"),
		CheckpointErrors:    counter("blockstore_checkpoint_errors_total", "Checkpoints that failed and were aborted"),
		CacheHits:           counter("blockstore_cache_hits_total", "Version cache hits"),
		CacheMisses:         counter("blockstore_cache_misses_total", "Version cache misses"),
		JournalAppendBytes:  counter("blockstore_journal_append_bytes_total", "Bytes appended to the journal"),
		TornFramesTruncated: counter("blockstore_torn_frames_truncated_total", "Torn journal tails discarded during recovery"),
		BlocksAllocated:     counter("blockstore_blocks_allocated_total", "Blocks allocated"),
		BlocksFreed:         counter("blockstore_blocks_freed_total", "Blocks freed"),
		BlockReads:          counter("blockstore_block_reads_total", "GetBlock calls served"),
	}
}
