// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/cockroachdb/blockstore"
)

func benchCmd() *cobra.Command {
	var (
		duration   time.Duration
		numBlocks  int
		numReaders int
		batch      int
		seed       uint64
	)
	cmd := &cobra.Command{
		Use:   "bench <store>",
		Short: "run a random update/read workload and report latencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if err := blockstore.Create(path, nil); err != nil {
				return err
			}
			s, err := blockstore.Open(path, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			// Seed the store with the working set of blocks.
			ctx := context.Background()
			tid, err := s.BeginWrite(ctx)
			if err != nil {
				return err
			}
			ids := make([]blockstore.BlockID, numBlocks)
			for i := range ids {
				if ids[i], _, err = s.AllocBlock(tid); err != nil {
					return err
				}
			}
			if err := s.CommitWrite(tid); err != nil {
				return err
			}

			var mu sync.Mutex
			writeHist := hdrhistogram.New(1, int64(10*time.Second), 3)
			readHist := hdrhistogram.New(1, int64(10*time.Second), 3)
			record := func(h *hdrhistogram.Histogram, d time.Duration) {
				mu.Lock()
				_ = h.RecordValue(int64(d))
				mu.Unlock()
			}

			runCtx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()
			var g errgroup.Group

			g.Go(func() error {
				rng := rand.New(rand.NewSource(seed))
				img := make([]byte, blockstore.DefaultBlockSize)
				for runCtx.Err() == nil {
					start := time.Now()
					tid, err := s.BeginWrite(ctx)
					if err != nil {
						return err
					}
					for i := 0; i < batch; i++ {
						rng.Read(img[:64])
						if err := s.UpdateBlock(ids[rng.Intn(len(ids))], tid, img); err != nil {
							s.RollbackWrite(tid)
							return err
						}
					}
					if err := s.CommitWrite(tid); err != nil {
						return err
					}
					record(writeHist, time.Since(start))
				}
				return nil
			})

			for r := 0; r < numReaders; r++ {
				r := r
				g.Go(func() error {
					rng := rand.New(rand.NewSource(seed + 1 + uint64(r)))
					for runCtx.Err() == nil {
						start := time.Now()
						tid, err := s.BeginRead()
						if err != nil {
							return err
						}
						if _, err := s.GetBlock(ids[rng.Intn(len(ids))], tid); err != nil {
							return err
						}
						if err := s.EndRead(tid); err != nil {
							return err
						}
						record(readHist, time.Since(start))
					}
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				return err
			}

			report := func(name string, h *hdrhistogram.Histogram) {
				fmt.Printf("%-7s ops=%8d  p50=%8s  p95=%8s  p99=%8s  max=%8s\n",
					name, h.TotalCount(),
					time.Duration(h.ValueAtQuantile(50)),
					time.Duration(h.ValueAtQuantile(95)),
					time.Duration(h.ValueAtQuantile(99)),
					time.Duration(h.Max()))
			}
			report("write", writeHist)
			report("read", readHist)
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "benchmark duration")
	cmd.Flags().IntVar(&numBlocks, "blocks", 1024, "working set size in blocks")
	cmd.Flags().IntVar(&numReaders, "readers", 4, "concurrent reader goroutines")
	cmd.Flags().IntVar(&batch, "batch", 8, "block updates per write transaction")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "workload random seed")
	return cmd
}
