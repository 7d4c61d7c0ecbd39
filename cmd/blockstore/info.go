// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cockroachdb/blockstore"
	"github.com/cockroachdb/blockstore/journal"
	"github.com/cockroachdb/blockstore/vfs"
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <store>",
		Short: "print store header and journal summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			s, err := blockstore.Open(path, &blockstore.Options{ReadOnly: true})
			if err != nil {
				return err
			}
			defer s.Close()

			frames := 0
			fs := vfs.Default
			dir, err := fs.OpenDir(fs.PathDir(path))
			if err != nil {
				return err
			}
			defer dir.Close()
			j, err := journal.Open(fs, dir, path+".journal", true, blockstore.DefaultBlockSize)
			if err != nil {
				return err
			}
			defer j.Close()
			if _, err := j.Scan(0, func(journal.Frame) error {
				frames++
				return nil
			}); err != nil {
				return err
			}

			tw := tablewriter.NewWriter(os.Stdout)
			tw.SetHeader([]string{"field", "value"})
			tw.Append([]string{"first transaction", fmt.Sprint(s.FirstTransaction())})
			tw.Append([]string{"last transaction", fmt.Sprint(s.LastTransaction())})
			tw.Append([]string{"journal bytes", fmt.Sprint(s.JournalSize())})
			tw.Append([]string{"journal frames", fmt.Sprint(frames)})
			tw.Render()
			return nil
		},
	}
}

func dumpJournalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-journal <store>",
		Short: "list the journal's frames and records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			fs := vfs.Default
			dir, err := fs.OpenDir(fs.PathDir(path))
			if err != nil {
				return err
			}
			defer dir.Close()
			j, err := journal.Open(fs, dir, path+".journal", true, blockstore.DefaultBlockSize)
			if err != nil {
				return err
			}
			defer j.Close()

			valid, err := j.Scan(0, func(f journal.Frame) error {
				fmt.Printf("frame tid=%d offset=%d bytes=%d\n", f.TID, f.Offset, len(f.Records))
				return j.DecodeRecords(f, func(r journal.Record) error {
					switch r.Kind {
					case journal.KindAlloc:
						fmt.Printf("  alloc block=%d\n", r.BlockID)
					case journal.KindFree:
						fmt.Printf("  free  block=%d\n", r.BlockID)
					case journal.KindDiff:
						fmt.Printf("  diff  block=%d delta=%dB\n", r.BlockID, len(r.Delta))
					}
					return nil
				})
			})
			if err != nil {
				return err
			}
			if tail := j.Size() - valid; tail > 0 {
				fmt.Printf("torn tail: %d bytes\n", tail)
			}
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "checkpoint <store>",
		Short: "force a checkpoint, folding the journal into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := blockstore.Open(args[0], &blockstore.Options{DisableAutomaticCheckpoints: true})
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := s.Checkpoint(ctx); err != nil {
				return err
			}
			fmt.Printf("checkpointed through tid %d; journal is %d bytes\n",
				s.FirstTransaction(), s.JournalSize())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "deadline for acquiring the write slot")
	return cmd
}
