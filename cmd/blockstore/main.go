// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Command blockstore inspects and exercises block store directories.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cobra.EnableCommandSorting = false

	root := &cobra.Command{
		Use:   "blockstore",
		Short: "block store introspection and benchmarking tool",
	}
	root.AddCommand(
		infoCmd(),
		dumpJournalCmd(),
		checkpointCmd(),
		benchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
