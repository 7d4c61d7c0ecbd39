// Copyright 2023 The Blockstore Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package blockstore

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/blockstore/vfs"
)

// TestDataDriven runs the op scripts in testdata. The language:
//
//	create                 initialize and open a fresh store
//	begin-write            -> tid=N
//	alloc                  -> block=N (within the open write)
//	update <block> <hex>   fill the block with the byte
//	free <block>
//	commit | rollback
//	begin-read             -> tid=N
//	end-read <tid>
//	get <block> <tid>      -> val=<hex> | err: <kind>
//	checkpoint             -> first=N
//	state                  -> first=N last=N
func TestDataDriven(t *testing.T) {
	var s *Store
	var wtid TID
	defer func() {
		if s != nil {
			_ = s.Close()
		}
	}()

	arg := func(d *datadriven.TestData, i int) uint64 {
		n, err := strconv.ParseUint(d.CmdArgs[i].Key, 10, 64)
		if err != nil {
			d.Fatalf(t, "argument %d: %v", i, err)
		}
		return n
	}
	errKind := func(err error) string {
		switch {
		case errors.Is(err, ErrNotFound):
			return "err: not found"
		case errors.Is(err, ErrInvalid):
			return "err: invalid"
		case errors.Is(err, ErrWriteConflict):
			return "err: write conflict"
		default:
			return fmt.Sprintf("err: %v", err)
		}
	}

	datadriven.RunTest(t, "testdata/ops", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "create":
			fs := vfs.NewMem()
			opts := testOptions(fs)
			if err := Create("db", opts); err != nil {
				return errKind(err)
			}
			var err error
			if s, err = Open("db", opts); err != nil {
				return errKind(err)
			}
			return "ok"

		case "begin-write":
			tid, err := s.BeginWrite(context.Background())
			if err != nil {
				return errKind(err)
			}
			wtid = tid
			return fmt.Sprintf("tid=%d", tid)

		case "alloc":
			id, _, err := s.AllocBlock(wtid)
			if err != nil {
				return errKind(err)
			}
			return fmt.Sprintf("block=%d", id)

		case "update":
			b, err := strconv.ParseUint(d.CmdArgs[1].Key, 16, 8)
			if err != nil {
				d.Fatalf(t, "%v", err)
			}
			if err := s.UpdateBlock(BlockID(arg(d, 0)), wtid, fill(DefaultBlockSize, byte(b))); err != nil {
				return errKind(err)
			}
			return "ok"

		case "free":
			if err := s.FreeBlock(BlockID(arg(d, 0)), wtid); err != nil {
				return errKind(err)
			}
			return "ok"

		case "commit":
			if err := s.CommitWrite(wtid); err != nil {
				return errKind(err)
			}
			return "ok"

		case "rollback":
			s.RollbackWrite(wtid)
			return "ok"

		case "begin-read":
			tid, err := s.BeginRead()
			if err != nil {
				return errKind(err)
			}
			return fmt.Sprintf("tid=%d", tid)

		case "end-read":
			if err := s.EndRead(TID(arg(d, 0))); err != nil {
				return errKind(err)
			}
			return "ok"

		case "get":
			img, err := s.GetBlock(BlockID(arg(d, 0)), TID(arg(d, 1)))
			if err != nil {
				return errKind(err)
			}
			b := img[0]
			for _, c := range img {
				if c != b {
					return "val=mixed"
				}
			}
			return fmt.Sprintf("val=%02x", b)

		case "checkpoint":
			if err := s.Checkpoint(context.Background()); err != nil {
				return errKind(err)
			}
			return fmt.Sprintf("first=%d", s.FirstTransaction())

		case "state":
			return fmt.Sprintf("first=%d last=%d", s.FirstTransaction(), s.LastTransaction())

		default:
			d.Fatalf(t, "unknown command %q", d.Cmd)
			return ""
		}
	})
}
