// Copyright 2024 The vaultfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/internal/meta"
)

// Control command set. Setting one of these attribute names on the control
// inode triggers the command; its value encodes the arguments. Reading the
// query attributes returns status.
const (
	CtrlFlushCache = "s3ql_flushcache!"
	CtrlCopy       = "copy"
	CtrlLock       = "lock"
	CtrlRmTree     = "rmtree"
	CtrlStacktrace = "stacktrace"
	CtrlStat       = "s3qlstat"
	CtrlErrors     = "s3ql_errors?"
	CtrlPid        = "s3ql_pid?"
)

// EncodeTreeOp packs the (inode, inode) argument pair used by the copy
// command. Exposed for the CLI front-ends.
func EncodeTreeOp(a, b int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(a))
	binary.BigEndian.PutUint64(buf[8:], uint64(b))
	return buf
}

// EncodeNameOp packs the (parent inode, name) argument pair used by the
// rmtree command.
func EncodeNameOp(parent int64, name string) []byte {
	buf := make([]byte, 8, 8+len(name))
	binary.BigEndian.PutUint64(buf, uint64(parent))
	return append(buf, name...)
}

func decodeTreeOp(value []byte) (int64, int64, error) {
	if len(value) != 16 {
		return 0, 0, syscall.EINVAL
	}
	return int64(binary.BigEndian.Uint64(value[:8])),
		int64(binary.BigEndian.Uint64(value[8:])), nil
}

func decodeNameOp(value []byte) (int64, string, error) {
	if len(value) < 9 {
		return 0, "", syscall.EINVAL
	}
	return int64(binary.BigEndian.Uint64(value[:8])), string(value[8:]), nil
}

func (fs *fileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var value []byte
	if int64(op.Inode) == meta.CtrlInode {
		switch op.Name {
		case CtrlErrors:
			if fs.damaged.Load() {
				value = []byte("errors encountered")
			} else {
				value = []byte("no errors")
			}
		case CtrlPid:
			value = []byte(fmt.Sprintf("%d", os.Getpid()))
		case CtrlStat:
			var err error
			value, err = fs.extStat(ctx)
			if err != nil {
				return fs.errno(err)
			}
		default:
			return syscall.EINVAL
		}
	} else {
		err := fs.db.Read(ctx, func(tx *meta.Tx) error {
			var err error
			value, err = meta.GetXattr(tx, int64(op.Inode), []byte(op.Name))
			return err
		})
		if meta.IsNoRow(err) {
			return syscall.ENODATA
		}
		if err != nil {
			return fs.errno(err)
		}
	}

	op.BytesRead = len(value)
	if len(op.Dst) == 0 {
		return nil // size query
	}
	if len(value) > len(op.Dst) {
		return syscall.ERANGE
	}
	copy(op.Dst, value)
	return nil
}

func (fs *fileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if int64(op.Inode) == meta.CtrlInode {
		return syscall.EINVAL
	}

	var names [][]byte
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		var err error
		names, err = meta.ListXattr(tx, int64(op.Inode))
		return err
	})
	if err != nil {
		return fs.errno(err)
	}

	var total int
	for _, n := range names {
		total += len(n) + 1
	}
	op.BytesRead = total
	if len(op.Dst) == 0 {
		return nil
	}
	if total > len(op.Dst) {
		return syscall.ERANGE
	}
	pos := 0
	for _, n := range names {
		copy(op.Dst[pos:], n)
		pos += len(n)
		op.Dst[pos] = 0
		pos++
	}
	return nil
}

func (fs *fileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if int64(op.Inode) == meta.CtrlInode {
		return fs.errno(fs.control(ctx, op.Name, op.Value))
	}

	err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, int64(op.Inode))
		if err != nil {
			return err
		}
		if in.Locked {
			return syscall.EPERM
		}
		if err := meta.SetXattr(tx, in.ID, []byte(op.Name), op.Value); err != nil {
			return err
		}
		in.Ctime = fs.now()
		fs.inodes.MarkDirty(in.ID)
		return nil
	})
	return fs.errno(err)
}

func (fs *fileSystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if int64(op.Inode) == meta.CtrlInode {
		return syscall.EINVAL
	}

	err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, int64(op.Inode))
		if err != nil {
			return err
		}
		if in.Locked {
			return syscall.EPERM
		}
		if err := meta.RemoveXattr(tx, in.ID, []byte(op.Name)); err != nil {
			return err
		}
		in.Ctime = fs.now()
		fs.inodes.MarkDirty(in.ID)
		return nil
	})
	if meta.IsNoRow(err) {
		return syscall.ENODATA
	}
	return fs.errno(err)
}

// control dispatches a command written to the control inode.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) control(ctx context.Context, name string, value []byte) error {
	switch name {
	case CtrlFlushCache:
		fs.mu.Unlock()
		err := fs.cache.Clear(ctx)
		fs.mu.Lock()
		return err

	case CtrlCopy:
		src, dst, err := decodeTreeOp(value)
		if err != nil {
			return err
		}
		return fs.copyTree(ctx, src, dst)

	case CtrlLock:
		if len(value) != 8 {
			return syscall.EINVAL
		}
		return fs.lockTree(ctx, int64(binary.BigEndian.Uint64(value)))

	case CtrlRmTree:
		parent, entry, err := decodeNameOp(value)
		if err != nil {
			return err
		}
		return fs.removeTree(ctx, parent, entry)

	case CtrlStacktrace:
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		logger.Errorf("Dumping all goroutine stacks:\n%s", buf[:n])
		return nil

	default:
		return syscall.EINVAL
	}
}

// extStat packs the extended statistics: entries, blocks, inodes, fs_size,
// dedup_size, compressed_size, db_size as 7 unsigned 64-bit integers.
func (fs *fileSystem) extStat(ctx context.Context) ([]byte, error) {
	var st *meta.Stats
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		var err error
		st, err = meta.GetStats(tx, fs.db.Path())
		return err
	})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 56)
	for i, v := range []int64{st.Entries, st.Objects, st.Inodes,
		st.FsSize, st.DedupSize, st.CompressedSize, st.DBSize} {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf, nil
}

// DecodeExtStat unpacks the payload produced by the stat control
// attribute. Exposed for the statfs CLI front-end.
func DecodeExtStat(buf []byte) (entries, objects, inodes, fsSize, dedupSize, comprSize, dbSize int64, err error) {
	if len(buf) != 56 {
		err = fmt.Errorf("malformed statistics record: %d bytes", len(buf))
		return
	}
	vals := make([]int64, 7)
	for i := range vals {
		vals[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6], nil
}
