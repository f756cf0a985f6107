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

// Package fs translates file system requests into block cache and
// metadata transactions.
//
// LOCK ORDERING
//
// There is one process-wide file system lock FS and one per-(inode,
// blockno) lock per cache entry. Handlers enter holding FS. Any operation
// that performs backend I/O acquires the per-key lock first and then
// releases FS for the duration of the transfer, re-acquiring it before
// touching the metadata store or the inode cache again. We therefore never
// wait for a per-key lock while holding a database transaction.
package fs

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/vaultfs/vaultfs/internal/blockcache"
	"github.com/vaultfs/vaultfs/internal/inodecache"
	"github.com/vaultfs/vaultfs/internal/locker"
	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/storage"
)

// treeChunkSize bounds how many entries a tree operation processes before
// yielding the global lock so that other handlers progress.
const treeChunkSize = 500

type ServerConfig struct {
	// A clock used for modification times.
	Clock timeutil.Clock

	// The codec-wrapped backend holding the file system's objects.
	Backend storage.Backend

	// The local metadata database.
	DB *meta.DB

	// Directory for block cache files.
	CacheDir string

	// Block size (the unit of deduplication) and cache bounds.
	BlockSize int64
	CacheSize int64

	// CacheEntries bounds the entry count; 0 means the default.
	CacheEntries int

	// The user and group owning new inodes.
	Uid uint32
	Gid uint32

	// Recover re-registers leftover cache files from an unclean shutdown.
	Recover bool
}

// Server is the mounted file system core. The fuse server produced by
// NewServer drives it; Destroy must be called after unmount.
type Server struct {
	fs *fileSystem
}

// NewServer creates the file system core and its fuse server.
func NewServer(cfg *ServerConfig) (srv *Server, server fuse.Server, err error) {
	fs := &fileSystem{
		clock:      cfg.Clock,
		db:         cfg.DB,
		blockSize:  cfg.BlockSize,
		uid:        cfg.Uid,
		gid:        cfg.Gid,
		inodes:     inodecache.New(0),
		openInodes: make(map[int64]int64),
	}
	fs.mu = locker.New("FS", func() {})

	fs.cache = blockcache.New(blockcache.Config{
		Backend:    cfg.Backend,
		DB:         cfg.DB,
		Dir:        cfg.CacheDir,
		MaxSize:    cfg.CacheSize,
		MaxEntries: cfg.CacheEntries,
		GlobalLock: fs.mu,
		Damaged:    &fs.damaged,
	})

	if cfg.Recover {
		if err := fs.cache.Recover(context.Background()); err != nil {
			return nil, nil, err
		}
	}
	fs.cache.StartExpiration()

	return &Server{fs: fs}, fuseutil.NewFileSystemServer(fs), nil
}

// Damaged reports whether any handler observed an invariant break or an
// unrecoverable I/O error. Cleared only by fsck.
func (s *Server) Damaged() bool { return s.fs.damaged.Load() }

// Destroy flushes all dirty state and stops background work. Called after
// the kernel connection is closed.
func (s *Server) Destroy(ctx context.Context) error {
	fs := s.fs
	fs.cache.StopExpiration()
	if err := fs.cache.Clear(ctx); err != nil {
		return err
	}
	return fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		return fs.inodes.Clear(tx)
	})
}

////////////////////////////////////////////////////////////////////////
// fileSystem type
////////////////////////////////////////////////////////////////////////

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock  timeutil.Clock
	db     *meta.DB
	inodes *inodecache.Cache
	cache  *blockcache.Cache

	/////////////////////////
	// Constant data
	/////////////////////////

	blockSize int64

	// The user and group owning new inodes.
	uid uint32
	gid uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The global file system lock. See the package comment for ordering.
	mu locker.Locker

	// Set once a handler observes an invariant break or unrecoverable I/O
	// error; surfaced through the errors control attribute.
	damaged atomic.Bool

	// Open handle count per inode. A removed inode whose count is non-zero
	// is destroyed on the last release instead.
	//
	// GUARDED_BY(mu)
	openInodes map[int64]int64
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// errno maps internal errors onto the errnos handed to the kernel.
// Unexpected errors mark the file system damaged.
func (fs *fileSystem) errno(err error) error {
	if err == nil {
		return nil
	}
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	if meta.IsNoRow(err) {
		return syscall.ENOENT
	}
	if errors.Is(err, meta.ErrOutOfInodes) {
		return syscall.ENOSPC
	}

	var corrupted *storage.CorruptedObjectError
	var checksum *storage.ChecksumError
	if errors.As(err, &corrupted) || errors.As(err, &checksum) || storage.IsNoSuchObject(err) {
		logger.Errorf("Backend data error: %v", err)
		fs.damaged.Store(true)
		return syscall.EIO
	}

	logger.Errorf("Unexpected internal error, file system may be damaged, run fsck: %v", err)
	fs.damaged.Store(true)
	return syscall.EIO
}

func (fs *fileSystem) now() int64 {
	return fs.clock.Now().UnixNano()
}

// attrs converts an inode row into fuse attributes.
func attrs(in *meta.Inode) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(in.Size),
		Nlink: uint32(in.Refcount),
		Mode:  fromSysMode(in.Mode),
		Atime: time.Unix(0, in.Atime),
		Mtime: time.Unix(0, in.Mtime),
		Ctime: time.Unix(0, in.Ctime),
		Uid:   in.UID,
		Gid:   in.GID,
	}
}

// toSysMode converts an os.FileMode into the syscall encoding stored in
// the mode column.
func toSysMode(m os.FileMode) uint32 {
	out := uint32(m.Perm())
	switch {
	case m&os.ModeDir != 0:
		out |= 0040000
	case m&os.ModeSymlink != 0:
		out |= 0120000
	case m&os.ModeNamedPipe != 0:
		out |= 0010000
	case m&os.ModeSocket != 0:
		out |= 0140000
	case m&os.ModeCharDevice != 0:
		out |= 0020000
	case m&os.ModeDevice != 0:
		out |= 0060000
	default:
		out |= 0100000
	}
	if m&os.ModeSetuid != 0 {
		out |= 04000
	}
	if m&os.ModeSetgid != 0 {
		out |= 02000
	}
	if m&os.ModeSticky != 0 {
		out |= 01000
	}
	return out
}

func fromSysMode(m uint32) os.FileMode {
	out := os.FileMode(m & 0777)
	switch m & 0170000 {
	case 0040000:
		out |= os.ModeDir
	case 0120000:
		out |= os.ModeSymlink
	case 0010000:
		out |= os.ModeNamedPipe
	case 0140000:
		out |= os.ModeSocket
	case 0020000:
		out |= os.ModeDevice | os.ModeCharDevice
	case 0060000:
		out |= os.ModeDevice
	}
	if m&04000 != 0 {
		out |= os.ModeSetuid
	}
	if m&02000 != 0 {
		out |= os.ModeSetgid
	}
	if m&01000 != 0 {
		out |= os.ModeSticky
	}
	return out
}

// yieldLock briefly releases the global lock so that other handlers make
// progress during long tree operations.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) yieldLock() {
	fs.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	fs.mu.Lock()
}

////////////////////////////////////////////////////////////////////////
// Attribute ops
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var st *meta.Stats
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		var err error
		st, err = meta.GetStats(tx, fs.db.Path())
		return err
	})
	if err != nil {
		return fs.errno(err)
	}

	// The backend is effectively unlimited; report a half-full store so
	// that df shows usage without a hard ceiling.
	bsize := fs.blockSize
	if st.Objects > 0 {
		bsize = st.DedupSize / st.Objects
	}
	if bsize <= 0 {
		bsize = fs.blockSize
	}
	totalBlocks := 2 * st.Objects
	if min := 50 * (1 << 30) / bsize; totalBlocks < min {
		totalBlocks = min
	}
	totalInodes := 2 * st.Inodes
	if totalInodes < 50000 {
		totalInodes = 50000
	}

	op.BlockSize = uint32(bsize)
	op.IoSize = uint32(fs.blockSize)
	op.Blocks = uint64(totalBlocks)
	op.BlocksFree = uint64(totalBlocks - st.Objects)
	op.BlocksAvailable = uint64(totalBlocks - st.Objects)
	op.Inodes = uint64(totalInodes)
	op.InodesFree = uint64(totalInodes - st.Inodes)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, int64(op.Inode))
		if err != nil {
			return err
		}
		op.Attributes = attrs(in)
		return nil
	})
	return fs.errno(err)
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := int64(op.Inode)
	now := fs.now()

	var truncateTo int64 = -1
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		if in.Locked {
			return syscall.EPERM
		}
		if op.Size != nil && int64(*op.Size) != in.Size {
			truncateTo = int64(*op.Size)
		}
		return nil
	})
	if err != nil {
		return fs.errno(err)
	}

	if truncateTo >= 0 {
		if err := fs.truncate(ctx, id, truncateTo); err != nil {
			return fs.errno(err)
		}
	}

	err = fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		if op.Mode != nil {
			in.Mode = toSysMode(*op.Mode)
		}
		if op.Atime != nil {
			in.Atime = op.Atime.UnixNano()
		}
		if op.Mtime != nil {
			in.Mtime = op.Mtime.UnixNano()
		}
		in.Ctime = now
		fs.inodes.MarkDirty(id)
		op.Attributes = attrs(in)
		return nil
	})
	return fs.errno(err)
}

// truncate adjusts the file to the new size, deleting blocks past the end
// and trimming the final partial block.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) truncate(ctx context.Context, id int64, newSize int64) error {
	var oldSize int64
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		oldSize = in.Size
		return nil
	})
	if err != nil {
		return err
	}

	lastBlock := int64(0)
	if newSize > 0 {
		lastBlock = (newSize - 1) / fs.blockSize
	}

	if newSize < oldSize {
		// Drop fully truncated blocks. Remove performs backend I/O, so the
		// global lock is released around it.
		from := lastBlock + 1
		if newSize == 0 {
			from = 0
		}
		fs.mu.Unlock()
		rerr := fs.cache.Remove(ctx, id, from)
		fs.mu.Lock()
		if rerr != nil {
			return rerr
		}

		if newSize > 0 && newSize%fs.blockSize != 0 {
			err = fs.cache.With(ctx, id, lastBlock, func(e *blockcache.Entry) error {
				return e.Truncate(newSize - lastBlock*fs.blockSize)
			})
			if err != nil {
				return err
			}
		}
	}

	// Growing the file extends the size only; blocks appear lazily when
	// the new region is first written.
	return fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		in.Size = newSize
		now := fs.now()
		in.Mtime = now
		in.Ctime = now
		fs.inodes.MarkDirty(id)
		return nil
	})
}

func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	// Inode lifetimes are governed by link count and open handles; kernel
	// lookup counts need no bookkeeping here.
	return nil
}

func (fs *fileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return nil
}
