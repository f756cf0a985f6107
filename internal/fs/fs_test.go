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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/storage/mem"
)

const testBlockSize = 500

type harness struct {
	t       *testing.T
	fs      *fileSystem
	srv     *Server
	backend *mem.Backend
	db      *meta.DB
	ctx     context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := meta.Open(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, meta.CreateTables(ctx, db))
	require.NoError(t, meta.InitTables(ctx, db))

	backend := mem.New()
	srv, _, err := NewServer(&ServerConfig{
		Clock:     timeutil.RealClock(),
		Backend:   backend,
		DB:        db,
		CacheDir:  t.TempDir(),
		BlockSize: testBlockSize,
		CacheSize: 1 << 20,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.fs.cache.StopExpiration()
		db.Close()
	})
	return &harness{t: t, fs: srv.fs, srv: srv, backend: backend, db: db, ctx: ctx}
}

func (h *harness) create(parent int64, name string) int64 {
	h.t.Helper()
	op := &fuseops.CreateFileOp{
		Parent: fuseops.InodeID(parent),
		Name:   name,
		Mode:   0644,
	}
	require.NoError(h.t, h.fs.CreateFile(h.ctx, op))
	return int64(op.Entry.Child)
}

func (h *harness) mkdir(parent int64, name string) int64 {
	h.t.Helper()
	op := &fuseops.MkDirOp{
		Parent: fuseops.InodeID(parent),
		Name:   name,
		Mode:   0755 | os.ModeDir,
	}
	require.NoError(h.t, h.fs.MkDir(h.ctx, op))
	return int64(op.Entry.Child)
}

func (h *harness) write(inode int64, offset int64, data []byte) {
	h.t.Helper()
	require.NoError(h.t, h.fs.WriteFile(h.ctx, &fuseops.WriteFileOp{
		Inode:  fuseops.InodeID(inode),
		Offset: offset,
		Data:   data,
	}))
}

func (h *harness) read(inode int64, offset int64, n int) []byte {
	h.t.Helper()
	op := &fuseops.ReadFileOp{
		Inode:  fuseops.InodeID(inode),
		Offset: offset,
		Dst:    make([]byte, n),
	}
	require.NoError(h.t, h.fs.ReadFile(h.ctx, op))
	return op.Dst[:op.BytesRead]
}

func (h *harness) fsync(inode int64) {
	h.t.Helper()
	require.NoError(h.t, h.fs.SyncFile(h.ctx, &fuseops.SyncFileOp{
		Inode: fuseops.InodeID(inode),
	}))
}

func (h *harness) release(inode int64) {
	h.t.Helper()
	require.NoError(h.t, h.fs.ReleaseFileHandle(h.ctx, &fuseops.ReleaseFileHandleOp{
		Handle: fuseops.HandleID(inode),
	}))
}

func (h *harness) lookup(parent int64, name string) (int64, error) {
	op := &fuseops.LookUpInodeOp{
		Parent: fuseops.InodeID(parent),
		Name:   name,
	}
	err := h.fs.LookUpInode(h.ctx, op)
	return int64(op.Entry.Child), err
}

func (h *harness) attrs(inode int64) fuseops.InodeAttributes {
	h.t.Helper()
	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.InodeID(inode)}
	require.NoError(h.t, h.fs.GetInodeAttributes(h.ctx, op))
	return op.Attributes
}

func (h *harness) setCtrlXattr(name string, value []byte) error {
	return h.fs.SetXattr(h.ctx, &fuseops.SetXattrOp{
		Inode: fuseops.InodeID(meta.CtrlInode),
		Name:  name,
		Value: value,
	})
}

func (h *harness) checkInvariants() {
	h.t.Helper()
	// Attribute changes sit in the write-behind inode cache until flushed.
	require.NoError(h.t, h.db.Transaction(h.ctx, func(tx *meta.Tx) error {
		return h.fs.inodes.Flush(tx)
	}))
	require.NoError(h.t, h.db.Read(h.ctx, func(tx *meta.Tx) error {
		return meta.CheckInvariants(tx)
	}))
}

func (h *harness) countInodes() int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.db.Read(h.ctx, func(tx *meta.Tx) error {
		var err error
		n, err = tx.GetInt64("SELECT COUNT(*) FROM inodes")
		return err
	}))
	return n
}

////////////////////////////////////////////////////////////////////////
// Basic operations
////////////////////////////////////////////////////////////////////////

func TestCreateEmptyFile(t *testing.T) {
	h := newHarness(t)

	start := time.Now()
	inode := h.create(meta.RootInode, "a")
	h.release(inode)

	got, err := h.lookup(meta.RootInode, "a")
	require.NoError(t, err)
	assert.Equal(t, inode, got)

	attrs := h.attrs(inode)
	assert.Zero(t, attrs.Size)
	assert.WithinDuration(t, start, attrs.Mtime, 2*time.Second)

	// An empty file must not produce data objects.
	assert.Zero(t, h.backend.Len())
	h.checkInvariants()
}

func TestWriteReadRoundTrip(t *testing.T) {
	h := newHarness(t)
	inode := h.create(meta.RootInode, "a")

	data := make([]byte, 3*testBlockSize+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	h.write(inode, 0, data)
	assert.Equal(t, data, h.read(inode, 0, len(data)))

	// Survives a flush and a cache clear.
	h.fsync(inode)
	require.NoError(t, h.fs.cache.Clear(h.ctx))
	assert.Equal(t, data, h.read(inode, 0, len(data)))
	h.checkInvariants()
}

func TestBlockBoundary(t *testing.T) {
	h := newHarness(t)
	inode := h.create(meta.RootInode, "a")

	// One byte past the block boundary: exactly two block rows.
	h.write(inode, 0, bytes.Repeat([]byte{9}, testBlockSize+1))
	h.fsync(inode)

	h.db.Read(h.ctx, func(tx *meta.Tx) error {
		n, err := tx.GetInt64("SELECT COUNT(*) FROM inode_blocks WHERE inode=?", inode)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		return nil
	})
}

func TestSparseRead(t *testing.T) {
	h := newHarness(t)
	inode := h.create(meta.RootInode, "a")

	// Write only into the third block; earlier region reads as zeros.
	h.write(inode, 2*testBlockSize, []byte("data"))
	got := h.read(inode, 0, testBlockSize)
	assert.Equal(t, make([]byte, testBlockSize), got)
	got = h.read(inode, 2*testBlockSize, 4)
	assert.Equal(t, []byte("data"), got)
}

func TestDeduplicationEndToEnd(t *testing.T) {
	h := newHarness(t)

	// 2000 bytes across four 500-byte blocks, each block distinct.
	data := make([]byte, 2000)
	for i := range data {
		data[i] = byte(i / testBlockSize)
	}

	a := h.create(meta.RootInode, "a")
	h.write(a, 0, data)
	h.fsync(a)
	assert.Equal(t, 4, h.backend.Len())

	// The identical content in a second file adds no objects.
	b := h.create(meta.RootInode, "b")
	h.write(b, 0, data)
	h.fsync(b)
	assert.Equal(t, 4, h.backend.Len())

	h.db.Read(h.ctx, func(tx *meta.Tx) error {
		rows, err := tx.Query("SELECT refcount FROM blocks")
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			var refs int64
			require.NoError(t, rows.Scan(&refs))
			assert.Equal(t, int64(2), refs)
		}
		return nil
	})
	h.checkInvariants()

	// Removing one file leaves the shared objects alive.
	h.release(a)
	require.NoError(t, h.fs.Unlink(h.ctx, &fuseops.UnlinkOp{
		Parent: fuseops.InodeID(meta.RootInode), Name: "a",
	}))
	assert.Equal(t, 4, h.backend.Len())
	h.checkInvariants()
}

func TestTruncate(t *testing.T) {
	h := newHarness(t)
	inode := h.create(meta.RootInode, "a")

	h.write(inode, 0, bytes.Repeat([]byte{7}, 4*testBlockSize))
	h.fsync(inode)

	countBlocks := func() int64 {
		var n int64
		h.db.Read(h.ctx, func(tx *meta.Tx) error {
			var err error
			n, err = tx.GetInt64("SELECT COUNT(*) FROM inode_blocks WHERE inode=?", inode)
			require.NoError(t, err)
			return nil
		})
		return n
	}
	require.Equal(t, int64(4), countBlocks())

	setSize := func(size uint64) {
		op := &fuseops.SetInodeAttributesOp{Inode: fuseops.InodeID(inode), Size: &size}
		require.NoError(t, h.fs.SetInodeAttributes(h.ctx, op))
	}

	// Truncate down to an exact block boundary deletes the higher blocks.
	setSize(2 * testBlockSize)
	assert.Equal(t, int64(2), countBlocks())
	assert.Equal(t, uint64(2*testBlockSize), h.attrs(inode).Size)

	// Truncate up extends the size but creates no blocks.
	setSize(10 * testBlockSize)
	assert.Equal(t, int64(2), countBlocks())
	assert.Equal(t, uint64(10*testBlockSize), h.attrs(inode).Size)

	// The extended region reads as zeros.
	got := h.read(inode, 5*testBlockSize, 100)
	assert.Equal(t, make([]byte, 100), got)
	h.checkInvariants()
}

////////////////////////////////////////////////////////////////////////
// Directory operations
////////////////////////////////////////////////////////////////////////

func TestUnlinkRefusesDirectories(t *testing.T) {
	h := newHarness(t)
	h.mkdir(meta.RootInode, "d")

	err := h.fs.Unlink(h.ctx, &fuseops.UnlinkOp{
		Parent: fuseops.InodeID(meta.RootInode), Name: "d",
	})
	assert.ErrorIs(t, err, syscall.EISDIR)
}

func TestRmDirSemantics(t *testing.T) {
	h := newHarness(t)
	d := h.mkdir(meta.RootInode, "d")
	f := h.create(d, "f")
	h.release(f)

	err := h.fs.RmDir(h.ctx, &fuseops.RmDirOp{
		Parent: fuseops.InodeID(meta.RootInode), Name: "d",
	})
	assert.ErrorIs(t, err, syscall.ENOTEMPTY)

	fplain := h.create(meta.RootInode, "plain")
	h.release(fplain)
	err = h.fs.RmDir(h.ctx, &fuseops.RmDirOp{
		Parent: fuseops.InodeID(meta.RootInode), Name: "plain",
	})
	assert.ErrorIs(t, err, syscall.ENOTDIR)

	require.NoError(t, h.fs.Unlink(h.ctx, &fuseops.UnlinkOp{
		Parent: fuseops.InodeID(d), Name: "f",
	}))
	require.NoError(t, h.fs.RmDir(h.ctx, &fuseops.RmDirOp{
		Parent: fuseops.InodeID(meta.RootInode), Name: "d",
	}))
	_, err = h.lookup(meta.RootInode, "d")
	assert.ErrorIs(t, err, syscall.ENOENT)
	h.checkInvariants()
}

func TestHardLinkToDirectoryRefused(t *testing.T) {
	h := newHarness(t)
	d := h.mkdir(meta.RootInode, "d")

	err := h.fs.CreateLink(h.ctx, &fuseops.CreateLinkOp{
		Parent: fuseops.InodeID(meta.RootInode),
		Name:   "link",
		Target: fuseops.InodeID(d),
	})
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestHardLinkSharesInode(t *testing.T) {
	h := newHarness(t)
	f := h.create(meta.RootInode, "orig")
	h.write(f, 0, []byte("shared"))
	h.release(f)

	require.NoError(t, h.fs.CreateLink(h.ctx, &fuseops.CreateLinkOp{
		Parent: fuseops.InodeID(meta.RootInode),
		Name:   "alias",
		Target: fuseops.InodeID(f),
	}))

	got, err := h.lookup(meta.RootInode, "alias")
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.Equal(t, uint32(2), h.attrs(f).Nlink)

	// Removing one name keeps the data reachable through the other.
	require.NoError(t, h.fs.Unlink(h.ctx, &fuseops.UnlinkOp{
		Parent: fuseops.InodeID(meta.RootInode), Name: "orig",
	}))
	assert.Equal(t, []byte("shared"), h.read(f, 0, 6))
	h.checkInvariants()
}

func TestRename(t *testing.T) {
	h := newHarness(t)
	f := h.create(meta.RootInode, "old")
	h.write(f, 0, []byte("content"))
	h.release(f)
	d := h.mkdir(meta.RootInode, "sub")

	require.NoError(t, h.fs.Rename(h.ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(meta.RootInode), OldName: "old",
		NewParent: fuseops.InodeID(d), NewName: "new",
	}))

	_, err := h.lookup(meta.RootInode, "old")
	assert.ErrorIs(t, err, syscall.ENOENT)
	got, err := h.lookup(d, "new")
	require.NoError(t, err)
	assert.Equal(t, f, got)
	h.checkInvariants()
}

func TestRenameOverExistingFile(t *testing.T) {
	h := newHarness(t)
	src := h.create(meta.RootInode, "src")
	h.write(src, 0, []byte("fresh"))
	h.release(src)
	dst := h.create(meta.RootInode, "dst")
	h.write(dst, 0, []byte("stale"))
	h.fsync(dst)
	h.release(dst)

	objsBefore := h.backend.Len()
	require.Greater(t, objsBefore, 0)

	require.NoError(t, h.fs.Rename(h.ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(meta.RootInode), OldName: "src",
		NewParent: fuseops.InodeID(meta.RootInode), NewName: "dst",
	}))

	got, err := h.lookup(meta.RootInode, "dst")
	require.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Equal(t, []byte("fresh"), h.read(src, 0, 5))

	// The clobbered file's object became unreferenced and was deleted.
	assert.Equal(t, 0, h.backend.Len())
	h.checkInvariants()
}

func TestRenameOverNonEmptyDirectoryFails(t *testing.T) {
	h := newHarness(t)
	h.mkdir(meta.RootInode, "srcdir")
	d := h.mkdir(meta.RootInode, "dstdir")
	f := h.create(d, "occupant")
	h.release(f)

	err := h.fs.Rename(h.ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(meta.RootInode), OldName: "srcdir",
		NewParent: fuseops.InodeID(meta.RootInode), NewName: "dstdir",
	})
	assert.ErrorIs(t, err, syscall.ENOTEMPTY)
}

func TestUnlinkedButOpenFileSurvivesUntilRelease(t *testing.T) {
	h := newHarness(t)
	f := h.create(meta.RootInode, "a")
	h.write(f, 0, []byte("still here"))
	h.fsync(f)
	require.Equal(t, 1, h.backend.Len())

	require.NoError(t, h.fs.Unlink(h.ctx, &fuseops.UnlinkOp{
		Parent: fuseops.InodeID(meta.RootInode), Name: "a",
	}))

	// The handle is still open: data stays readable, object stays put.
	assert.Equal(t, []byte("still here"), h.read(f, 0, 10))
	assert.Equal(t, 1, h.backend.Len())

	h.release(f)
	assert.Equal(t, 0, h.backend.Len())
	h.db.Read(h.ctx, func(tx *meta.Tx) error {
		_, err := meta.GetInode(tx, f)
		assert.True(t, meta.IsNoRow(err))
		return nil
	})
	h.checkInvariants()
}

func TestSymlink(t *testing.T) {
	h := newHarness(t)

	op := &fuseops.CreateSymlinkOp{
		Parent: fuseops.InodeID(meta.RootInode),
		Name:   "ln",
		Target: "/somewhere/else",
	}
	require.NoError(t, h.fs.CreateSymlink(h.ctx, op))

	rop := &fuseops.ReadSymlinkOp{Inode: op.Entry.Child}
	require.NoError(t, h.fs.ReadSymlink(h.ctx, rop))
	assert.Equal(t, "/somewhere/else", rop.Target)
}

////////////////////////////////////////////////////////////////////////
// Control inode and tree operations
////////////////////////////////////////////////////////////////////////

func TestControlLookup(t *testing.T) {
	h := newHarness(t)
	id, err := h.lookup(meta.RootInode, meta.CtrlName)
	require.NoError(t, err)
	assert.Equal(t, int64(meta.CtrlInode), id)
}

func TestControlErrorsAttribute(t *testing.T) {
	h := newHarness(t)

	op := &fuseops.GetXattrOp{
		Inode: fuseops.InodeID(meta.CtrlInode),
		Name:  CtrlErrors,
		Dst:   make([]byte, 64),
	}
	require.NoError(t, h.fs.GetXattr(h.ctx, op))
	assert.Equal(t, "no errors", string(op.Dst[:op.BytesRead]))

	h.fs.damaged.Store(true)
	require.NoError(t, h.fs.GetXattr(h.ctx, op))
	assert.Equal(t, "errors encountered", string(op.Dst[:op.BytesRead]))
}

func TestControlRejectsUnknownCommands(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.setCtrlXattr("user.whatever", []byte("x")), syscall.EINVAL)

	gop := &fuseops.GetXattrOp{
		Inode: fuseops.InodeID(meta.CtrlInode),
		Name:  "user.whatever",
		Dst:   make([]byte, 8),
	}
	assert.ErrorIs(t, h.fs.GetXattr(h.ctx, gop), syscall.EINVAL)
}

func TestExtendedStatistics(t *testing.T) {
	h := newHarness(t)
	f := h.create(meta.RootInode, "a")
	h.write(f, 0, bytes.Repeat([]byte{1}, 1234))
	h.fsync(f)

	op := &fuseops.GetXattrOp{
		Inode: fuseops.InodeID(meta.CtrlInode),
		Name:  CtrlStat,
		Dst:   make([]byte, 128),
	}
	require.NoError(t, h.fs.GetXattr(h.ctx, op))

	entries, objects, inodes, fsSize, _, _, _, err := DecodeExtStat(op.Dst[:op.BytesRead])
	require.NoError(t, err)
	assert.Equal(t, int64(2), entries) // lost+found and a
	// 1234 bytes = two full blocks of ones (identical, deduplicated) plus
	// one short tail block.
	assert.Equal(t, int64(2), objects)
	assert.GreaterOrEqual(t, inodes, int64(4))
	assert.Equal(t, int64(1234), fsSize)
}

func TestStatFSMatchesDatabase(t *testing.T) {
	h := newHarness(t)
	f := h.create(meta.RootInode, "a")
	h.write(f, 0, bytes.Repeat([]byte{1}, 2*testBlockSize))
	h.fsync(f)

	op := &fuseops.StatFSOp{}
	require.NoError(t, h.fs.StatFS(h.ctx, op))

	var objects int64
	h.db.Read(h.ctx, func(tx *meta.Tx) error {
		var err error
		objects, err = tx.GetInt64("SELECT COUNT(*) FROM objects")
		require.NoError(t, err)
		return nil
	})
	// Doubled counts: used = objects, total >= 2*objects.
	assert.Equal(t, uint64(objects), op.Blocks-op.BlocksFree)
	assert.GreaterOrEqual(t, op.Blocks, uint64(2*objects))
}

func TestLockTree(t *testing.T) {
	h := newHarness(t)
	d := h.mkdir(meta.RootInode, "frozen")
	f := h.create(d, "f")
	h.release(f)

	require.NoError(t, h.setCtrlXattr(CtrlLock, EncodeTreeOp(d, 0)[:8]))

	// Writing into the locked subtree is refused.
	err := h.fs.WriteFile(h.ctx, &fuseops.WriteFileOp{
		Inode: fuseops.InodeID(f), Data: []byte("nope"),
	})
	assert.ErrorIs(t, err, syscall.EPERM)

	err = h.fs.Unlink(h.ctx, &fuseops.UnlinkOp{
		Parent: fuseops.InodeID(d), Name: "f",
	})
	assert.ErrorIs(t, err, syscall.EPERM)

	// And so is moving entries out of the locked dir.
	err = h.fs.Rename(h.ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(d), OldName: "f",
		NewParent: fuseops.InodeID(meta.RootInode), NewName: "g",
	})
	assert.ErrorIs(t, err, syscall.EPERM)
}

func TestRemoveTree(t *testing.T) {
	h := newHarness(t)
	d := h.mkdir(meta.RootInode, "tree")
	sub := h.mkdir(d, "sub")
	for i := 0; i < 10; i++ {
		f := h.create(sub, fmt.Sprintf("f%d", i))
		h.write(f, 0, []byte(fmt.Sprintf("content %d", i)))
		h.fsync(f)
		h.release(f)
	}
	require.Greater(t, h.backend.Len(), 0)

	require.NoError(t, h.setCtrlXattr(CtrlRmTree, EncodeNameOp(meta.RootInode, "tree")))

	_, err := h.lookup(meta.RootInode, "tree")
	assert.ErrorIs(t, err, syscall.ENOENT)
	assert.Equal(t, 0, h.backend.Len())
	h.checkInvariants()
}

func TestFastTreeCopy(t *testing.T) {
	h := newHarness(t)
	src := h.mkdir(meta.RootInode, "src")
	const numFiles = 25
	for i := 0; i < numFiles; i++ {
		f := h.create(src, fmt.Sprintf("f%02d", i))
		h.write(f, 0, []byte(fmt.Sprintf("file number %d", i)))
		h.release(f)
	}
	require.NoError(t, h.fs.cache.FlushAll(h.ctx))
	dst := h.mkdir(meta.RootInode, "dst")
	objsBefore := h.backend.Len()
	inodesBefore := h.countInodes()

	require.NoError(t, h.setCtrlXattr(CtrlCopy, EncodeTreeOp(src, dst)))

	// New inodes for every file, but zero new data objects.
	assert.Equal(t, inodesBefore+numFiles, h.countInodes())
	assert.Equal(t, objsBefore, h.backend.Len())

	// The copy is readable and identical.
	for i := 0; i < numFiles; i++ {
		id, err := h.lookup(dst, fmt.Sprintf("f%02d", i))
		require.NoError(t, err)
		want := []byte(fmt.Sprintf("file number %d", i))
		assert.Equal(t, want, h.read(id, 0, len(want)))
	}
	h.checkInvariants()
}

func TestFlushCacheCommand(t *testing.T) {
	h := newHarness(t)
	f := h.create(meta.RootInode, "a")
	h.write(f, 0, []byte("dirty data"))
	require.Equal(t, 0, h.backend.Len())

	require.NoError(t, h.setCtrlXattr(CtrlFlushCache, nil))
	assert.Equal(t, 1, h.backend.Len())
	assert.Zero(t, h.fs.cache.Len())
}

////////////////////////////////////////////////////////////////////////
// Extended attributes on regular inodes
////////////////////////////////////////////////////////////////////////

func TestXattrRoundTrip(t *testing.T) {
	h := newHarness(t)
	f := h.create(meta.RootInode, "a")
	h.release(f)

	require.NoError(t, h.fs.SetXattr(h.ctx, &fuseops.SetXattrOp{
		Inode: fuseops.InodeID(f), Name: "user.tag", Value: []byte("blue"),
	}))

	gop := &fuseops.GetXattrOp{
		Inode: fuseops.InodeID(f), Name: "user.tag", Dst: make([]byte, 16),
	}
	require.NoError(t, h.fs.GetXattr(h.ctx, gop))
	assert.Equal(t, []byte("blue"), gop.Dst[:gop.BytesRead])

	lop := &fuseops.ListXattrOp{Inode: fuseops.InodeID(f), Dst: make([]byte, 64)}
	require.NoError(t, h.fs.ListXattr(h.ctx, lop))
	assert.Equal(t, "user.tag\x00", string(lop.Dst[:lop.BytesRead]))

	require.NoError(t, h.fs.RemoveXattr(h.ctx, &fuseops.RemoveXattrOp{
		Inode: fuseops.InodeID(f), Name: "user.tag",
	}))
	assert.ErrorIs(t, h.fs.GetXattr(h.ctx, gop), syscall.ENODATA)
	h.checkInvariants()
}
