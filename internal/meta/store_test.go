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

package meta

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkInode(t *testing.T, tx *Tx, mode uint32) *Inode {
	t.Helper()
	in := &Inode{Mode: mode, Mtime: 1, Atime: 1, Ctime: 1, Refcount: 1}
	require.NoError(t, CreateInode(tx, in))
	return in
}

func TestLookupAndEntries(t *testing.T) {
	db := initializedDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		in := mkInode(t, tx, modeRegular|0644)
		require.NoError(t, AddEntry(tx, RootInode, []byte("hello.txt"), in.ID))

		got, err := LookupEntry(tx, RootInode, []byte("hello.txt"))
		require.NoError(t, err)
		assert.Equal(t, in.ID, got)

		_, err = LookupEntry(tx, RootInode, []byte("missing"))
		assert.True(t, IsNoRow(err))

		require.NoError(t, CheckInvariants(tx))
		return nil
	})
	require.NoError(t, err)
}

func TestNameInterning(t *testing.T) {
	db := initializedDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		a := mkInode(t, tx, modeRegular|0644)
		b := mkInode(t, tx, modeDir|0755)
		require.NoError(t, AddEntry(tx, RootInode, []byte("same"), a.ID))
		require.NoError(t, AddEntry(tx, a.ID, []byte("same"), b.ID))

		refs, err := tx.GetInt64("SELECT refcount FROM names WHERE name=?", []byte("same"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), refs)

		require.NoError(t, RemoveEntry(tx, a.ID, []byte("same")))
		refs, err = tx.GetInt64("SELECT refcount FROM names WHERE name=?", []byte("same"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), refs)

		require.NoError(t, RemoveEntry(tx, RootInode, []byte("same")))
		ok, err := tx.HasRow("SELECT 1 FROM names WHERE name=?", []byte("same"))
		require.NoError(t, err)
		assert.False(t, ok, "name row must be dropped at refcount zero")
		return nil
	})
	require.NoError(t, err)
}

func TestXattrsShareNameTable(t *testing.T) {
	db := initializedDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		in := mkInode(t, tx, modeRegular|0644)
		require.NoError(t, AddEntry(tx, RootInode, []byte("f"), in.ID))

		require.NoError(t, SetXattr(tx, in.ID, []byte("user.color"), []byte("teal")))
		v, err := GetXattr(tx, in.ID, []byte("user.color"))
		require.NoError(t, err)
		assert.Equal(t, []byte("teal"), v)

		// Overwrite must not leak a name reference.
		require.NoError(t, SetXattr(tx, in.ID, []byte("user.color"), []byte("red")))
		require.NoError(t, CheckInvariants(tx))

		names, err := ListXattr(tx, in.ID)
		require.NoError(t, err)
		require.Len(t, names, 1)

		require.NoError(t, RemoveXattr(tx, in.ID, []byte("user.color")))
		_, err = GetXattr(tx, in.ID, []byte("user.color"))
		assert.True(t, IsNoRow(err))

		return CheckInvariants(tx)
	})
	require.NoError(t, err)
}

func TestBlockDedupLifecycle(t *testing.T) {
	db := initializedDB(t)
	ctx := context.Background()

	h := sha256.Sum256([]byte("block content"))

	err := db.Transaction(ctx, func(tx *Tx) error {
		fileA := mkInode(t, tx, modeRegular|0644)
		fileB := mkInode(t, tx, modeRegular|0644)
		require.NoError(t, AddEntry(tx, RootInode, []byte("fa"), fileA.ID))
		require.NoError(t, AddEntry(tx, RootInode, []byte("fb"), fileB.ID))

		// First sighting of the content.
		_, _, err := FindBlockByHash(tx, h[:])
		require.True(t, IsNoRow(err))

		blockID, objID, err := CreateObjectAndBlock(tx, h[:], 13)
		require.NoError(t, err)
		require.NoError(t, SetInodeBlock(tx, fileA.ID, 0, blockID))

		// Second file with identical content links to the same block.
		gotBlock, gotObj, err := FindBlockByHash(tx, h[:])
		require.NoError(t, err)
		assert.Equal(t, blockID, gotBlock)
		assert.Equal(t, objID, gotObj)
		require.NoError(t, IncBlockRef(tx, blockID))
		require.NoError(t, SetInodeBlock(tx, fileB.ID, 0, blockID))

		require.NoError(t, CheckInvariants(tx))

		// Dropping one reference keeps block and object alive.
		require.NoError(t, RemoveInodeBlock(tx, fileA.ID, 0))
		orphan, err := DecBlockRef(tx, blockID)
		require.NoError(t, err)
		assert.Zero(t, orphan)

		// Dropping the last one cascades to the object.
		require.NoError(t, RemoveInodeBlock(tx, fileB.ID, 0))
		orphan, err = DecBlockRef(tx, blockID)
		require.NoError(t, err)
		assert.Equal(t, objID, orphan)

		ok, err := tx.HasRow("SELECT 1 FROM blocks WHERE id=?", blockID)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = tx.HasRow("SELECT 1 FROM objects WHERE id=?", objID)
		require.NoError(t, err)
		assert.False(t, ok)

		return CheckInvariants(tx)
	})
	require.NoError(t, err)
}

func TestReadDirCursor(t *testing.T) {
	db := initializedDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		for _, name := range []string{"a", "b", "c", "d", "e"} {
			in := mkInode(t, tx, modeRegular|0644)
			require.NoError(t, AddEntry(tx, RootInode, []byte(name), in.ID))
		}

		// Walk with a page size of 2; every entry must appear exactly once.
		seen := make(map[string]int)
		var cursor int64
		for {
			ents, err := ReadDir(tx, RootInode, cursor, 2)
			require.NoError(t, err)
			if len(ents) == 0 {
				break
			}
			for _, e := range ents {
				seen[string(e.Name)]++
				cursor = e.RowID
			}
		}
		// lost+found plus the five files.
		assert.Len(t, seen, 6)
		for name, count := range seen {
			assert.Equal(t, 1, count, "entry %q returned more than once", name)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCreateInodeAssignsMonotonicIDs(t *testing.T) {
	db := initializedDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		a := mkInode(t, tx, modeRegular|0644)
		b := mkInode(t, tx, modeRegular|0644)
		assert.Greater(t, b.ID, a.ID)
		assert.Greater(t, a.ID, int64(CtrlInode))
		return nil
	})
	require.NoError(t, err)
}

func TestGetStats(t *testing.T) {
	db := initializedDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		in := mkInode(t, tx, modeRegular|0644)
		in.Size = 1000
		require.NoError(t, UpdateInode(tx, in))
		require.NoError(t, AddEntry(tx, RootInode, []byte("f"), in.ID))

		h := sha256.Sum256([]byte("x"))
		blockID, _, err := CreateObjectAndBlock(tx, h[:], 1000)
		require.NoError(t, err)
		require.NoError(t, SetInodeBlock(tx, in.ID, 0, blockID))

		st, err := GetStats(tx, db.Path())
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Entries) // lost+found and f
		assert.Equal(t, int64(1), st.Objects)
		assert.Equal(t, int64(1000), st.DedupSize)
		assert.GreaterOrEqual(t, st.Inodes, int64(4))
		return nil
	})
	require.NoError(t, err)
}
