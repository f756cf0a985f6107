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
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// populate fills the database with a small but representative tree.
func populate(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	err := db.Transaction(ctx, func(tx *Tx) error {
		dir := mkInode(t, tx, modeDir|0755)
		require.NoError(t, AddEntry(tx, RootInode, []byte("docs"), dir.ID))
		_, err := tx.Exec("UPDATE inodes SET refcount=refcount+1 WHERE id=?", RootInode)
		require.NoError(t, err)

		link := mkInode(t, tx, modeSymlink|0777)
		require.NoError(t, SetSymlinkTarget(tx, link.ID, []byte("/etc/hosts")))
		require.NoError(t, AddEntry(tx, dir.ID, []byte("hosts"), link.ID))

		for i := 0; i < 20; i++ {
			f := mkInode(t, tx, modeRegular|0644)
			f.Size = int64(i * 1000)
			require.NoError(t, UpdateInode(tx, f))
			require.NoError(t, AddEntry(tx, dir.ID, []byte(fmt.Sprintf("file%02d", i)), f.ID))
			require.NoError(t, SetXattr(tx, f.ID, []byte("user.idx"), []byte{byte(i)}))

			h := sha256.Sum256([]byte{byte(i)})
			blockID, _, err := CreateObjectAndBlock(tx, h[:], int64(i*1000))
			require.NoError(t, err)
			require.NoError(t, SetInodeBlock(tx, f.ID, 0, blockID))
		}
		return nil
	})
	require.NoError(t, err)
}

func dumpAll(t *testing.T, db *DB, table string) []string {
	t.Helper()
	var rows []string
	err := db.Read(context.Background(), func(tx *Tx) error {
		res, err := tx.Query("SELECT * FROM " + table)
		if err != nil {
			return err
		}
		defer res.Close()
		cols, _ := res.Columns()
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		for res.Next() {
			require.NoError(t, res.Scan(ptrs...))
			rows = append(rows, fmt.Sprint(vals...))
		}
		return res.Err()
	})
	require.NoError(t, err)
	return rows
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := initializedDB(t)
	populate(t, src)

	var buf bytes.Buffer
	require.NoError(t, Dump(ctx, src, &buf))

	dst, err := Open(filepath.Join(t.TempDir(), "restored.db"))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, Restore(ctx, dst, bytes.NewReader(buf.Bytes())))

	for _, spec := range dumpSpec {
		assert.ElementsMatch(t, dumpAll(t, src, spec.name), dumpAll(t, dst, spec.name),
			"table %s differs after restore", spec.name)
	}

	require.NoError(t, dst.Read(ctx, func(tx *Tx) error {
		return CheckInvariants(tx)
	}))
}

func TestRestoreRecomputesRefcounts(t *testing.T) {
	ctx := context.Background()
	src := initializedDB(t)
	populate(t, src)

	// Corrupt a refcount; restore must fix it from the referring tables.
	require.NoError(t, src.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.Exec("UPDATE names SET refcount=99")
		return err
	}))

	var buf bytes.Buffer
	require.NoError(t, Dump(ctx, src, &buf))

	dst, err := Open(filepath.Join(t.TempDir(), "restored.db"))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, Restore(ctx, dst, bytes.NewReader(buf.Bytes())))

	require.NoError(t, dst.Read(ctx, func(tx *Tx) error {
		return CheckInvariants(tx)
	}))
}

func TestRestoreRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	dst, err := Open(filepath.Join(t.TempDir(), "garbage.db"))
	require.NoError(t, err)
	defer dst.Close()

	err = Restore(ctx, dst, bytes.NewReader([]byte("this is not a dump")))
	assert.Error(t, err)
}

func TestNewIDsDoNotReuseDumpedOnes(t *testing.T) {
	// Object ids name backend objects, so a restored database must not
	// hand out ids that dumped rows already used.
	ctx := context.Background()
	src := initializedDB(t)
	populate(t, src)

	var maxObj int64
	require.NoError(t, src.Read(ctx, func(tx *Tx) error {
		var err error
		maxObj, err = tx.GetInt64("SELECT MAX(id) FROM objects")
		return err
	}))

	var buf bytes.Buffer
	require.NoError(t, Dump(ctx, src, &buf))
	dst, err := Open(filepath.Join(t.TempDir(), "restored.db"))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, Restore(ctx, dst, bytes.NewReader(buf.Bytes())))

	require.NoError(t, dst.Transaction(ctx, func(tx *Tx) error {
		h := sha256.Sum256([]byte("fresh"))
		_, objID, err := CreateObjectAndBlock(tx, h[:], 1)
		require.NoError(t, err)
		assert.Greater(t, objID, maxObj)
		return nil
	}))
}
