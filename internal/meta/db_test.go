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
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func initializedDB(t *testing.T) *DB {
	t.Helper()
	db := testDB(t)
	ctx := context.Background()
	require.NoError(t, CreateTables(ctx, db))
	require.NoError(t, InitTables(ctx, db))
	return db
}

func TestTransactionCommit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.Exec("CREATE TABLE t (v INT)")
		if err != nil {
			return err
		}
		_, err = tx.Exec("INSERT INTO t (v) VALUES (1)")
		return err
	})
	require.NoError(t, err)

	err = db.Read(ctx, func(tx *Tx) error {
		n, err := tx.GetInt64("SELECT COUNT(*) FROM t")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestTransactionRollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Exec("CREATE TABLE t (v INT)"); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Exec("INSERT INTO t (v) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	db.Read(ctx, func(tx *Tx) error {
		n, err := tx.GetInt64("SELECT COUNT(*) FROM t")
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func TestNestedSavepointRollbackPreservesOuter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Exec("CREATE TABLE t (v INT)"); err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO t (v) VALUES (1)"); err != nil {
			return err
		}

		// The inner savepoint fails; its writes must vanish while the
		// outer transaction's survive.
		err := tx.Savepoint(func(inner *Tx) error {
			if _, err := inner.Exec("INSERT INTO t (v) VALUES (2)"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		return tx.Savepoint(func(inner *Tx) error {
			_, err := inner.Exec("INSERT INTO t (v) VALUES (3)")
			return err
		})
	})
	require.NoError(t, err)

	db.Read(ctx, func(tx *Tx) error {
		rows, err := tx.Query("SELECT v FROM t ORDER BY v")
		require.NoError(t, err)
		defer rows.Close()
		var vals []int64
		for rows.Next() {
			var v int64
			require.NoError(t, rows.Scan(&v))
			vals = append(vals, v)
		}
		assert.Equal(t, []int64{1, 3}, vals)
		return nil
	})
}

func TestHasRow(t *testing.T) {
	db := initializedDB(t)
	ctx := context.Background()

	db.Read(ctx, func(tx *Tx) error {
		ok, err := tx.HasRow("SELECT 1 FROM inodes WHERE id=?", RootInode)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.HasRow("SELECT 1 FROM inodes WHERE id=?", 999999)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
}
