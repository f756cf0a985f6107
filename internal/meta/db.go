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

// Package meta implements the embedded metadata store: one SQLite database
// file holding the inode, block and object tables, transactional access
// with nested savepoints, the delta dump format used for backend
// persistence, and the metadata sequence-number protocol.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vaultfs/vaultfs/internal/logger"
)

// busyRetryTime is how long a statement waits for a competing lock before
// giving up.
const busyRetryTime = 10 * time.Second

// initSQL is executed on every new connection.
const initSQL = `
PRAGMA foreign_keys = OFF;
PRAGMA synchronous = NORMAL;
PRAGMA journal_mode = WAL;
PRAGMA temp_store = MEMORY;
`

// DB manages access to the database file. Connections are pooled by
// database/sql; a transaction pins one connection, so statements inside a
// transaction always observe their own writes.
type DB struct {
	sqldb *sql.DB
	path  string
}

// Open opens (creating if necessary) the database file.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, int(busyRetryTime/time.Millisecond))
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	db := &DB{sqldb: sqldb, path: path}

	conn, err := sqldb.Conn(context.Background())
	if err != nil {
		sqldb.Close()
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(context.Background(), initSQL); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("initializing database %q: %w", path, err)
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the underlying pool.
func (db *DB) Close() error { return db.sqldb.Close() }

// A Tx is an open transaction or savepoint. The outermost Tx issues BEGIN
// IMMEDIATE; nested ones create savepoints. A Tx is bound to a single
// connection and must not be used concurrently.
type Tx struct {
	conn  *sql.Conn
	ctx   context.Context
	depth int
}

// ErrNoRow is returned by the row helpers when a query yields no rows.
var ErrNoRow = sql.ErrNoRows

func isLockError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// execRetry runs the statement, waiting out transient lock errors with
// exponential backoff plus jitter. If the lock persists beyond the budget a
// deadlock warning is logged and the error surfaced.
func execRetry(ctx context.Context, conn *sql.Conn, query string, args ...interface{}) (sql.Result, error) {
	var waited time.Duration
	step := time.Millisecond

	for {
		res, err := conn.ExecContext(ctx, query, args...)
		if err == nil || !isLockError(err) {
			return res, err
		}
		if waited > busyRetryTime {
			logger.Warnf("database locked for more than %v, likely deadlock", busyRetryTime)
			return nil, err
		}
		time.Sleep(step)
		waited += step
		step += time.Duration(rand.Int63n(int64(step) + 1))
	}
}

// Transaction runs fn inside a new outermost transaction on its own
// connection. The transaction commits if fn returns nil and rolls back
// otherwise.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := db.sqldb.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx := &Tx{conn: conn, ctx: ctx, depth: 0}
	return tx.run(fn)
}

// Read runs fn with a connection but no explicit transaction. Use for
// queries that do not modify the database.
func (db *DB) Read(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := db.sqldb.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(&Tx{conn: conn, ctx: ctx, depth: -1})
}

// Savepoint runs fn inside a nested savepoint on the same connection.
// Rolling back the savepoint preserves the outer transaction.
func (tx *Tx) Savepoint(fn func(tx *Tx) error) error {
	inner := &Tx{conn: tx.conn, ctx: tx.ctx, depth: tx.depth + 1}
	return inner.run(fn)
}

func (tx *Tx) run(fn func(inner *Tx) error) (err error) {
	name := fmt.Sprintf("vaultfs-%d", tx.depth)

	if tx.depth == 0 {
		if _, err = execRetry(tx.ctx, tx.conn, "BEGIN IMMEDIATE"); err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
	}
	if _, err = execRetry(tx.ctx, tx.conn, fmt.Sprintf("SAVEPOINT '%s'", name)); err != nil {
		return fmt.Errorf("creating savepoint: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.conn.ExecContext(tx.ctx, fmt.Sprintf("ROLLBACK TO '%s'", name))
			tx.conn.ExecContext(tx.ctx, fmt.Sprintf("RELEASE '%s'", name))
			if tx.depth == 0 {
				tx.conn.ExecContext(tx.ctx, "ROLLBACK")
			}
			panic(p)
		}
	}()

	err = fn(tx)

	if err != nil {
		tx.conn.ExecContext(tx.ctx, fmt.Sprintf("ROLLBACK TO '%s'", name))
	}
	if _, rerr := execRetry(tx.ctx, tx.conn, fmt.Sprintf("RELEASE '%s'", name)); rerr != nil && err == nil {
		err = fmt.Errorf("releasing savepoint: %w", rerr)
	}

	if tx.depth == 0 {
		if err != nil {
			tx.conn.ExecContext(tx.ctx, "ROLLBACK")
			return err
		}
		if _, cerr := execRetry(tx.ctx, tx.conn, "COMMIT"); cerr != nil {
			tx.conn.ExecContext(tx.ctx, "ROLLBACK")
			return fmt.Errorf("committing transaction: %w", cerr)
		}
	}
	return err
}

// Exec runs a statement and returns the number of affected rows.
func (tx *Tx) Exec(query string, args ...interface{}) (int64, error) {
	res, err := execRetry(tx.ctx, tx.conn, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RowID runs an INSERT and returns the inserted rowid.
func (tx *Tx) RowID(query string, args ...interface{}) (int64, error) {
	res, err := execRetry(tx.ctx, tx.conn, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Query runs a query returning multiple rows.
func (tx *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return tx.conn.QueryContext(tx.ctx, query, args...)
}

// GetInt64 runs a query expected to return a single integer. Returns
// ErrNoRow if there is no result row.
func (tx *Tx) GetInt64(query string, args ...interface{}) (int64, error) {
	var v int64
	err := tx.conn.QueryRowContext(tx.ctx, query, args...).Scan(&v)
	return v, err
}

// GetNullInt64 is GetInt64 for aggregate queries that may yield NULL.
func (tx *Tx) GetNullInt64(query string, args ...interface{}) (int64, error) {
	var v sql.NullInt64
	err := tx.conn.QueryRowContext(tx.ctx, query, args...).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v.Int64, nil
}

// GetBytes runs a query expected to return a single blob.
func (tx *Tx) GetBytes(query string, args ...interface{}) ([]byte, error) {
	var v []byte
	err := tx.conn.QueryRowContext(tx.ctx, query, args...).Scan(&v)
	return v, err
}

// HasRow reports whether the query yields at least one row.
func (tx *Tx) HasRow(query string, args ...interface{}) (bool, error) {
	var one int
	err := tx.conn.QueryRowContext(tx.ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Scan runs a query expected to return a single row and scans it into
// dest. Returns ErrNoRow if there is no result row.
func (tx *Tx) Scan(query string, args []interface{}, dest ...interface{}) error {
	return tx.conn.QueryRowContext(tx.ctx, query, args...).Scan(dest...)
}
