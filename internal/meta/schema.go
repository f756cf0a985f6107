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
	"os"
	"time"
)

// Reserved inode numbers.
const (
	// RootInode is the file system root. It matches the FUSE root inode id.
	RootInode = 1

	// CtrlInode backs the control file used as the ioctl-style command
	// channel.
	CtrlInode = 2
)

// CtrlName is the well-known name under which the control inode is
// reachable in the root directory. It is never listed by readdir.
const CtrlName = ".__vaultfs__ctrl__"

var tableDefs = []string{
	// Storage objects. refcount counts referring blocks; kept explicit for
	// performance.
	`CREATE TABLE objects (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		refcount   INT NOT NULL,
		size       INT NOT NULL,
		compr_size INT NOT NULL DEFAULT 0
	)`,

	// Known data blocks, keyed by plaintext hash.
	`CREATE TABLE blocks (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		hash      BLOB(32) UNIQUE,
		refcount  INT NOT NULL,
		size      INT NOT NULL,
		obj_id    INTEGER NOT NULL REFERENCES objects(id)
	)`,

	// Inode attributes. Times are integer nanoseconds since the epoch.
	`CREATE TABLE inodes (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		mode      INT NOT NULL,
		uid       INT NOT NULL,
		gid       INT NOT NULL,
		mtime     INT NOT NULL,
		atime     INT NOT NULL,
		ctime     INT NOT NULL,
		refcount  INT NOT NULL,
		size      INT NOT NULL DEFAULT 0,
		rdev      INT NOT NULL DEFAULT 0,
		locked    BOOLEAN NOT NULL DEFAULT 0
	)`,

	// Blocks used by an inode.
	`CREATE TABLE inode_blocks (
		inode     INTEGER NOT NULL REFERENCES inodes(id),
		blockno   INT NOT NULL,
		block_id  INTEGER NOT NULL REFERENCES blocks(id),
		PRIMARY KEY (inode, blockno)
	)`,

	// Symlink targets.
	`CREATE TABLE symlink_targets (
		inode     INTEGER PRIMARY KEY REFERENCES inodes(id),
		target    BLOB NOT NULL
	)`,

	// Interned names for directory entries and extended attributes.
	`CREATE TABLE names (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		name      BLOB NOT NULL UNIQUE,
		refcount  INT NOT NULL
	)`,

	// Directory entries. rowid doubles as the readdir cursor.
	`CREATE TABLE contents (
		rowid        INTEGER PRIMARY KEY AUTOINCREMENT,
		name_id      INT NOT NULL REFERENCES names(id),
		inode        INTEGER NOT NULL REFERENCES inodes(id),
		parent_inode INTEGER NOT NULL REFERENCES inodes(id),
		UNIQUE (parent_inode, name_id)
	)`,

	`CREATE TABLE ext_attributes (
		inode     INTEGER NOT NULL REFERENCES inodes(id),
		name_id   INT NOT NULL REFERENCES names(id),
		value     BLOB NOT NULL,
		PRIMARY KEY (inode, name_id)
	)`,

	`CREATE INDEX ix_contents_parent_inode ON contents(parent_inode)`,
	`CREATE INDEX ix_contents_inode ON contents(inode)`,
	`CREATE INDEX ix_inode_blocks_block_id ON inode_blocks(block_id)`,
	`CREATE INDEX ix_blocks_obj_id ON blocks(obj_id)`,
	`CREATE INDEX ix_ext_attributes_inode ON ext_attributes(inode)`,
	`CREATE INDEX ix_names_name ON names(name)`,
}

// CreateTables creates the empty schema.
func CreateTables(ctx context.Context, db *DB) error {
	return db.Transaction(ctx, func(tx *Tx) error {
		for _, stmt := range tableDefs {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// InitTables inserts the root directory, the control inode and lost+found.
// Called by mkfs after CreateTables.
func InitTables(ctx context.Context, db *DB) error {
	now := time.Now().UnixNano()
	uid := int64(os.Getuid())
	gid := int64(os.Getgid())

	return db.Transaction(ctx, func(tx *Tx) error {
		// Refcount 2: the parent link plus the lost+found subdirectory
		// created below.
		_, err := tx.Exec(
			"INSERT INTO inodes (id, mode, uid, gid, mtime, atime, ctime, refcount) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			RootInode, modeDir|0755, uid, gid, now, now, now, 2)
		if err != nil {
			return err
		}

		// The control inode's attributes matter little; it must merely be
		// only writable by the mounting user.
		_, err = tx.Exec(
			"INSERT INTO inodes (id, mode, uid, gid, mtime, atime, ctime, refcount) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			CtrlInode, modeFifo|0600, uid, gid, now, now, now, 42)
		if err != nil {
			return err
		}

		lost, err := tx.RowID(
			"INSERT INTO inodes (mode, uid, gid, mtime, atime, ctime, refcount) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?)",
			modeDir|0700, uid, gid, now, now, now, 1)
		if err != nil {
			return err
		}
		nameID, err := tx.RowID("INSERT INTO names (name, refcount) VALUES (?, 1)",
			[]byte("lost+found"))
		if err != nil {
			return err
		}
		_, err = tx.Exec("INSERT INTO contents (name_id, inode, parent_inode) VALUES (?, ?, ?)",
			nameID, lost, RootInode)
		return err
	})
}

// Unix mode type bits, in the syscall encoding used by the mode column.
const (
	modeTypeMask = 0170000
	modeDir      = 0040000
	modeRegular  = 0100000
	modeSymlink  = 0120000
	modeFifo     = 0010000
)
