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
	"database/sql"
	"errors"
	"fmt"
	"os"
)

// MaxInodeID bounds the inode id space. Ids are allocated monotonically;
// exhaustion surfaces as ErrOutOfInodes (ENOSPC to the caller).
const MaxInodeID = 1<<32 - 1

// ErrOutOfInodes is returned when the inode id space is exhausted.
var ErrOutOfInodes = errors.New("out of inode ids")

// An Inode is one row of the inodes table. Times are integer nanoseconds.
type Inode struct {
	ID       int64
	Mode     uint32 // syscall mode bits, including the type
	UID      uint32
	GID      uint32
	Mtime    int64
	Atime    int64
	Ctime    int64
	Refcount int64
	Size     int64
	Rdev     uint32
	Locked   bool
}

func (in *Inode) IsDir() bool     { return in.Mode&modeTypeMask == modeDir }
func (in *Inode) IsRegular() bool { return in.Mode&modeTypeMask == modeRegular }
func (in *Inode) IsSymlink() bool { return in.Mode&modeTypeMask == modeSymlink }

// A Dirent is one directory entry, carrying the readdir cursor position.
type Dirent struct {
	RowID int64
	Name  []byte
	Inode int64
	Mode  uint32
}

const inodeColumns = "id, mode, uid, gid, mtime, atime, ctime, refcount, size, rdev, locked"

func scanInode(scan func(...interface{}) error) (*Inode, error) {
	in := &Inode{}
	err := scan(&in.ID, &in.Mode, &in.UID, &in.GID, &in.Mtime, &in.Atime,
		&in.Ctime, &in.Refcount, &in.Size, &in.Rdev, &in.Locked)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// GetInode fetches one inode row. Returns ErrNoRow if it does not exist.
func GetInode(tx *Tx, id int64) (*Inode, error) {
	row := tx.conn.QueryRowContext(tx.ctx,
		"SELECT "+inodeColumns+" FROM inodes WHERE id=?", id)
	return scanInode(row.Scan)
}

// UpdateInode writes back all mutable columns of in.
func UpdateInode(tx *Tx, in *Inode) error {
	_, err := tx.Exec(
		"UPDATE inodes SET mode=?, uid=?, gid=?, mtime=?, atime=?, ctime=?, "+
			"refcount=?, size=?, rdev=?, locked=? WHERE id=?",
		in.Mode, in.UID, in.GID, in.Mtime, in.Atime, in.Ctime,
		in.Refcount, in.Size, in.Rdev, in.Locked, in.ID)
	return err
}

// CreateInode inserts a new inode row and fills in its id.
func CreateInode(tx *Tx, in *Inode) error {
	id, err := tx.RowID(
		"INSERT INTO inodes (mode, uid, gid, mtime, atime, ctime, refcount, size, rdev, locked) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		in.Mode, in.UID, in.GID, in.Mtime, in.Atime, in.Ctime,
		in.Refcount, in.Size, in.Rdev, in.Locked)
	if err != nil {
		return err
	}
	if id > MaxInodeID {
		tx.Exec("DELETE FROM inodes WHERE id=?", id)
		return ErrOutOfInodes
	}
	in.ID = id
	return nil
}

// DeleteInode drops the inode row and its extended attributes and symlink
// target. The caller is responsible for the inode's blocks and entries.
func DeleteInode(tx *Tx, id int64) error {
	rows, err := tx.Query("SELECT name_id FROM ext_attributes WHERE inode=?", id)
	if err != nil {
		return err
	}
	var nameIDs []int64
	for rows.Next() {
		var nid int64
		if err := rows.Scan(&nid); err != nil {
			rows.Close()
			return err
		}
		nameIDs = append(nameIDs, nid)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, nid := range nameIDs {
		if err := dropName(tx, nid); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("DELETE FROM ext_attributes WHERE inode=?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM symlink_targets WHERE inode=?", id); err != nil {
		return err
	}
	_, err = tx.Exec("DELETE FROM inodes WHERE id=?", id)
	return err
}

// GetSymlinkTarget returns the target of a symlink inode.
func GetSymlinkTarget(tx *Tx, id int64) ([]byte, error) {
	return tx.GetBytes("SELECT target FROM symlink_targets WHERE inode=?", id)
}

// SetSymlinkTarget records the target of a symlink inode.
func SetSymlinkTarget(tx *Tx, id int64, target []byte) error {
	_, err := tx.Exec("INSERT INTO symlink_targets (inode, target) VALUES (?, ?)", id, target)
	return err
}

////////////////////////////////////////////////////////////////////////
// Name interning
////////////////////////////////////////////////////////////////////////

// internName returns the id for name, creating or re-referencing the names
// row.
func internName(tx *Tx, name []byte) (int64, error) {
	id, err := tx.GetInt64("SELECT id FROM names WHERE name=?", name)
	if err == nil {
		_, err = tx.Exec("UPDATE names SET refcount=refcount+1 WHERE id=?", id)
		return id, err
	}
	if err != ErrNoRow {
		return 0, err
	}
	return tx.RowID("INSERT INTO names (name, refcount) VALUES (?, 1)", name)
}

// dropName decrements a name's refcount, deleting the row at zero.
func dropName(tx *Tx, nameID int64) error {
	refs, err := tx.GetInt64("SELECT refcount FROM names WHERE id=?", nameID)
	if err != nil {
		return err
	}
	if refs > 1 {
		_, err = tx.Exec("UPDATE names SET refcount=refcount-1 WHERE id=?", nameID)
		return err
	}
	_, err = tx.Exec("DELETE FROM names WHERE id=?", nameID)
	return err
}

////////////////////////////////////////////////////////////////////////
// Directory entries
////////////////////////////////////////////////////////////////////////

// LookupEntry resolves name within the parent directory. Returns ErrNoRow
// if there is no such entry.
func LookupEntry(tx *Tx, parent int64, name []byte) (int64, error) {
	return tx.GetInt64(
		"SELECT inode FROM contents JOIN names ON name_id = names.id "+
			"WHERE parent_inode=? AND name=?", parent, name)
}

// AddEntry links inode under the parent directory. The entry name is
// interned. The caller maintains inode refcounts.
func AddEntry(tx *Tx, parent int64, name []byte, inode int64) error {
	nameID, err := internName(tx, name)
	if err != nil {
		return err
	}
	_, err = tx.Exec("INSERT INTO contents (name_id, inode, parent_inode) VALUES (?, ?, ?)",
		nameID, inode, parent)
	return err
}

// RemoveEntry unlinks name from the parent directory, releasing the
// interned name.
func RemoveEntry(tx *Tx, parent int64, name []byte) error {
	nameID, err := tx.GetInt64(
		"SELECT name_id FROM contents JOIN names ON name_id = names.id "+
			"WHERE parent_inode=? AND name=?", parent, name)
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM contents WHERE parent_inode=? AND name_id=?",
		parent, nameID); err != nil {
		return err
	}
	return dropName(tx, nameID)
}

// SetEntryTarget repoints an existing entry at a different inode (used by
// rename-over-existing).
func SetEntryTarget(tx *Tx, parent int64, name []byte, inode int64) error {
	_, err := tx.Exec(
		"UPDATE contents SET inode=? WHERE parent_inode=? AND "+
			"name_id = (SELECT id FROM names WHERE name=?)", inode, parent, name)
	return err
}

// MoveEntry renames an entry, possibly across directories. The new name
// must not exist yet.
func MoveEntry(tx *Tx, oldParent int64, oldName []byte, newParent int64, newName []byte) error {
	inode, err := LookupEntry(tx, oldParent, oldName)
	if err != nil {
		return err
	}
	if err := RemoveEntry(tx, oldParent, oldName); err != nil {
		return err
	}
	return AddEntry(tx, newParent, newName, inode)
}

// ReadDir returns up to limit entries of the directory whose cursor
// position is greater than afterRowID, in rowid order.
func ReadDir(tx *Tx, parent int64, afterRowID int64, limit int) ([]Dirent, error) {
	rows, err := tx.Query(
		"SELECT contents.rowid, names.name, contents.inode, inodes.mode "+
			"FROM contents JOIN names ON name_id = names.id "+
			"JOIN inodes ON contents.inode = inodes.id "+
			"WHERE parent_inode=? AND contents.rowid > ? ORDER BY contents.rowid LIMIT ?",
		parent, afterRowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dirent
	for rows.Next() {
		var d Dirent
		if err := rows.Scan(&d.RowID, &d.Name, &d.Inode, &d.Mode); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// HasChildren reports whether the directory has any entries.
func HasChildren(tx *Tx, inode int64) (bool, error) {
	return tx.HasRow("SELECT 1 FROM contents WHERE parent_inode=? LIMIT 1", inode)
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

// GetXattr returns the attribute value. Returns ErrNoRow if unset.
func GetXattr(tx *Tx, inode int64, name []byte) ([]byte, error) {
	return tx.GetBytes(
		"SELECT value FROM ext_attributes JOIN names ON name_id = names.id "+
			"WHERE inode=? AND name=?", inode, name)
}

// SetXattr stores (replacing) the attribute value.
func SetXattr(tx *Tx, inode int64, name []byte, value []byte) error {
	existing, err := tx.GetInt64(
		"SELECT name_id FROM ext_attributes JOIN names ON name_id = names.id "+
			"WHERE inode=? AND name=?", inode, name)
	if err == nil {
		_, err = tx.Exec("UPDATE ext_attributes SET value=? WHERE inode=? AND name_id=?",
			value, inode, existing)
		return err
	}
	if err != ErrNoRow {
		return err
	}
	nameID, err := internName(tx, name)
	if err != nil {
		return err
	}
	_, err = tx.Exec("INSERT INTO ext_attributes (inode, name_id, value) VALUES (?, ?, ?)",
		inode, nameID, value)
	return err
}

// ListXattr returns all attribute names on the inode.
func ListXattr(tx *Tx, inode int64) ([][]byte, error) {
	rows, err := tx.Query(
		"SELECT names.name FROM ext_attributes JOIN names ON name_id = names.id "+
			"WHERE inode=?", inode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var name []byte
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// RemoveXattr deletes the attribute. Returns ErrNoRow if it was not set.
func RemoveXattr(tx *Tx, inode int64, name []byte) error {
	nameID, err := tx.GetInt64(
		"SELECT name_id FROM ext_attributes JOIN names ON name_id = names.id "+
			"WHERE inode=? AND name=?", inode, name)
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM ext_attributes WHERE inode=? AND name_id=?",
		inode, nameID); err != nil {
		return err
	}
	return dropName(tx, nameID)
}

////////////////////////////////////////////////////////////////////////
// Blocks and objects
////////////////////////////////////////////////////////////////////////

// FindBlockByHash looks up the block holding content with the given
// plaintext hash. Returns ErrNoRow if the content is new.
func FindBlockByHash(tx *Tx, hash []byte) (blockID int64, objID int64, err error) {
	err = tx.Scan("SELECT id, obj_id FROM blocks WHERE hash=?",
		[]interface{}{hash}, &blockID, &objID)
	return
}

// IncBlockRef adds one reference to an existing block.
func IncBlockRef(tx *Tx, blockID int64) error {
	_, err := tx.Exec("UPDATE blocks SET refcount=refcount+1 WHERE id=?", blockID)
	return err
}

// CreateObjectAndBlock inserts a fresh object and its first referencing
// block for newly seen content.
func CreateObjectAndBlock(tx *Tx, hash []byte, size int64) (blockID int64, objID int64, err error) {
	objID, err = tx.RowID("INSERT INTO objects (refcount, size) VALUES (1, ?)", size)
	if err != nil {
		return 0, 0, err
	}
	blockID, err = tx.RowID(
		"INSERT INTO blocks (hash, refcount, size, obj_id) VALUES (?, 1, ?, ?)",
		hash, size, objID)
	return blockID, objID, err
}

// SetObjectComprSize records the stored (post-codec) size of an object
// after its upload completed.
func SetObjectComprSize(tx *Tx, objID int64, comprSize int64) error {
	_, err := tx.Exec("UPDATE objects SET compr_size=? WHERE id=?", comprSize, objID)
	return err
}

// GetInodeBlock returns the block mapped at (inode, blockno). Returns
// ErrNoRow for holes.
func GetInodeBlock(tx *Tx, inode int64, blockno int64) (blockID int64, objID int64, err error) {
	err = tx.Scan(
		"SELECT block_id, obj_id FROM inode_blocks JOIN blocks ON block_id = blocks.id "+
			"WHERE inode=? AND blockno=?",
		[]interface{}{inode, blockno}, &blockID, &objID)
	return
}

// SetInodeBlock points (inode, blockno) at blockID, replacing any previous
// mapping.
func SetInodeBlock(tx *Tx, inode int64, blockno int64, blockID int64) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO inode_blocks (inode, blockno, block_id) VALUES (?, ?, ?)",
		inode, blockno, blockID)
	return err
}

// RemoveInodeBlock drops the (inode, blockno) mapping without touching
// refcounts.
func RemoveInodeBlock(tx *Tx, inode int64, blockno int64) error {
	_, err := tx.Exec("DELETE FROM inode_blocks WHERE inode=? AND blockno=?", inode, blockno)
	return err
}

// DecBlockRef releases one reference to blockID. When the block's refcount
// reaches zero the block row is deleted and the object's refcount is
// dropped in turn; if that reaches zero as well, the object row is deleted
// and its id returned so the caller can schedule the backend delete after
// the transaction commits.
func DecBlockRef(tx *Tx, blockID int64) (objToDelete int64, err error) {
	var refs, objID int64
	err = tx.Scan("SELECT refcount, obj_id FROM blocks WHERE id=?",
		[]interface{}{blockID}, &refs, &objID)
	if err != nil {
		return 0, err
	}
	if refs > 1 {
		_, err = tx.Exec("UPDATE blocks SET refcount=refcount-1 WHERE id=?", blockID)
		return 0, err
	}
	if _, err = tx.Exec("DELETE FROM blocks WHERE id=?", blockID); err != nil {
		return 0, err
	}

	var objRefs int64
	if objRefs, err = tx.GetInt64("SELECT refcount FROM objects WHERE id=?", objID); err != nil {
		return 0, err
	}
	if objRefs > 1 {
		_, err = tx.Exec("UPDATE objects SET refcount=refcount-1 WHERE id=?", objID)
		return 0, err
	}
	if _, err = tx.Exec("DELETE FROM objects WHERE id=?", objID); err != nil {
		return 0, err
	}
	return objID, nil
}

// FirstInodeBlockFrom returns the lowest-numbered block mapping of inode
// with blockno >= from. Returns ErrNoRow when none remain.
func FirstInodeBlockFrom(tx *Tx, inode int64, from int64) (blockno int64, blockID int64, err error) {
	err = tx.Scan(
		"SELECT blockno, block_id FROM inode_blocks WHERE inode=? AND blockno >= ? "+
			"ORDER BY blockno LIMIT 1",
		[]interface{}{inode, from}, &blockno, &blockID)
	return
}

// InodeBlocks returns all (blockno, block_id, obj_id) mappings of inode.
func InodeBlocks(tx *Tx, inode int64) (blocknos []int64, blockIDs []int64, objIDs []int64, err error) {
	rows, err := tx.Query(
		"SELECT blockno, block_id, obj_id FROM inode_blocks "+
			"JOIN blocks ON block_id = blocks.id WHERE inode=? ORDER BY blockno", inode)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var bn, bid, oid int64
		if err := rows.Scan(&bn, &bid, &oid); err != nil {
			return nil, nil, nil, err
		}
		blocknos = append(blocknos, bn)
		blockIDs = append(blockIDs, bid)
		objIDs = append(objIDs, oid)
	}
	return blocknos, blockIDs, objIDs, rows.Err()
}

////////////////////////////////////////////////////////////////////////
// Statistics
////////////////////////////////////////////////////////////////////////

// Stats is the aggregate view backing statfs and the extended statistics
// control command.
type Stats struct {
	Entries        int64
	Objects        int64
	Inodes         int64
	FsSize         int64
	DedupSize      int64
	CompressedSize int64
	DBSize         int64
}

// GetStats collects the aggregate counts.
func GetStats(tx *Tx, dbPath string) (*Stats, error) {
	st := &Stats{}
	var err error
	if st.Entries, err = tx.GetInt64("SELECT COUNT(rowid) FROM contents"); err != nil {
		return nil, err
	}
	if st.Objects, err = tx.GetInt64("SELECT COUNT(id) FROM objects"); err != nil {
		return nil, err
	}
	if st.Inodes, err = tx.GetInt64("SELECT COUNT(id) FROM inodes"); err != nil {
		return nil, err
	}
	if st.FsSize, err = tx.GetNullInt64("SELECT SUM(size) FROM inodes"); err != nil {
		return nil, err
	}
	if st.DedupSize, err = tx.GetNullInt64("SELECT SUM(size) FROM objects"); err != nil {
		return nil, err
	}
	if st.CompressedSize, err = tx.GetNullInt64("SELECT SUM(compr_size) FROM objects"); err != nil {
		return nil, err
	}
	if fi, serr := os.Stat(dbPath); serr == nil {
		st.DBSize = fi.Size()
	}
	return st, nil
}

////////////////////////////////////////////////////////////////////////
// Invariant checking
////////////////////////////////////////////////////////////////////////

// CheckInvariants verifies the global refcount invariants. It is meant for
// tests and debug mounts; on a large file system it is expensive.
func CheckInvariants(tx *Tx) error {
	type check struct {
		what  string
		query string
	}
	checks := []check{
		{"object refcounts",
			"SELECT COUNT(*) FROM objects WHERE refcount != " +
				"(SELECT COUNT(*) FROM blocks WHERE obj_id = objects.id)"},
		{"block refcounts",
			"SELECT COUNT(*) FROM blocks WHERE refcount != " +
				"(SELECT COUNT(*) FROM inode_blocks WHERE block_id = blocks.id)"},
		{"name refcounts",
			"SELECT COUNT(*) FROM names WHERE refcount != " +
				"(SELECT COUNT(*) FROM contents WHERE name_id = names.id) + " +
				"(SELECT COUNT(*) FROM ext_attributes WHERE name_id = names.id)"},
		{"entries with non-directory parents",
			fmt.Sprintf("SELECT COUNT(*) FROM contents WHERE "+
				"(SELECT mode & %d FROM inodes WHERE id = parent_inode) != %d",
				modeTypeMask, modeDir)},
		{"non-directory inode refcounts",
			fmt.Sprintf("SELECT COUNT(*) FROM inodes WHERE id > %d AND mode & %d != %d "+
				"AND refcount != (SELECT COUNT(*) FROM contents WHERE inode = inodes.id)",
				CtrlInode, modeTypeMask, modeDir)},
		// A directory's refcount is its child directory count plus the
		// parent link.
		{"directory inode refcounts",
			fmt.Sprintf("SELECT COUNT(*) FROM inodes WHERE mode & %d = %d "+
				"AND refcount != (SELECT COUNT(*) FROM contents c "+
				"JOIN inodes ci ON ci.id = c.inode "+
				"WHERE c.parent_inode = inodes.id AND ci.mode & %d = %d) + 1",
				modeTypeMask, modeDir, modeTypeMask, modeDir)},
	}
	for _, c := range checks {
		n, err := tx.GetInt64(c.query)
		if err != nil {
			return err
		}
		if n != 0 {
			return fmt.Errorf("invariant violated: %d rows with inconsistent %s", n, c.what)
		}
	}
	return nil
}

// errIsNoRow makes the sql sentinel comparable for callers that do not
// import database/sql.
func errIsNoRow(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// IsNoRow reports whether err means "no matching row".
func IsNoRow(err error) bool { return errIsNoRow(err) }
