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
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// Column kinds in the dump stream.
const (
	colInt  = byte(1) // zigzag varint, delta-encoded against the previous row
	colBlob = byte(2) // varint length prefix + raw bytes
)

type tableSpec struct {
	name    string
	order   string // ORDER BY clause establishing primary-key order
	columns []string
	kinds   []byte
}

// dumpSpec fixes table order and column order. Tables are written so that
// foreign-key targets precede their referrers on restore.
var dumpSpec = []tableSpec{
	{"objects", "id",
		[]string{"id", "refcount", "size", "compr_size"},
		[]byte{colInt, colInt, colInt, colInt}},
	{"blocks", "id",
		[]string{"id", "hash", "refcount", "size", "obj_id"},
		[]byte{colInt, colBlob, colInt, colInt, colInt}},
	{"inodes", "id",
		[]string{"id", "mode", "uid", "gid", "mtime", "atime", "ctime", "refcount", "size", "rdev", "locked"},
		[]byte{colInt, colInt, colInt, colInt, colInt, colInt, colInt, colInt, colInt, colInt, colInt}},
	{"inode_blocks", "inode, blockno",
		[]string{"inode", "blockno", "block_id"},
		[]byte{colInt, colInt, colInt}},
	{"symlink_targets", "inode",
		[]string{"inode", "target"},
		[]byte{colInt, colBlob}},
	{"names", "id",
		[]string{"id", "name", "refcount"},
		[]byte{colInt, colBlob, colInt}},
	{"contents", "rowid",
		[]string{"rowid", "name_id", "inode", "parent_inode"},
		[]byte{colInt, colInt, colInt, colInt}},
	{"ext_attributes", "inode, name_id",
		[]string{"inode", "name_id", "value"},
		[]byte{colInt, colInt, colBlob}},
}

func writeUvarint(w *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeVarint(w *bufio.Writer, v int64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeString(w *bufio.Writer, s string) error {
	if err := writeUvarint(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Dump serializes the entire database in the fixed table and column order.
// Integer columns are delta-encoded against the previous row in primary
// key order; blob columns are length-prefixed. The caller provides the
// (typically compressing) output stream.
func Dump(ctx context.Context, db *DB, out io.Writer) error {
	w := bufio.NewWriter(out)

	err := db.Read(ctx, func(tx *Tx) error {
		for _, spec := range dumpSpec {
			if err := dumpTable(tx, spec, w); err != nil {
				return fmt.Errorf("dumping table %s: %w", spec.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

func dumpTable(tx *Tx, spec tableSpec, w *bufio.Writer) error {
	if err := writeString(w, spec.name); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(len(spec.columns))); err != nil {
		return err
	}
	for _, c := range spec.columns {
		if err := writeString(w, c); err != nil {
			return err
		}
	}

	count, err := tx.GetInt64("SELECT COUNT(*) FROM " + spec.name)
	if err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(count)); err != nil {
		return err
	}

	// Integer columns are read through CAST so that columns the driver
	// would convert (such as the BOOLEAN locked flag) scan as integers.
	cols := ""
	for i, c := range spec.columns {
		if i > 0 {
			cols += ", "
		}
		if spec.kinds[i] == colInt {
			cols += "CAST(" + c + " AS INTEGER)"
		} else {
			cols += c
		}
	}
	rows, err := tx.Query(fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		cols, spec.name, spec.order))
	if err != nil {
		return err
	}
	defer rows.Close()

	prev := make([]int64, len(spec.columns))
	ints := make([]int64, len(spec.columns))
	blobs := make([][]byte, len(spec.columns))
	dest := make([]interface{}, len(spec.columns))

	for rows.Next() {
		for i, kind := range spec.kinds {
			if kind == colInt {
				dest[i] = &ints[i]
			} else {
				dest[i] = &blobs[i]
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		for i, kind := range spec.kinds {
			if kind == colInt {
				if err := writeVarint(w, ints[i]-prev[i]); err != nil {
					return err
				}
				prev[i] = ints[i]
			} else {
				if err := writeUvarint(w, uint64(len(blobs[i]))); err != nil {
					return err
				}
				if _, err := w.Write(blobs[i]); err != nil {
					return err
				}
			}
		}
	}
	return rows.Err()
}

// Restore rebuilds the database from a dump stream. The schema is created
// from scratch; refcounts are recomputed from the referring tables after
// the load so a dump from a crashed file system converges to a consistent
// state.
func Restore(ctx context.Context, db *DB, in io.Reader) error {
	r := bufio.NewReader(in)

	if err := CreateTables(ctx, db); err != nil {
		return err
	}

	err := db.Transaction(ctx, func(tx *Tx) error {
		for _, spec := range dumpSpec {
			if err := loadTable(tx, spec, r); err != nil {
				return fmt.Errorf("restoring table %s: %w", spec.name, err)
			}
		}
		return recomputeRefcounts(tx)
	})
	if err != nil {
		return err
	}

	return db.Read(ctx, func(tx *Tx) error {
		_, err := tx.Exec("ANALYZE")
		return err
	})
}

func loadTable(tx *Tx, spec tableSpec, r *bufio.Reader) error {
	name, err := readString(r)
	if err != nil {
		return err
	}
	if name != spec.name {
		return fmt.Errorf("expected table %q, found %q", spec.name, name)
	}
	ncols, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}
	if int(ncols) != len(spec.columns) {
		return fmt.Errorf("expected %d columns, found %d", len(spec.columns), ncols)
	}
	for _, want := range spec.columns {
		got, err := readString(r)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("expected column %q, found %q", want, got)
		}
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}

	cols, marks := "", ""
	for i, c := range spec.columns {
		if i > 0 {
			cols += ", "
			marks += ", "
		}
		cols += c
		marks += "?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", spec.name, cols, marks)

	prev := make([]int64, len(spec.columns))
	args := make([]interface{}, len(spec.columns))

	for n := uint64(0); n < count; n++ {
		for i, kind := range spec.kinds {
			if kind == colInt {
				d, err := binary.ReadVarint(r)
				if err != nil {
					return err
				}
				prev[i] += d
				args[i] = prev[i]
			} else {
				blen, err := binary.ReadUvarint(r)
				if err != nil {
					return err
				}
				buf := make([]byte, blen)
				if _, err := io.ReadFull(r, buf); err != nil {
					return err
				}
				args[i] = buf
			}
		}
		if _, err := tx.Exec(insert, args...); err != nil {
			return err
		}
	}
	return nil
}

func recomputeRefcounts(tx *Tx) error {
	stmts := []string{
		"UPDATE objects SET refcount = " +
			"(SELECT COUNT(*) FROM blocks WHERE obj_id = objects.id)",
		"UPDATE blocks SET refcount = " +
			"(SELECT COUNT(*) FROM inode_blocks WHERE block_id = blocks.id)",
		fmt.Sprintf("UPDATE inodes SET refcount = "+
			"(SELECT COUNT(*) FROM contents WHERE inode = inodes.id) "+
			"WHERE id > %d AND mode & %d != %d", CtrlInode, modeTypeMask, modeDir),
		fmt.Sprintf("UPDATE inodes SET refcount = "+
			"(SELECT COUNT(*) FROM contents c JOIN inodes ci ON ci.id = c.inode "+
			"WHERE c.parent_inode = inodes.id AND ci.mode & %d = %d) + 1 "+
			"WHERE mode & %d = %d", modeTypeMask, modeDir, modeTypeMask, modeDir),
		"UPDATE names SET refcount = " +
			"(SELECT COUNT(*) FROM contents WHERE name_id = names.id) + " +
			"(SELECT COUNT(*) FROM ext_attributes WHERE name_id = names.id)",
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
