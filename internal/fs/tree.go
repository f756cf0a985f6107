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
	"syscall"

	"github.com/vaultfs/vaultfs/internal/blockcache"
	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/internal/meta"
)

////////////////////////////////////////////////////////////////////////
// Tree lock
////////////////////////////////////////////////////////////////////////

// lockTree marks the subtree rooted at id immutable. The tree is walked one
// whole directory at a time; a transaction keeps taking directories until
// it has processed more than treeChunkSize entries, then commits and yields
// the global lock. A single directory is always handled in one transaction,
// however many entries it holds.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) lockTree(ctx context.Context, id int64) error {
	logger.Debugf("lockTree(%d): start", id)

	queue := []int64{id}
	for len(queue) > 0 {
		processed := 0
		err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
			for len(queue) > 0 && processed <= treeChunkSize {
				cur := queue[len(queue)-1]
				queue = queue[:len(queue)-1]

				in, err := fs.inodes.Get(tx, cur)
				if err != nil {
					return err
				}
				in.Locked = true
				fs.inodes.MarkDirty(cur)
				processed++

				ents, err := meta.ReadDir(tx, cur, 0, int(meta.MaxInodeID))
				if err != nil {
					return err
				}
				for _, e := range ents {
					if e.Mode&0170000 == 0040000 {
						queue = append(queue, e.Inode)
					} else {
						in, err := fs.inodes.Get(tx, e.Inode)
						if err != nil {
							return err
						}
						in.Locked = true
						fs.inodes.MarkDirty(e.Inode)
						processed++
					}
				}
			}
			return fs.inodes.Flush(tx)
		})
		if err != nil {
			return err
		}
		fs.yieldLock()
	}

	logger.Debugf("lockTree(%d): end", id)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Tree remove
////////////////////////////////////////////////////////////////////////

// removeTree recursively removes the entry name under parent. Entries are
// processed in chunks of treeChunkSize with the global lock yielded in
// between, so concurrent handlers progress.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) removeTree(ctx context.Context, parent int64, name string) error {
	logger.Debugf("removeTree(%d, %s): start", parent, name)

	var rootID int64
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		parentInode, err := fs.inodes.Get(tx, parent)
		if err != nil {
			return err
		}
		if parentInode.Locked {
			return syscall.EPERM
		}
		rootID, err = meta.LookupEntry(tx, parent, []byte(name))
		if meta.IsNoRow(err) {
			return syscall.ENOENT
		}
		return err
	})
	if err != nil {
		return err
	}

	queue := []int64{rootID}
	for len(queue) > 0 {
		processed := 0
		for len(queue) > 0 && processed < treeChunkSize {
			dir := queue[len(queue)-1]

			var ents []meta.Dirent
			err := fs.db.Read(ctx, func(tx *meta.Tx) error {
				var err error
				ents, err = meta.ReadDir(tx, dir, 0, 250)
				return err
			})
			if err != nil {
				return err
			}
			if len(ents) == 0 {
				queue = queue[:len(queue)-1]
				continue
			}

			foundSubdir := false
			for _, e := range ents {
				if processed >= treeChunkSize {
					break
				}
				hasChildren := false
				if e.Mode&0170000 == 0040000 {
					err := fs.db.Read(ctx, func(tx *meta.Tx) error {
						var err error
						hasChildren, err = meta.HasChildren(tx, e.Inode)
						return err
					})
					if err != nil {
						return err
					}
				}
				if hasChildren {
					queue = append(queue, e.Inode)
					foundSubdir = true
				} else {
					if err := fs.removeEntry(ctx, dir, string(e.Name), true); err != nil {
						return err
					}
					processed++
				}
			}
			if foundSubdir {
				break
			}
		}
		fs.yieldLock()
	}

	logger.Debugf("removeTree(%d, %s): end", parent, name)
	return fs.removeEntry(ctx, parent, name, true)
}

////////////////////////////////////////////////////////////////////////
// Fast tree copy
////////////////////////////////////////////////////////////////////////

// copyTree replicates the subtree rooted at srcID below dstID by creating
// new inode rows and new block mappings that point at the existing block
// rows. No data travels through the cache or the network.
//
// The replica grows under an invisible temporary inode and becomes visible
// in one final transaction, after every source block that was in transit
// has finished uploading, so the new tree is readable from the backend
// immediately.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) copyTree(ctx context.Context, srcID int64, dstID int64) error {
	logger.Debugf("copyTree(%d, %d): start", srcID, dstID)

	// Make sure every dirty block has a committed block row first.
	fs.mu.Unlock()
	err := fs.cache.FlushAll(ctx)
	fs.mu.Lock()
	if err != nil {
		return err
	}

	now := fs.now()

	// Replicate into a dummy inode first.
	var tmp *meta.Inode
	err = fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		src, err := fs.inodes.Get(tx, srcID)
		if err != nil {
			return err
		}
		dst, err := fs.inodes.Get(tx, dstID)
		if err != nil {
			return err
		}
		dst.Mode = src.Mode
		dst.UID = src.UID
		dst.GID = src.GID
		dst.Atime = src.Atime
		dst.Mtime = src.Mtime
		dst.Ctime = src.Ctime
		fs.inodes.MarkDirty(dstID)

		tmp, err = fs.inodes.Create(tx, &meta.Inode{
			Mode:     0040000,
			Mtime:    now,
			Atime:    now,
			Ctime:    now,
			Refcount: 1,
		})
		return err
	})
	if err != nil {
		return err
	}

	type pair struct{ src, dst int64 }
	queue := []pair{{srcID, tmp.ID}}
	idCache := make(map[int64]int64)
	transit := make(map[blockcache.Key]struct{})

	for len(queue) > 0 {
		processed := 0
		err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
			for len(queue) > 0 && processed <= treeChunkSize {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]

				n, newPairs, err := fs.copyDir(tx, p.src, p.dst, idCache, transit)
				if err != nil {
					return err
				}
				processed += n
				for _, np := range newPairs {
					queue = append(queue, pair(np))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		fs.yieldLock()
	}

	// Wait for in-flight uploads of replicated source blocks; until they
	// finish, the copied block mappings point at objects that may not yet
	// exist in the backend.
	if len(transit) > 0 {
		keys := make([]blockcache.Key, 0, len(transit))
		for k := range transit {
			keys = append(keys, k)
		}
		fs.mu.Unlock()
		fs.cache.WaitForTransit(keys)
		fs.mu.Lock()
	}

	// Make the replica visible.
	err = fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		if _, err := tx.Exec("UPDATE contents SET parent_inode=? WHERE parent_inode=?",
			dstID, tmp.ID); err != nil {
			return err
		}
		dst, err := fs.inodes.Get(tx, dstID)
		if err != nil {
			return err
		}
		tmpIn, err := fs.inodes.Get(tx, tmp.ID)
		if err != nil {
			return err
		}
		// The dummy accumulated one refcount per copied child directory.
		dst.Refcount += tmpIn.Refcount - 1
		fs.inodes.MarkDirty(dstID)
		return fs.inodes.Drop(tx, tmp.ID)
	})
	if err != nil {
		return err
	}

	logger.Debugf("copyTree(%d, %d): end", srcID, dstID)
	return nil
}

// copyDir replicates the direct entries of src under dst. Returns the
// number of entries processed and the subdirectory pairs still to do.
func (fs *fileSystem) copyDir(
	tx *meta.Tx,
	src int64,
	dst int64,
	idCache map[int64]int64,
	transit map[blockcache.Key]struct{}) (int, []struct{ src, dst int64 }, error) {
	var pairs []struct{ src, dst int64 }

	ents, err := meta.ReadDir(tx, src, 0, int(meta.MaxInodeID))
	if err != nil {
		return 0, nil, err
	}

	dstInode, err := fs.inodes.Get(tx, dst)
	if err != nil {
		return 0, nil, err
	}

	for _, e := range ents {
		var newID int64
		if cached, ok := idCache[e.Inode]; ok {
			newID = cached
			in, err := fs.inodes.Get(tx, newID)
			if err != nil {
				return 0, nil, err
			}
			in.Refcount++
			fs.inodes.MarkDirty(newID)
		} else {
			srcInode, err := fs.inodes.Get(tx, e.Inode)
			if err != nil {
				return 0, nil, err
			}
			newInode, err := fs.inodes.Create(tx, &meta.Inode{
				Mode:     srcInode.Mode,
				UID:      srcInode.UID,
				GID:      srcInode.GID,
				Mtime:    srcInode.Mtime,
				Atime:    srcInode.Atime,
				Ctime:    srcInode.Ctime,
				Refcount: 1,
				Size:     srcInode.Size,
				Rdev:     srcInode.Rdev,
			})
			if err != nil {
				return 0, nil, err
			}
			newID = newInode.ID

			if srcInode.IsSymlink() {
				target, err := meta.GetSymlinkTarget(tx, e.Inode)
				if err != nil {
					return 0, nil, err
				}
				if err := meta.SetSymlinkTarget(tx, newID, target); err != nil {
					return 0, nil, err
				}
			}

			blocknos, blockIDs, _, err := meta.InodeBlocks(tx, e.Inode)
			if err != nil {
				return 0, nil, err
			}
			for i, bn := range blocknos {
				if err := meta.SetInodeBlock(tx, newID, bn, blockIDs[i]); err != nil {
					return 0, nil, err
				}
				if err := meta.IncBlockRef(tx, blockIDs[i]); err != nil {
					return 0, nil, err
				}
				k := blockcache.Key{Inode: e.Inode, BlockNo: bn}
				if fs.cache.InTransit(k) {
					transit[k] = struct{}{}
				}
			}

			if srcInode.Refcount > 1 {
				idCache[e.Inode] = newID
			}
			if srcInode.IsDir() {
				pairs = append(pairs, struct{ src, dst int64 }{e.Inode, newID})
			}
		}

		if err := meta.AddEntry(tx, dst, e.Name, newID); err != nil {
			return 0, nil, err
		}
		if e.Mode&0170000 == 0040000 {
			dstInode.Refcount++
			fs.inodes.MarkDirty(dst)
		}
	}
	return len(ents), pairs, nil
}
