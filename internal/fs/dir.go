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
	"os"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/vaultfs/vaultfs/internal/meta"
)

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		var id int64
		if op.Parent == fuseops.RootInodeID && op.Name == meta.CtrlName {
			id = meta.CtrlInode
		} else {
			var err error
			id, err = meta.LookupEntry(tx, int64(op.Parent), []byte(op.Name))
			if meta.IsNoRow(err) {
				return syscall.ENOENT
			}
			if err != nil {
				return err
			}
		}

		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		op.Entry.Child = fuseops.InodeID(in.ID)
		op.Entry.Attributes = attrs(in)
		return nil
	})
	return fs.errno(err)
}

// createInode allocates a new inode linked as name under parent. Used by
// all entry-creating operations.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) createInode(
	ctx context.Context,
	parent int64,
	name string,
	mode uint32,
	target []byte,
	uid uint32,
	gid uint32) (*meta.Inode, error) {
	if name == meta.CtrlName {
		return nil, syscall.EACCES
	}

	now := fs.now()
	var in *meta.Inode

	err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		parentInode, err := fs.inodes.Get(tx, parent)
		if err != nil {
			return err
		}
		if parentInode.Locked {
			return syscall.EPERM
		}
		if parentInode.Refcount == 0 {
			// Entry creation in an unlinked directory.
			return syscall.EINVAL
		}

		if _, err := meta.LookupEntry(tx, parent, []byte(name)); err == nil {
			return syscall.EEXIST
		} else if !meta.IsNoRow(err) {
			return err
		}

		in, err = fs.inodes.Create(tx, &meta.Inode{
			Mode:     mode,
			UID:      uid,
			GID:      gid,
			Mtime:    now,
			Atime:    now,
			Ctime:    now,
			Refcount: 1,
		})
		if err != nil {
			return err
		}
		if target != nil {
			if err := meta.SetSymlinkTarget(tx, in.ID, target); err != nil {
				return err
			}
		}
		if err := meta.AddEntry(tx, parent, []byte(name), in.ID); err != nil {
			return err
		}
		if in.Mode&0170000 == 0040000 {
			// New subdirectory: account for its conceptual parent link.
			parentInode.Refcount++
		}
		parentInode.Mtime = now
		parentInode.Ctime = now
		fs.inodes.MarkDirty(parent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.createInode(ctx, int64(op.Parent), op.Name,
		toSysMode(op.Mode|os.ModeDir), nil, fs.uid, fs.gid)
	if err != nil {
		return fs.errno(err)
	}
	op.Entry.Child = fuseops.InodeID(in.ID)
	op.Entry.Attributes = attrs(in)
	return nil
}

func (fs *fileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.createInode(ctx, int64(op.Parent), op.Name,
		toSysMode(op.Mode), nil, fs.uid, fs.gid)
	if err != nil {
		return fs.errno(err)
	}
	op.Entry.Child = fuseops.InodeID(in.ID)
	op.Entry.Attributes = attrs(in)
	return nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.createInode(ctx, int64(op.Parent), op.Name,
		toSysMode(op.Mode), nil, fs.uid, fs.gid)
	if err != nil {
		return fs.errno(err)
	}
	fs.openInodes[in.ID]++
	op.Entry.Child = fuseops.InodeID(in.ID)
	op.Entry.Attributes = attrs(in)
	op.Handle = fuseops.HandleID(in.ID)
	return nil
}

func (fs *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.createInode(ctx, int64(op.Parent), op.Name,
		toSysMode(os.ModeSymlink|0777), []byte(op.Target), fs.uid, fs.gid)
	if err != nil {
		return fs.errno(err)
	}
	op.Entry.Child = fuseops.InodeID(in.ID)
	op.Entry.Attributes = attrs(in)
	return nil
}

func (fs *fileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if op.Name == meta.CtrlName || int64(op.Target) == meta.CtrlInode {
		return syscall.EACCES
	}

	now := fs.now()
	err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		parent, err := fs.inodes.Get(tx, int64(op.Parent))
		if err != nil {
			return err
		}
		if parent.Locked {
			return syscall.EPERM
		}
		if parent.Refcount == 0 {
			return syscall.EINVAL
		}

		in, err := fs.inodes.Get(tx, int64(op.Target))
		if err != nil {
			return err
		}
		if in.IsDir() {
			// Hard links to directories are refused.
			return syscall.EINVAL
		}

		if _, err := meta.LookupEntry(tx, int64(op.Parent), []byte(op.Name)); err == nil {
			return syscall.EEXIST
		} else if !meta.IsNoRow(err) {
			return err
		}

		if err := meta.AddEntry(tx, int64(op.Parent), []byte(op.Name), in.ID); err != nil {
			return err
		}
		in.Refcount++
		in.Ctime = now
		fs.inodes.MarkDirty(in.ID)
		parent.Mtime = now
		parent.Ctime = now
		fs.inodes.MarkDirty(parent.ID)

		op.Entry.Child = fuseops.InodeID(in.ID)
		op.Entry.Attributes = attrs(in)
		return nil
	})
	return fs.errno(err)
}

func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		target, err := meta.GetSymlinkTarget(tx, int64(op.Inode))
		if err != nil {
			return err
		}
		op.Target = string(target)

		in, err := fs.inodes.Get(tx, int64(op.Inode))
		if err != nil {
			return err
		}
		if in.Atime < in.Ctime || in.Atime < in.Mtime {
			in.Atime = fs.now()
			fs.inodes.MarkDirty(in.ID)
		}
		return nil
	})
	return fs.errno(err)
}

////////////////////////////////////////////////////////////////////////
// Unlink / rmdir
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		id, err := meta.LookupEntry(tx, int64(op.Parent), []byte(op.Name))
		if meta.IsNoRow(err) {
			return syscall.ENOENT
		}
		if err != nil {
			return err
		}
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		if in.IsDir() {
			return syscall.EISDIR
		}
		return nil
	})
	if err != nil {
		return fs.errno(err)
	}
	return fs.errno(fs.removeEntry(ctx, int64(op.Parent), op.Name, false))
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		id, err := meta.LookupEntry(tx, int64(op.Parent), []byte(op.Name))
		if meta.IsNoRow(err) {
			return syscall.ENOENT
		}
		if err != nil {
			return err
		}
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		if !in.IsDir() {
			return syscall.ENOTDIR
		}
		return nil
	})
	if err != nil {
		return fs.errno(err)
	}
	return fs.errno(fs.removeEntry(ctx, int64(op.Parent), op.Name, false))
}

// removeEntry unlinks name from parent and destroys the target inode if
// this was the last link and no handler holds it open. With force set the
// locked attribute is ignored.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) removeEntry(ctx context.Context, parent int64, name string, force bool) error {
	now := fs.now()
	var destroy bool
	var id, size int64
	var isDir bool

	err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		destroy = false

		var err error
		id, err = meta.LookupEntry(tx, parent, []byte(name))
		if meta.IsNoRow(err) {
			return syscall.ENOENT
		}
		if err != nil {
			return err
		}

		if ok, err := meta.HasChildren(tx, id); err != nil {
			return err
		} else if ok {
			return syscall.ENOTEMPTY
		}

		parentInode, err := fs.inodes.Get(tx, parent)
		if err != nil {
			return err
		}
		if parentInode.Locked && !force {
			return syscall.EPERM
		}

		if err := meta.RemoveEntry(tx, parent, []byte(name)); err != nil {
			return err
		}

		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		isDir = in.IsDir()
		in.Refcount--
		in.Ctime = now
		fs.inodes.MarkDirty(id)
		size = in.Size

		parentInode.Mtime = now
		parentInode.Ctime = now
		if isDir {
			parentInode.Refcount--
		}
		fs.inodes.MarkDirty(parent)

		if in.Refcount == 0 && fs.openInodes[id] == 0 {
			destroy = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !destroy {
		return nil
	}
	return fs.destroyInode(ctx, id, size)
}

// destroyInode removes the inode's blocks and row. Backend deletions
// happen with the global lock released.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) destroyInode(ctx context.Context, id int64, size int64) error {
	fs.mu.Unlock()
	err := fs.cache.Remove(ctx, id, 0)
	fs.mu.Lock()
	if err != nil {
		return err
	}
	return fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		return fs.inodes.Drop(tx, id)
	})
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if op.OldName == meta.CtrlName || op.NewName == meta.CtrlName {
		return syscall.EACCES
	}

	now := fs.now()
	var destroy bool
	var destroyID, destroySize int64

	err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		destroy = false

		oldParent, err := fs.inodes.Get(tx, int64(op.OldParent))
		if err != nil {
			return err
		}
		newParent, err := fs.inodes.Get(tx, int64(op.NewParent))
		if err != nil {
			return err
		}
		if oldParent.Locked || newParent.Locked {
			return syscall.EPERM
		}

		srcID, err := meta.LookupEntry(tx, int64(op.OldParent), []byte(op.OldName))
		if meta.IsNoRow(err) {
			return syscall.ENOENT
		}
		if err != nil {
			return err
		}
		src, err := fs.inodes.Get(tx, srcID)
		if err != nil {
			return err
		}

		dstID, err := meta.LookupEntry(tx, int64(op.NewParent), []byte(op.NewName))
		switch {
		case meta.IsNoRow(err):
			// Plain rename.
			if err := meta.MoveEntry(tx, int64(op.OldParent), []byte(op.OldName),
				int64(op.NewParent), []byte(op.NewName)); err != nil {
				return err
			}
			if src.IsDir() && op.OldParent != op.NewParent {
				oldParent.Refcount--
				newParent.Refcount++
			}

		case err == nil:
			// Rename over an existing entry.
			dst, err := fs.inodes.Get(tx, dstID)
			if err != nil {
				return err
			}
			if ok, err := meta.HasChildren(tx, dstID); err != nil {
				return err
			} else if ok {
				return syscall.ENOTEMPTY
			}

			if err := meta.SetEntryTarget(tx, int64(op.NewParent), []byte(op.NewName), srcID); err != nil {
				return err
			}
			if err := meta.RemoveEntry(tx, int64(op.OldParent), []byte(op.OldName)); err != nil {
				return err
			}
			if src.IsDir() && op.OldParent != op.NewParent {
				oldParent.Refcount--
				newParent.Refcount++
			}
			if dst.IsDir() {
				newParent.Refcount--
			}

			dst.Refcount--
			dst.Ctime = now
			fs.inodes.MarkDirty(dstID)
			if dst.Refcount == 0 && fs.openInodes[dstID] == 0 {
				destroy = true
				destroyID = dstID
				destroySize = dst.Size
			}

		default:
			return err
		}

		src.Ctime = now
		fs.inodes.MarkDirty(srcID)
		oldParent.Mtime, oldParent.Ctime = now, now
		newParent.Mtime, newParent.Ctime = now, now
		fs.inodes.MarkDirty(oldParent.ID)
		fs.inodes.MarkDirty(newParent.ID)
		return nil
	})
	if err != nil {
		return fs.errno(err)
	}

	if destroy {
		if err := fs.destroyInode(ctx, destroyID, destroySize); err != nil {
			return fs.errno(err)
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory reading
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, int64(op.Inode))
		if err != nil {
			return err
		}
		if !in.IsDir() {
			return syscall.ENOTDIR
		}
		return nil
	})
	if err != nil {
		return fs.errno(err)
	}
	op.Handle = fuseops.HandleID(op.Inode)
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, int64(op.Inode))
		if err != nil {
			return err
		}
		if in.Atime < in.Ctime || in.Atime < in.Mtime {
			in.Atime = fs.now()
			fs.inodes.MarkDirty(in.ID)
		}

		// The offset is the contents.rowid cursor of the previous entry, so
		// each entry is returned exactly once even across cache drops.
		cursor := int64(op.Offset)
		for {
			ents, err := meta.ReadDir(tx, int64(op.Inode), cursor, 128)
			if err != nil {
				return err
			}
			if len(ents) == 0 {
				return nil
			}
			for _, e := range ents {
				dt := fuseutil.DT_File
				switch e.Mode & 0170000 {
				case 0040000:
					dt = fuseutil.DT_Directory
				case 0120000:
					dt = fuseutil.DT_Link
				case 0010000:
					dt = fuseutil.DT_FIFO
				case 0140000:
					dt = fuseutil.DT_Socket
				case 0020000:
					dt = fuseutil.DT_Char
				case 0060000:
					dt = fuseutil.DT_Block
				}
				n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
					Offset: fuseops.DirOffset(e.RowID),
					Inode:  fuseops.InodeID(e.Inode),
					Name:   string(e.Name),
					Type:   dt,
				})
				if n == 0 {
					return nil
				}
				op.BytesRead += n
				cursor = e.RowID
			}
		}
	})
	return fs.errno(err)
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}
