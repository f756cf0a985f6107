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

	"github.com/jacobsa/fuse/fuseops"

	"github.com/vaultfs/vaultfs/internal/blockcache"
	"github.com/vaultfs/vaultfs/internal/meta"
)

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Locked inodes stay openable for reading; writes are refused per
	// operation.
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		_, err := fs.inodes.Get(tx, int64(op.Inode))
		return err
	})
	if err != nil {
		return fs.errno(err)
	}

	fs.openInodes[int64(op.Inode)]++
	// The handle is just the inode id; all real state is in the caches.
	op.Handle = fuseops.HandleID(op.Inode)
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := int64(op.Inode)
	var size int64
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		size = in.Size
		if in.Atime < in.Ctime || in.Atime < in.Mtime {
			in.Atime = fs.now()
			fs.inodes.MarkDirty(id)
		}
		return nil
	})
	if err != nil {
		return fs.errno(err)
	}

	if op.Offset >= size {
		return nil // EOF
	}
	want := int64(len(op.Dst))
	if op.Offset+want > size {
		want = size - op.Offset
	}

	// Copy block by block. A missing inode_blocks row reads as zeros; the
	// cache entry handles short blocks the same way.
	var done int64
	for done < want {
		off := op.Offset + done
		blockno := off / fs.blockSize
		blockOff := off % fs.blockSize
		n := fs.blockSize - blockOff
		if n > want-done {
			n = want - done
		}
		buf := op.Dst[done : done+n]

		err := fs.cache.With(ctx, id, blockno, func(e *blockcache.Entry) error {
			_, err := e.ReadAt(buf, blockOff)
			return err
		})
		if err != nil {
			return fs.errno(err)
		}
		done += n
	}
	op.BytesRead = int(done)
	return nil
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := int64(op.Inode)

	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		if in.Locked {
			return syscall.EPERM
		}
		return nil
	})
	if err != nil {
		return fs.errno(err)
	}

	total := int64(len(op.Data))
	var done int64
	for done < total {
		off := op.Offset + done
		blockno := off / fs.blockSize
		blockOff := off % fs.blockSize
		n := fs.blockSize - blockOff
		if n > total-done {
			n = total - done
		}
		buf := op.Data[done : done+n]

		err := fs.cache.With(ctx, id, blockno, func(e *blockcache.Entry) error {
			_, err := e.WriteAt(buf, blockOff)
			return err
		})
		if err != nil {
			return fs.errno(err)
		}
		done += n
	}

	err = fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, id)
		if err != nil {
			return err
		}
		if end := op.Offset + total; end > in.Size {
			in.Size = end
		}
		now := fs.now()
		in.Mtime = now
		in.Ctime = now
		fs.inodes.MarkDirty(id)
		return nil
	})
	return fs.errno(err)
}

func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.errno(fs.flushInode(ctx, int64(op.Inode)))
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.errno(fs.flushInode(ctx, int64(op.Inode)))
}

// flushInode persists the inode's attributes and uploads its dirty blocks.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) flushInode(ctx context.Context, id int64) error {
	err := fs.db.Transaction(ctx, func(tx *meta.Tx) error {
		return fs.inodes.FlushID(tx, id)
	})
	if err != nil {
		return err
	}

	// Block uploads happen without the global lock.
	fs.mu.Unlock()
	err = fs.cache.Flush(ctx, id)
	fs.mu.Lock()
	return err
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := int64(op.Handle)
	fs.openInodes[id]--
	if fs.openInodes[id] > 0 {
		return nil
	}
	delete(fs.openInodes, id)

	// If the inode was removed while open, it is destroyed on this, the
	// last release.
	var destroy bool
	var size int64
	err := fs.db.Read(ctx, func(tx *meta.Tx) error {
		in, err := fs.inodes.Get(tx, id)
		if meta.IsNoRow(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if in.Refcount == 0 {
			destroy = true
			size = in.Size
		}
		return nil
	})
	if err != nil {
		return fs.errno(err)
	}
	if destroy {
		return fs.errno(fs.destroyInode(ctx, id, size))
	}
	return nil
}
