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

// Package storage defines the object store abstraction consumed by the rest
// of the file system, the error taxonomy shared by all drivers, and the
// retry decorator. Concrete drivers live in the subpackages local, s3 and
// mem.
package storage

import (
	"context"
	"io"
)

// A Backend provides typed object I/O against one file system's prefix in a
// remote store.
//
// All methods may be called concurrently. Unless stated otherwise, methods
// do NOT retry on temporary failure; wrap a driver with Retrying for that.
type Backend interface {
	// Fetch returns the data and metadata stored under key. Raises
	// *NoSuchObject if the key does not exist.
	Fetch(ctx context.Context, key string) (data []byte, meta Metadata, err error)

	// Store stores data under key, overwriting any previous object.
	Store(ctx context.Context, key string, data []byte, meta Metadata) (err error)

	// OpenRead opens the object for streaming reads. The handle's Metadata
	// method is valid immediately after the open returns.
	OpenRead(ctx context.Context, key string) (rh ReadHandle, err error)

	// OpenWrite opens the object for streaming writes. The object becomes
	// visible only after a successful Close. isCompressed indicates that the
	// caller writes already-compressed data, so the driver must not compress
	// again on the wire.
	OpenWrite(ctx context.Context, key string, meta Metadata, isCompressed bool) (wh WriteHandle, err error)

	// Lookup returns the metadata stored with key. Raises *NoSuchObject if
	// the key does not exist.
	Lookup(ctx context.Context, key string) (meta Metadata, err error)

	// GetSize returns the size of the stored object (which may differ from
	// the size of the data written through the codec).
	GetSize(ctx context.Context, key string) (size int64, err error)

	// List returns keys with the given prefix, in lexicographic order,
	// strictly greater than startAfter. The sequence is lazy; errors are
	// reported by the iterator.
	List(ctx context.Context, prefix string, startAfter string) KeyIterator

	// Delete removes the object stored under key. If force is set, deleting
	// a missing object is not an error. Note that even without force a
	// driver is not guaranteed to report deletion of a missing object.
	Delete(ctx context.Context, key string, force bool) (err error)

	// Copy copies src to dst without transferring data through the caller.
	// A nil meta preserves the source metadata.
	Copy(ctx context.Context, src string, dst string, meta Metadata) (err error)

	// UpdateMeta replaces the metadata of key.
	UpdateMeta(ctx context.Context, key string, meta Metadata) (err error)

	// Clear deletes every object under this backend's prefix.
	Clear(ctx context.Context) (err error)

	// IsTempFailure reports whether err indicates a temporary problem for
	// which the operation should be retried.
	IsTempFailure(err error) bool

	// Capability flags.
	HasNativeRename() bool
	IsGetConsistent() bool
	IsListCreateConsistent() bool

	// Close releases network resources. The backend may be reused after
	// Close, in which case resources are allocated again transparently.
	Close() error
}

// A ReadHandle streams one object's payload.
type ReadHandle interface {
	io.ReadCloser

	// Metadata returns the object's stored metadata.
	Metadata() Metadata
}

// A WriteHandle streams one object's payload. The object is not visible
// until Close returns successfully.
type WriteHandle interface {
	io.WriteCloser

	// ObjectSize returns the size of the stored object. Valid after Close.
	ObjectSize() int64
}

// A KeyIterator yields object keys. Next returns io.EOF after the last key.
type KeyIterator interface {
	Next() (key string, err error)
}

// Rename renames src to dst, preserving metadata if meta is nil. Drivers
// without a native rename fall back to copy followed by delete.
func Rename(ctx context.Context, b Backend, src string, dst string, meta Metadata) error {
	type renamer interface {
		Rename(ctx context.Context, src, dst string, meta Metadata) error
	}

	if b.HasNativeRename() {
		if r, ok := b.(renamer); ok {
			return r.Rename(ctx, src, dst, meta)
		}
	}

	if err := b.Copy(ctx, src, dst, meta); err != nil {
		return err
	}
	return b.Delete(ctx, src, false)
}

// DeleteMulti deletes the given objects. Deleted keys are removed from
// *keys, so that on error the caller can see which objects have not yet
// been processed.
func DeleteMulti(ctx context.Context, b Backend, keys *[]string, force bool) error {
	pending := *keys
	for len(pending) > 0 {
		if err := b.Delete(ctx, pending[0], force); err != nil {
			*keys = pending
			return err
		}
		pending = pending[1:]
	}
	*keys = pending
	return nil
}

// Contains reports whether the backend has an object stored under key.
func Contains(ctx context.Context, b Backend, key string) (bool, error) {
	_, err := b.Lookup(ctx, key)
	if err == nil {
		return true, nil
	}
	if IsNoSuchObject(err) {
		return false, nil
	}
	return false, err
}
