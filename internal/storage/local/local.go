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

// Package local implements the backend against a local directory. Every
// object is one file holding a small header, the serialized metadata and
// the payload. Mainly useful for testing and benchmarking.
package local

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vaultfs/vaultfs/internal/storage"
)

var magic = []byte("vaultfs-object1\n")

// Backend stores objects as files under a directory.
type Backend struct {
	dir string
}

var _ storage.Backend = (*Backend)(nil)

// New opens the directory-backed store rooted at dir. The directory must
// already exist.
func New(dir string) (*Backend, error) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, &storage.DanglingStorageURL{URL: dir}
	}
	return &Backend{dir: dir}, nil
}

// escape makes a key safe for use as a file name. '/' and a few dangerous
// characters are replaced by '=' followed by two hex digits.
func escape(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '/' || c == '=' || c == 0 || c == '.' && i == 0 {
			fmt.Fprintf(&sb, "=%02x", c)
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func unescape(name string) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '=' {
			sb.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("malformed escape in file name %q", name)
		}
		var v byte
		if _, err := fmt.Sscanf(name[i+1:i+3], "%02x", &v); err != nil {
			return "", fmt.Errorf("malformed escape in file name %q", name)
		}
		sb.WriteByte(v)
		i += 2
	}
	return sb.String(), nil
}

func (b *Backend) path(key string) string {
	return filepath.Join(b.dir, escape(key))
}

// readHeader consumes the magic and metadata block, leaving the reader
// positioned at the payload.
func readHeader(f io.Reader, key string) (storage.Metadata, error) {
	buf := make([]byte, len(magic))
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, &storage.ChecksumError{Msg: fmt.Sprintf("object %q: truncated header", key)}
	}
	if string(buf) != string(magic) {
		return nil, &storage.ChecksumError{Msg: fmt.Sprintf("object %q: bad magic", key)}
	}
	var metaLen uint32
	if err := binary.Read(f, binary.BigEndian, &metaLen); err != nil {
		return nil, &storage.ChecksumError{Msg: fmt.Sprintf("object %q: truncated header", key)}
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(f, metaBuf); err != nil {
		return nil, &storage.ChecksumError{Msg: fmt.Sprintf("object %q: truncated metadata", key)}
	}
	meta, err := storage.DecodeMetadata(metaBuf)
	if err != nil {
		return nil, &storage.ChecksumError{Msg: fmt.Sprintf("object %q: %v", key, err)}
	}
	return meta, nil
}

func writeHeader(f io.Writer, meta storage.Metadata) error {
	wire, err := meta.Encode()
	if err != nil {
		return err
	}
	if _, err := f.Write(magic); err != nil {
		return err
	}
	if err := binary.Write(f, binary.BigEndian, uint32(len(wire))); err != nil {
		return err
	}
	_, err = f.Write(wire)
	return err
}

func (b *Backend) Fetch(ctx context.Context, key string) ([]byte, storage.Metadata, error) {
	rh, err := b.OpenRead(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer rh.Close()
	data, err := io.ReadAll(rh)
	if err != nil {
		return nil, nil, err
	}
	return data, rh.Metadata(), nil
}

func (b *Backend) Store(ctx context.Context, key string, data []byte, meta storage.Metadata) error {
	wh, err := b.OpenWrite(ctx, key, meta, false)
	if err != nil {
		return err
	}
	if _, err := wh.Write(data); err != nil {
		wh.Close()
		return err
	}
	return wh.Close()
}

type readHandle struct {
	f    *os.File
	meta storage.Metadata
}

func (rh *readHandle) Read(p []byte) (int, error)  { return rh.f.Read(p) }
func (rh *readHandle) Close() error                { return rh.f.Close() }
func (rh *readHandle) Metadata() storage.Metadata  { return rh.meta }

func (b *Backend) OpenRead(ctx context.Context, key string) (storage.ReadHandle, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &storage.NoSuchObject{Key: key}
		}
		return nil, err
	}
	meta, err := readHeader(f, key)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &readHandle{f: f, meta: meta}, nil
}

type writeHandle struct {
	f       *os.File
	tmpPath string
	dstPath string
	size    int64
	failed  bool
}

func (wh *writeHandle) Write(p []byte) (int, error) {
	n, err := wh.f.Write(p)
	if err != nil {
		wh.failed = true
	}
	return n, err
}

func (wh *writeHandle) Close() error {
	if err := wh.f.Close(); err != nil {
		wh.failed = true
	}
	if wh.failed {
		os.Remove(wh.tmpPath)
		return errors.New("object write failed, not published")
	}
	fi, err := os.Stat(wh.tmpPath)
	if err != nil {
		return err
	}
	wh.size = fi.Size()
	return os.Rename(wh.tmpPath, wh.dstPath)
}

func (wh *writeHandle) ObjectSize() int64 { return wh.size }

func (b *Backend) OpenWrite(ctx context.Context, key string, meta storage.Metadata, isCompressed bool) (storage.WriteHandle, error) {
	dst := b.path(key)
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	if err := writeHeader(f, meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	return &writeHandle{f: f, tmpPath: tmp, dstPath: dst}, nil
}

func (b *Backend) Lookup(ctx context.Context, key string) (storage.Metadata, error) {
	rh, err := b.OpenRead(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rh.Close()
	return rh.Metadata(), nil
}

func (b *Backend) GetSize(ctx context.Context, key string) (int64, error) {
	fi, err := os.Stat(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &storage.NoSuchObject{Key: key}
		}
		return 0, err
	}
	return fi.Size(), nil
}

type keyIterator struct {
	keys []string
	pos  int
	err  error
}

func (it *keyIterator) Next() (string, error) {
	if it.err != nil {
		return "", it.err
	}
	if it.pos >= len(it.keys) {
		return "", io.EOF
	}
	k := it.keys[it.pos]
	it.pos++
	return k, nil
}

func (b *Backend) List(ctx context.Context, prefix string, startAfter string) storage.KeyIterator {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return &keyIterator{err: err}
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		key, err := unescape(e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) && key > startAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return &keyIterator{keys: keys}
}

func (b *Backend) Delete(ctx context.Context, key string, force bool) error {
	err := os.Remove(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		if force {
			return nil
		}
		return &storage.NoSuchObject{Key: key}
	}
	return err
}

func (b *Backend) Copy(ctx context.Context, src string, dst string, meta storage.Metadata) error {
	data, srcMeta, err := b.Fetch(ctx, src)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = srcMeta
	}
	return b.Store(ctx, dst, data, meta)
}

func (b *Backend) UpdateMeta(ctx context.Context, key string, meta storage.Metadata) error {
	data, _, err := b.Fetch(ctx, key)
	if err != nil {
		return err
	}
	return b.Store(ctx, key, data, meta)
}

func (b *Backend) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) IsTempFailure(err error) bool { return false }

func (b *Backend) HasNativeRename() bool { return true }

// Rename implements the native rename used by storage.Rename.
func (b *Backend) Rename(ctx context.Context, src string, dst string, meta storage.Metadata) error {
	if meta != nil {
		if err := b.UpdateMeta(ctx, src, meta); err != nil {
			return err
		}
	}
	err := os.Rename(b.path(src), b.path(dst))
	if errors.Is(err, os.ErrNotExist) {
		return &storage.NoSuchObject{Key: src}
	}
	return err
}

func (b *Backend) IsGetConsistent() bool        { return true }
func (b *Backend) IsListCreateConsistent() bool { return true }
func (b *Backend) Close() error                 { return nil }
