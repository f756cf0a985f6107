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

// Package mem provides an in-memory backend for tests. It supports fault
// injection through a per-operation hook. Stored objects are visible
// immediately; no consistency delay is simulated.
package mem

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/vaultfs/vaultfs/internal/storage"
)

type object struct {
	data []byte
	meta storage.Metadata
}

// Backend is an in-memory storage.Backend.
type Backend struct {
	mu      sync.Mutex
	objects map[string]object

	// Hook, if non-nil, is called at the start of every operation with the
	// operation name and key ("" for List/Clear). A non-nil return is
	// surfaced as the operation's error.
	Hook func(op string, key string) error

	// TempErrors marks additional error values as temporary.
	TempErrors []error
}

var _ storage.Backend = (*Backend)(nil)

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{objects: make(map[string]object)}
}

func (b *Backend) hook(op, key string) error {
	if b.Hook != nil {
		return b.Hook(op, key)
	}
	return nil
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Keys returns all keys in sorted order.
func (b *Backend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Backend) Fetch(ctx context.Context, key string) ([]byte, storage.Metadata, error) {
	if err := b.hook("Fetch", key); err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	if !ok {
		return nil, nil, &storage.NoSuchObject{Key: key}
	}
	return append([]byte(nil), o.data...), o.meta.Clone(), nil
}

func (b *Backend) Store(ctx context.Context, key string, data []byte, meta storage.Metadata) error {
	if err := b.hook("Store", key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = object{data: append([]byte(nil), data...), meta: meta.Clone()}
	return nil
}

type readHandle struct {
	*bytes.Reader
	meta storage.Metadata
}

func (rh *readHandle) Close() error               { return nil }
func (rh *readHandle) Metadata() storage.Metadata { return rh.meta }

func (b *Backend) OpenRead(ctx context.Context, key string) (storage.ReadHandle, error) {
	data, meta, err := b.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return &readHandle{Reader: bytes.NewReader(data), meta: meta}, nil
}

type writeHandle struct {
	buf     bytes.Buffer
	key     string
	meta    storage.Metadata
	backend *Backend
	size    int64
	closed  bool
}

func (wh *writeHandle) Write(p []byte) (int, error) {
	return wh.buf.Write(p)
}

func (wh *writeHandle) Close() error {
	if wh.closed {
		return nil
	}
	wh.closed = true
	wh.size = int64(wh.buf.Len())
	return wh.backend.Store(context.Background(), wh.key, wh.buf.Bytes(), wh.meta)
}

func (wh *writeHandle) ObjectSize() int64 { return wh.size }

func (b *Backend) OpenWrite(ctx context.Context, key string, meta storage.Metadata, isCompressed bool) (storage.WriteHandle, error) {
	if err := b.hook("OpenWrite", key); err != nil {
		return nil, err
	}
	return &writeHandle{key: key, meta: meta, backend: b}, nil
}

func (b *Backend) Lookup(ctx context.Context, key string) (storage.Metadata, error) {
	if err := b.hook("Lookup", key); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	if !ok {
		return nil, &storage.NoSuchObject{Key: key}
	}
	return o.meta.Clone(), nil
}

func (b *Backend) GetSize(ctx context.Context, key string) (int64, error) {
	if err := b.hook("GetSize", key); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	if !ok {
		return 0, &storage.NoSuchObject{Key: key}
	}
	return int64(len(o.data)), nil
}

type keyIterator struct {
	backend *Backend
	keys    []string
	pos     int
}

func (it *keyIterator) Next() (string, error) {
	if err := it.backend.hook("List", ""); err != nil {
		return "", err
	}
	if it.pos >= len(it.keys) {
		return "", io.EOF
	}
	k := it.keys[it.pos]
	it.pos++
	return k, nil
}

func (b *Backend) List(ctx context.Context, prefix string, startAfter string) storage.KeyIterator {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && k > startAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &keyIterator{backend: b, keys: keys}
}

func (b *Backend) Delete(ctx context.Context, key string, force bool) error {
	if err := b.hook("Delete", key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; !ok {
		if force {
			return nil
		}
		return &storage.NoSuchObject{Key: key}
	}
	delete(b.objects, key)
	return nil
}

func (b *Backend) Copy(ctx context.Context, src string, dst string, meta storage.Metadata) error {
	if err := b.hook("Copy", src); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[src]
	if !ok {
		return &storage.NoSuchObject{Key: src}
	}
	if meta == nil {
		meta = o.meta
	}
	b.objects[dst] = object{data: append([]byte(nil), o.data...), meta: meta.Clone()}
	return nil
}

func (b *Backend) UpdateMeta(ctx context.Context, key string, meta storage.Metadata) error {
	if err := b.hook("UpdateMeta", key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	if !ok {
		return &storage.NoSuchObject{Key: key}
	}
	o.meta = meta.Clone()
	b.objects[key] = o
	return nil
}

func (b *Backend) Clear(ctx context.Context) error {
	if err := b.hook("Clear", ""); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects = make(map[string]object)
	return nil
}

func (b *Backend) IsTempFailure(err error) bool {
	for _, te := range b.TempErrors {
		if err == te {
			return true
		}
	}
	return false
}

func (b *Backend) HasNativeRename() bool        { return false }
func (b *Backend) IsGetConsistent() bool        { return true }
func (b *Backend) IsListCreateConsistent() bool { return true }
func (b *Backend) Close() error                 { return nil }
