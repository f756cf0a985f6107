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

package local

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/storage"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestMissingDirectory(t *testing.T) {
	_, err := New("/does/not/exist")
	var dangling *storage.DanglingStorageURL
	assert.ErrorAs(t, err, &dangling)
}

func TestStoreFetchRoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	meta := storage.Metadata{
		"compression": "zlib",
		"nonce":       []byte{1, 2, 3},
		"seq":         int64(-12),
	}
	require.NoError(t, b.Store(ctx, "data_42", []byte("payload"), meta))

	data, gotMeta, err := b.Fetch(ctx, "data_42")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, meta, gotMeta)

	size, err := b.GetSize(ctx, "data_42")
	require.NoError(t, err)
	assert.Greater(t, size, int64(7), "stored size includes the header")
}

func TestKeyEscaping(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	keys := []string{"metadata_bak_0", "a/b/c", "weird=key", ".hidden"}
	for _, k := range keys {
		require.NoError(t, b.Store(ctx, k, []byte(k), nil))
	}
	for _, k := range keys {
		data, _, err := b.Fetch(ctx, k)
		require.NoError(t, err, "key %q did not round trip", k)
		assert.Equal(t, []byte(k), data)
	}

	var listed []string
	it := b.List(ctx, "", "")
	for {
		k, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		listed = append(listed, k)
	}
	assert.ElementsMatch(t, keys, listed)
}

func TestOpenWritePublishesOnCloseOnly(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	wh, err := b.OpenWrite(ctx, "k", storage.Metadata{}, false)
	require.NoError(t, err)
	_, err = wh.Write([]byte("half"))
	require.NoError(t, err)

	_, _, err = b.Fetch(ctx, "k")
	assert.True(t, storage.IsNoSuchObject(err), "object visible before Close")

	require.NoError(t, wh.Close())
	data, _, err := b.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("half"), data)
	assert.Equal(t, wh.ObjectSize(), mustSize(t, b, "k"))
}

func mustSize(t *testing.T, b *Backend, key string) int64 {
	t.Helper()
	n, err := b.GetSize(context.Background(), key)
	require.NoError(t, err)
	return n
}

func TestNativeRename(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	require.True(t, b.HasNativeRename())
	require.NoError(t, b.Store(ctx, "src", []byte("x"), nil))

	require.NoError(t, storage.Rename(ctx, b, "src", "dst", nil))
	_, _, err := b.Fetch(ctx, "src")
	assert.True(t, storage.IsNoSuchObject(err))
	data, _, err := b.Fetch(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestCorruptHeaderDetected(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, "k", []byte("x"), nil))

	// Clobber the magic.
	path := b.path("k")
	require.NoError(t, writeFirstByte(path, 'X'))

	_, _, err := b.Fetch(ctx, "k")
	var ce *storage.ChecksumError
	assert.ErrorAs(t, err, &ce)
}

func TestClear(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Store(ctx, k, nil, nil))
	}
	require.NoError(t, b.Clear(ctx))
	it := b.List(ctx, "", "")
	_, err := it.Next()
	assert.Equal(t, io.EOF, err)
}
