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

package mem

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/storage"
)

func TestStoreFetch(t *testing.T) {
	b := New()
	ctx := context.Background()

	meta := storage.Metadata{"compression": "none", "n": int64(7)}
	require.NoError(t, b.Store(ctx, "data_1", []byte("hello"), meta))

	data, gotMeta, err := b.Fetch(ctx, "data_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, meta, gotMeta)

	_, _, err = b.Fetch(ctx, "data_2")
	assert.True(t, storage.IsNoSuchObject(err))
}

func TestListOrderAndStartAfter(t *testing.T) {
	b := New()
	ctx := context.Background()
	for _, k := range []string{"data_3", "data_1", "data_2", "meta"} {
		require.NoError(t, b.Store(ctx, k, nil, nil))
	}

	var keys []string
	it := b.List(ctx, "data_", "data_1")
	for {
		k, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"data_2", "data_3"}, keys)
}

func TestDeleteForce(t *testing.T) {
	b := New()
	ctx := context.Background()

	err := b.Delete(ctx, "nope", false)
	assert.True(t, storage.IsNoSuchObject(err))
	assert.NoError(t, b.Delete(ctx, "nope", true))
}

func TestDeleteMultiMutatesKeys(t *testing.T) {
	b := New()
	ctx := context.Background()
	boom := errors.New("boom")
	require.NoError(t, b.Store(ctx, "a", nil, nil))
	require.NoError(t, b.Store(ctx, "c", nil, nil))
	b.Hook = func(op, key string) error {
		if op == "Delete" && key == "b" {
			return boom
		}
		return nil
	}

	keys := []string{"a", "b", "c"}
	err := storage.DeleteMulti(ctx, b, &keys, true)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"b", "c"}, keys)

	b.Hook = nil
	keys = []string{"b", "c"}
	require.NoError(t, storage.DeleteMulti(ctx, b, &keys, true))
	assert.Empty(t, keys)
	assert.Equal(t, 0, b.Len())
}

func TestCopyPreservesMetadata(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, "src", []byte("x"), storage.Metadata{"k": "v"}))

	require.NoError(t, b.Copy(ctx, "src", "dst", nil))
	_, meta, err := b.Fetch(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, "v", meta.GetString("k"))

	require.NoError(t, b.Copy(ctx, "src", "dst2", storage.Metadata{"k": "w"}))
	_, meta, err = b.Fetch(ctx, "dst2")
	require.NoError(t, err)
	assert.Equal(t, "w", meta.GetString("k"))
}

func TestRenameFallsBackToCopyDelete(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, "src", []byte("x"), nil))

	require.NoError(t, storage.Rename(ctx, b, "src", "dst", nil))
	ok, err := storage.Contains(ctx, b, "src")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = storage.Contains(ctx, b, "dst")
	require.NoError(t, err)
	assert.True(t, ok)
}
