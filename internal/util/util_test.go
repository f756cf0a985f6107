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

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePathForDistinguishesURLs(t *testing.T) {
	a := CachePathFor("/base", "s3://bucket/prefix/")
	b := CachePathFor("/base", "s3://bucket/other/")
	assert.NotEqual(t, a, b)
	assert.True(t, filepath.IsAbs(a))
	assert.Equal(t, "/base", filepath.Dir(a))
}

func TestReadAuthInfoPicksLongestPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authinfo")
	content := `
[general]
storage-url: s3://
backend-login: general-login
backend-password: general-pw

[specific]
storage-url: s3://bucket/prefix/
backend-login: specific-login
backend-password: specific-pw
fs-passphrase: swordfish
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	auth, err := ReadAuthInfo(path, "s3://bucket/prefix/")
	require.NoError(t, err)
	assert.Equal(t, "specific-login", auth.Login)
	assert.Equal(t, "swordfish", auth.FsPassphrase)

	auth, err = ReadAuthInfo(path, "s3://elsewhere/")
	require.NoError(t, err)
	assert.Equal(t, "general-login", auth.Login)
	assert.Empty(t, auth.FsPassphrase)
}

func TestReadAuthInfoRejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authinfo")
	require.NoError(t, os.WriteFile(path, []byte("[a]\n"), 0644))

	_, err := ReadAuthInfo(path, "s3://x/")
	qe, ok := IsQuiet(err)
	require.True(t, ok)
	assert.Contains(t, qe.Msg, "insecure permissions")
}

func TestReadAuthInfoMissingFile(t *testing.T) {
	auth, err := ReadAuthInfo(filepath.Join(t.TempDir(), "nope"), "s3://x/")
	require.NoError(t, err)
	assert.Empty(t, auth.Login)
}

func TestFindControlFile(t *testing.T) {
	const ctrlName = ".__vaultfs__ctrl__"
	mount := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mount, ctrlName), nil, 0600))
	deep := filepath.Join(mount, "a", "b")
	require.NoError(t, os.MkdirAll(deep, 0755))

	got, err := FindControlFile(deep, ctrlName)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mount, ctrlName), got)

	_, err = FindControlFile(os.TempDir(), ctrlName)
	assert.Error(t, err)
}
