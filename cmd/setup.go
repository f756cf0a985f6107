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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/vaultfs/vaultfs/internal/codec"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/storage/local"
	"github.com/vaultfs/vaultfs/internal/storage/s3"
	"github.com/vaultfs/vaultfs/internal/util"
)

// openBackend opens the raw driver for the storage URL and wraps it with
// the retry decorator. Supported: s3:// URLs, local:// URLs and plain
// directory paths.
func openBackend(storageURL string, auth *util.AuthInfo) (storage.Backend, error) {
	var driver storage.Backend
	var err error

	switch {
	case strings.HasPrefix(storageURL, "s3://"):
		bucket, prefix, perr := s3.ParseURL(storageURL)
		if perr != nil {
			return nil, util.Quietf("%v", perr)
		}
		driver, err = s3.New(s3.Config{
			Bucket:   bucket,
			Prefix:   prefix,
			Region:   globalCfg.Backend.S3Region,
			Endpoint: globalCfg.Backend.S3Endpoint,
			SSE:      globalCfg.Backend.S3SSE,
			Login:    auth.Login,
			Password: auth.Password,
		})

	case strings.HasPrefix(storageURL, "local://"):
		driver, err = local.New(strings.TrimPrefix(storageURL, "local://"))

	case strings.HasPrefix(storageURL, "/") || strings.HasPrefix(storageURL, "."):
		driver, err = local.New(storageURL)

	default:
		return nil, util.Quietf("unsupported storage URL: %s", storageURL)
	}

	if err != nil {
		var dangling *storage.DanglingStorageURL
		var authErr *storage.AuthenticationError
		var authzErr *storage.AuthorizationError
		switch {
		case asErr(err, &dangling):
			return nil, &util.QuietError{Msg: dangling.Error(), ExitCode: 16}
		case asErr(err, &authErr):
			return nil, &util.QuietError{Msg: authErr.Error(), ExitCode: 14}
		case asErr(err, &authzErr):
			return nil, &util.QuietError{Msg: authzErr.Error(), ExitCode: 15}
		}
		return nil, err
	}
	return storage.Retrying(driver), nil
}

func asErr[T error](err error, target *T) bool {
	return errors.As(err, target)
}

// getPassphrase returns the file system passphrase: from the auth file if
// present, otherwise prompted from the terminal.
func getPassphrase(auth *util.AuthInfo, confirm bool) ([]byte, error) {
	if auth.FsPassphrase != "" {
		return []byte(auth.FsPassphrase), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, util.Quietf("no terminal available to prompt for the passphrase; " +
			"add fs-passphrase to the auth file")
	}

	fmt.Fprint(os.Stderr, "Enter passphrase: ")
	p1, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return p1, nil
	}

	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	p2, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if string(p1) != string(p2) {
		return nil, util.Quietf("passphrases do not match")
	}
	return p1, nil
}

// openCodec loads the master key (prompting if needed) and builds the
// codec layer over the retrying backend.
func openCodec(ctx context.Context, b storage.Backend, auth *util.AuthInfo, compression codec.Algorithm) (*codec.Backend, []byte, error) {
	var master []byte
	var err error

	encrypted, err := storage.Contains(ctx, b, codec.PassphraseObject)
	if err != nil {
		return nil, nil, err
	}
	if encrypted {
		passphrase, perr := getPassphrase(auth, false)
		if perr != nil {
			return nil, nil, perr
		}
		master, err = codec.LoadMasterKey(ctx, b, passphrase)
		if err != nil {
			var ae *storage.AuthenticationError
			if asErr(err, &ae) {
				return nil, nil, &util.QuietError{Msg: ae.Error(), ExitCode: 14}
			}
			return nil, nil, err
		}
	}

	return codec.Wrap(b, codec.Config{
		Compression: compression,
		MasterKey:   master,
	}), master, nil
}

// cachePaths resolves the local cache locations for a storage URL.
type cachePaths struct {
	dbPath     string
	paramsPath string
	blockDir   string
}

func getCachePaths(storageURL string) (*cachePaths, error) {
	base, err := util.CacheBase(globalCfg.CacheDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, err
	}
	prefix := util.CachePathFor(base, storageURL)
	return &cachePaths{
		dbPath:     prefix + ".db",
		paramsPath: prefix + ".params",
		blockDir:   prefix + "-cache",
	}, nil
}

// ensureBlockDir creates (or empties nothing of) the block cache dir.
func (cp *cachePaths) ensureBlockDir() error {
	return os.MkdirAll(cp.blockDir, 0700)
}

// wipe removes all local cache state for the URL.
func (cp *cachePaths) wipe() {
	os.Remove(cp.dbPath)
	os.Remove(cp.paramsPath)
	os.RemoveAll(cp.blockDir)
}
