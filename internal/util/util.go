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

// Package util carries small helpers shared by the CLI front-ends.
package util

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// A QuietError carries a message for the user about a usage problem.
// The top-level exception hook prints only the message, no stack trace.
type QuietError struct {
	Msg string

	// ExitCode for the process; 1 if zero.
	ExitCode int
}

func (e *QuietError) Error() string { return e.Msg }

// Quietf builds a QuietError.
func Quietf(format string, v ...interface{}) error {
	return &QuietError{Msg: fmt.Sprintf(format, v...)}
}

// IsQuiet extracts a QuietError from err.
func IsQuiet(err error) (*QuietError, bool) {
	var qe *QuietError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// GetResolvedPath makes p absolute with symlinks resolved. Important when
// daemonizing, since the daemon changes its working directory.
func GetResolvedPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// CacheBase returns the per-user cache directory root, honoring an
// override.
func CacheBase(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vaultfs"), nil
}

// CachePathFor maps a storage URL onto its cache path prefix below base.
// The URL is escaped so it stays readable while being a safe file name;
// a short content hash disambiguates collisions.
func CachePathFor(base string, storageURL string) string {
	escaped := strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '@':
			return '_'
		}
		return r
	}, storageURL)
	sum := sha256.Sum256([]byte(storageURL))
	return filepath.Join(base, fmt.Sprintf("%s-%x", escaped, sum[:4]))
}

// AuthInfo is the per-URL credential record from the auth file.
type AuthInfo struct {
	Login        string
	Password     string
	FsPassphrase string
}

// ReadAuthInfo finds the credentials for storageURL in the ini-style auth
// file. Sections carry storage-url, backend-login, backend-password and
// fs-passphrase keys; the section whose storage-url is the longest prefix
// of the URL wins. A missing file yields empty credentials.
func ReadAuthInfo(path string, storageURL string) (*AuthInfo, error) {
	out := &AuthInfo{}
	if path == "" {
		return out, nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	if fi.Mode().Perm()&0077 != 0 {
		return nil, Quietf("%s has insecure permissions %v, refusing to use it",
			path, fi.Mode().Perm())
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	bestLen := -1
	for _, sec := range f.Sections() {
		url := sec.Key("storage-url").String()
		if url == "" || !strings.HasPrefix(storageURL, url) {
			continue
		}
		if len(url) > bestLen {
			bestLen = len(url)
			out.Login = sec.Key("backend-login").String()
			out.Password = sec.Key("backend-password").String()
			out.FsPassphrase = sec.Key("fs-passphrase").String()
		}
	}
	return out, nil
}

// FindControlFile walks upward from p until it finds the mount's control
// file.
func FindControlFile(p string, ctrlName string) (string, error) {
	dir, err := GetResolvedPath(p)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		dir = filepath.Dir(dir)
	}
	for {
		candidate := filepath.Join(dir, ctrlName)
		if _, err := os.Lstat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", Quietf("%s does not appear to be inside a vaultfs mount point", p)
		}
		dir = parent
	}
}
