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

package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/internal/storage"
)

// Backend object namespace. All keys are relative to the file system's
// storage prefix.
const (
	DataKeyPrefix  = "data_"
	MetadataKey    = "metadata"
	MetadataBakFmt = "metadata_bak_%d"
	SeqNoPrefix    = "seq_no_"
	DirtyKey       = "dirty"

	// MetadataBackups is the number of rotated metadata generations kept in
	// the backend.
	MetadataBackups = 10
)

// DataKey returns the backend key of a data object.
func DataKey(objID int64) string {
	return fmt.Sprintf("%s%d", DataKeyPrefix, objID)
}

// GetSeqNo determines the current metadata sequence number: the largest N
// for which seq_no_<N> exists. Listing may be stale on an
// eventually-consistent store, so existence is verified with lookups in
// both directions. Sequence objects more than MetadataBackups generations
// behind are deleted opportunistically.
func GetSeqNo(ctx context.Context, b storage.Backend) (int64, error) {
	var seqNos []int64
	it := b.List(ctx, SeqNoPrefix, "")
	for {
		key, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(key, SeqNoPrefix), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed sequence object %q", key)
		}
		seqNos = append(seqNos, n)
	}
	if len(seqNos) == 0 {
		// The list result may be outdated; probe from 1.
		seqNos = []int64{1}
	}

	seqNo := seqNos[0]
	for _, n := range seqNos {
		if n > seqNo {
			seqNo = n
		}
	}

	for {
		ok, err := storage.Contains(ctx, b, seqNoKey(seqNo))
		if err != nil {
			return 0, err
		}
		if ok {
			break
		}
		seqNo--
		if seqNo == 0 {
			return 0, ErrNoFilesystem
		}
	}
	for {
		ok, err := storage.Contains(ctx, b, seqNoKey(seqNo+1))
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		seqNo++
	}

	for _, n := range seqNos {
		if n < seqNo-MetadataBackups {
			if err := b.Delete(ctx, seqNoKey(n), true); err != nil {
				logger.Warnf("Deleting stale sequence object %d: %v", n, err)
			}
		}
	}

	return seqNo, nil
}

// ErrNoFilesystem is returned when the storage prefix holds no file
// system.
var ErrNoFilesystem = fmt.Errorf("no file system found at storage URL")

func seqNoKey(n int64) string {
	return fmt.Sprintf("%s%d", SeqNoPrefix, n)
}

// StoreSeqNo publishes a new metadata generation by writing the empty
// sentinel object.
func StoreSeqNo(ctx context.Context, b storage.Backend, n int64) error {
	return b.Store(ctx, seqNoKey(n), []byte{}, storage.Metadata{})
}

// CycleMetadata rotates the remote metadata backups: bak_9 -> bak_10, ...,
// metadata -> bak_0. Missing generations are skipped.
func CycleMetadata(ctx context.Context, b storage.Backend) error {
	for i := MetadataBackups - 1; i >= 0; i-- {
		src := fmt.Sprintf(MetadataBakFmt, i)
		dst := fmt.Sprintf(MetadataBakFmt, i+1)
		err := b.Copy(ctx, src, dst, nil)
		if err != nil && !storage.IsNoSuchObject(err) {
			return err
		}
	}
	err := b.Copy(ctx, MetadataKey, fmt.Sprintf(MetadataBakFmt, 0), nil)
	if err != nil && !storage.IsNoSuchObject(err) {
		return err
	}
	return nil
}

// UploadMetadata dumps the database to the metadata object and publishes
// the new sequence number. The previous generation is rotated first. The
// supplied backend must already carry the codec layer; the dump travels
// through it like any other object payload. The file system parameters
// ride along as object metadata so that a fresh host can learn them.
func UploadMetadata(ctx context.Context, b storage.Backend, db *DB, p *Params) error {
	logger.Info("Backing up old metadata...")
	if err := CycleMetadata(ctx, b); err != nil {
		return fmt.Errorf("rotating metadata backups: %w", err)
	}

	logger.Info("Dumping and uploading metadata...")
	wh, err := b.OpenWrite(ctx, MetadataKey, storage.Metadata{
		"seq_no":     p.SeqNo,
		"block_size": p.BlockSize,
		"revision":   int64(p.FormatVersion),
		"label":      p.Label,
	}, false)
	if err != nil {
		return err
	}
	if err := Dump(ctx, db, wh); err != nil {
		wh.Close()
		return fmt.Errorf("dumping metadata: %w", err)
	}
	if err := wh.Close(); err != nil {
		return fmt.Errorf("uploading metadata: %w", err)
	}

	if err := StoreSeqNo(ctx, b, p.SeqNo); err != nil {
		return fmt.Errorf("publishing sequence number: %w", err)
	}
	return nil
}

// FetchRemoteParams reads the file system parameters recorded on the
// metadata object.
func FetchRemoteParams(ctx context.Context, b storage.Backend) (*Params, error) {
	m, err := b.Lookup(ctx, MetadataKey)
	if err != nil {
		return nil, err
	}
	return &Params{
		FormatVersion: int(m.GetInt("revision")),
		SeqNo:         m.GetInt("seq_no"),
		BlockSize:     m.GetInt("block_size"),
		Label:         m.GetString("label"),
	}, nil
}

// DownloadMetadata fetches the metadata object (or the named backup) and
// restores it into a fresh database at dbPath.
func DownloadMetadata(ctx context.Context, b storage.Backend, dbPath string, key string) (*DB, error) {
	if key == "" {
		key = MetadataKey
	}
	logger.Infof("Downloading and decompressing metadata from %q...", key)

	rh, err := b.OpenRead(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rh.Close()

	os.Remove(dbPath)
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := Restore(ctx, db, rh); err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("restoring metadata: %w", err)
	}
	return db, nil
}

// SetDirty records the mount state in the backend. "yes" while mounted,
// "no" after a clean unmount.
func SetDirty(ctx context.Context, b storage.Backend, dirty bool) error {
	val := "no"
	if dirty {
		val = "yes"
	}
	return b.Store(ctx, DirtyKey, []byte(val), storage.Metadata{})
}

// IsDirty reports the recorded mount state. A missing object counts as
// clean (fresh file system).
func IsDirty(ctx context.Context, b storage.Backend) (bool, error) {
	data, _, err := b.Fetch(ctx, DirtyKey)
	if storage.IsNoSuchObject(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(data) == "yes", nil
}

////////////////////////////////////////////////////////////////////////
// Local cache parameters
////////////////////////////////////////////////////////////////////////

// Params is the sidecar record describing the locally cached database.
type Params struct {
	FormatVersion int    `json:"format_version"`
	SeqNo         int64  `json:"seq_no"`
	BlockSize     int64  `json:"block_size"`
	Compression   string `json:"compression"`
	Encrypted     bool   `json:"encrypted"`
	NeedsFsck     bool   `json:"needs_fsck"`
	CleanShutdown bool   `json:"clean_shutdown"`
	Label         string `json:"label,omitempty"`
}

// LoadParams reads the sidecar. Returns os.ErrNotExist if there is no
// local cache.
func LoadParams(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &Params{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	return p, nil
}

// SaveParams writes the sidecar atomically.
func SaveParams(path string, p *Params) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
