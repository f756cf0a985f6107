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
	"os/signal"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/codec"
	vfs "github.com/vaultfs/vaultfs/internal/fs"
	"github.com/vaultfs/vaultfs/internal/locker"
	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/util"
)

var mountFlags struct {
	foreground      bool
	allowOther      bool
	allowRoot       bool
	single          bool
	compress        string
	cacheSize       int64
	cacheEntries    int
	debugFuse       bool
	debugInvariants bool
}

var mountCmd = &cobra.Command{
	Use:   "mount <storage-url> <mountpoint>",
	Short: "Mount a file system",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(cmd.Context(), args[0], args[1])
	},
}

func init() {
	mountCmd.Flags().BoolVar(&mountFlags.foreground, "fg", false,
		"Stay in the foreground instead of daemonizing")
	mountCmd.Flags().BoolVar(&mountFlags.allowOther, "allow-other", false,
		"Allow access by all users")
	mountCmd.Flags().BoolVar(&mountFlags.allowRoot, "allow-root", false,
		"Allow access by root")
	mountCmd.Flags().BoolVar(&mountFlags.single, "single", false,
		"Accepted for compatibility; request handling is always serialized "+
			"by the file system lock")
	mountCmd.Flags().StringVar(&mountFlags.compress, "compress", "lzma",
		"Compression algorithm: none|zlib|bzip2|lzma")
	mountCmd.Flags().Int64Var(&mountFlags.cacheSize, "cachesize", 400<<20,
		"Block cache size in bytes")
	mountCmd.Flags().IntVar(&mountFlags.cacheEntries, "max-cache-entries", 0,
		"Maximum number of block cache entries")
	mountCmd.Flags().BoolVar(&mountFlags.debugFuse, "debug-fuse", false,
		"Log all FUSE traffic")
	mountCmd.Flags().BoolVar(&mountFlags.debugInvariants, "debug-invariants", false,
		"Use an invariant-checking mutex for the file system lock (its check function is empty)")
	rootCmd.AddCommand(mountCmd)
}

// The environment marker telling a re-executed child that it is the
// daemon.
const daemonEnvVar = "VAULTFS_DAEMONIZED"

func runMount(ctx context.Context, storageURL string, mountPoint string) error {
	mountPoint, err := util.GetResolvedPath(mountPoint)
	if err != nil {
		return util.Quietf("canonicalizing mount point: %v", err)
	}

	// Re-execute ourselves in the background unless --fg was given; the
	// child signals mount success or failure through the daemonize pipe.
	if !mountFlags.foreground && os.Getenv(daemonEnvVar) == "" {
		path, err := os.Executable()
		if err != nil {
			return err
		}
		env := append(os.Environ(), daemonEnvVar+"=1")
		err = daemonize.Run(path, os.Args[1:], env, os.Stdout, os.Stderr)
		if err != nil {
			return util.Quietf("mounting in background failed: %v", err)
		}
		return nil
	}

	err = mountAndServe(ctx, storageURL, mountPoint)
	if !mountFlags.foreground {
		if err == nil {
			daemonize.SignalOutcome(nil)
		} else {
			daemonize.SignalOutcome(err)
		}
	}
	return err
}

func mountAndServe(ctx context.Context, storageURL string, mountPoint string) error {
	if mountFlags.debugInvariants {
		locker.EnableInvariantsCheck()
	}

	compression, err := codec.ParseAlgorithm(mountFlags.compress)
	if err != nil {
		return util.Quietf("%v", err)
	}

	auth, err := util.ReadAuthInfo(globalCfg.AuthFile, storageURL)
	if err != nil {
		return err
	}
	backend, err := openBackend(storageURL, auth)
	if err != nil {
		return err
	}
	defer backend.Close()

	cdc, master, err := openCodec(ctx, backend, auth, compression)
	if err != nil {
		return err
	}

	cp, err := getCachePaths(storageURL)
	if err != nil {
		return err
	}
	if err := cp.ensureBlockDir(); err != nil {
		return err
	}

	metaCodec := codec.Wrap(backend, codec.Config{Compression: codec.Bzip2, MasterKey: master})

	db, params, err := setUpMetadata(ctx, backend, metaCodec, cp)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := meta.SetDirty(ctx, backend, true); err != nil {
		return err
	}

	srv, fuseServer, err := vfs.NewServer(&vfs.ServerConfig{
		Clock:        timeutil.RealClock(),
		Backend:      cdc,
		DB:           db,
		CacheDir:     cp.blockDir,
		BlockSize:    params.BlockSize,
		CacheSize:    mountFlags.cacheSize,
		CacheEntries: mountFlags.cacheEntries,
		Uid:          uint32(os.Getuid()),
		Gid:          uint32(os.Getgid()),
		Recover:      !params.CleanShutdown,
	})
	if err != nil {
		return err
	}

	mountCfg := &fuse.MountConfig{
		FSName:      "vaultfs",
		Subtype:     "vaultfs",
		VolumeName:  params.Label,
		ReadOnly:    false,
	}
	mountCfg.Options = map[string]string{}
	if mountFlags.allowOther {
		mountCfg.Options["allow_other"] = ""
	}
	if mountFlags.allowRoot {
		mountCfg.Options["allow_root"] = ""
	}
	if mountFlags.debugFuse {
		mountCfg.DebugLogger = logger.NewDebugLogger("fuse: ")
	}

	mfs, err := fuse.Mount(mountPoint, fuseServer, mountCfg)
	if err != nil {
		return util.Quietf("mounting file system: %v", err)
	}
	logger.Infof("File system mounted at %s", mountPoint)
	registerSIGINTHandler(mountPoint)

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("waiting for unmount: %w", err)
	}
	logger.Info("File system unmounted, flushing state...")

	if err := srv.Destroy(ctx); err != nil {
		return err
	}

	// The metadata generation was claimed when the mount started; the
	// upload publishes it.
	if err := meta.UploadMetadata(ctx, metaCodec, db, params); err != nil {
		return err
	}
	if !srv.Damaged() {
		if err := meta.SetDirty(ctx, backend, false); err != nil {
			return err
		}
		params.CleanShutdown = true
	} else {
		logger.Error("File system errors were encountered; run fsck")
		params.NeedsFsck = true
		params.CleanShutdown = false
	}
	return meta.SaveParams(cp.paramsPath, params)
}

// setUpMetadata reconciles the local database cache with the backend per
// the sequence number protocol and returns the database to mount.
func setUpMetadata(
	ctx context.Context,
	backend storage.Backend,
	metaCodec storage.Backend,
	cp *cachePaths) (*meta.DB, *meta.Params, error) {
	remoteSeq, err := meta.GetSeqNo(ctx, backend)
	if err != nil {
		if errors.Is(err, meta.ErrNoFilesystem) {
			return nil, nil, util.Quietf("no file system found; did you run mkfs?")
		}
		return nil, nil, err
	}

	params, perr := meta.LoadParams(cp.paramsPath)

	// Exactly one host may mount at a time. A dirty flag without a local
	// cache means another host is mounted (or crashed).
	dirty, err := meta.IsDirty(ctx, backend)
	if err != nil {
		return nil, nil, err
	}
	if dirty && (perr != nil || params.CleanShutdown) {
		return nil, nil, util.Quietf("file system is marked as mounted elsewhere; " +
			"unmount it there or run fsck")
	}

	useLocal := false
	switch {
	case perr == nil && params.NeedsFsck:
		return nil, nil, util.Quietf("file system damaged, run fsck first")
	case perr == nil && params.SeqNo > remoteSeq:
		// Local cache is newer than the backend (e.g. metadata upload was
		// interrupted); it is authoritative.
		logger.Warnf("Local metadata (seq %d) is newer than backend (seq %d), using local copy",
			params.SeqNo, remoteSeq)
		useLocal = true
	case perr == nil && params.SeqNo == remoteSeq && params.CleanShutdown:
		useLocal = true
	case perr == nil && params.SeqNo == remoteSeq:
		return nil, nil, util.Quietf("local metadata cache was not cleanly unmounted, run fsck first")
	case perr == nil:
		logger.Infof("Backend metadata (seq %d) is newer than local cache (seq %d), discarding cache",
			remoteSeq, params.SeqNo)
	}

	var db *meta.DB
	if useLocal {
		db, err = meta.Open(cp.dbPath)
		if err != nil {
			return nil, nil, err
		}
	} else {
		remoteParams, err := meta.FetchRemoteParams(ctx, metaCodec)
		if err != nil {
			return nil, nil, err
		}
		if params == nil || perr != nil {
			params = remoteParams
		} else {
			params.SeqNo = remoteSeq
			params.BlockSize = remoteParams.BlockSize
		}
		db, err = meta.DownloadMetadata(ctx, metaCodec, cp.dbPath, "")
		if err != nil {
			return nil, nil, err
		}
	}

	// Claim the next generation so concurrent mounts notice each other.
	params.SeqNo = max64(params.SeqNo, remoteSeq) + 1
	if err := meta.StoreSeqNo(ctx, backend, params.SeqNo); err != nil {
		db.Close()
		return nil, nil, err
	}
	params.CleanShutdown = false
	if err := meta.SaveParams(cp.paramsPath, params); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, params, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for {
			<-signalChan
			logger.Info("Received SIGINT, attempting to unmount...")
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("Failed to unmount in response to SIGINT: %v", err)
			} else {
				logger.Info("Successfully unmounted in response to SIGINT.")
				return
			}
		}
	}()
}
