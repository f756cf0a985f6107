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
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	vfs "github.com/vaultfs/vaultfs/internal/fs"
	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/util"
)

var umountFlags struct {
	lazy bool
}

var umountCmd = &cobra.Command{
	Use:   "umount <mountpoint>",
	Short: "Cleanly unmount a file system",
	Long: `Unmounts the file system and waits until the mount process has
uploaded all pending data and metadata.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUmount(args[0])
	},
}

func init() {
	umountCmd.Flags().BoolVar(&umountFlags.lazy, "lazy", false,
		"Detach immediately without waiting for the upload to finish")
	rootCmd.AddCommand(umountCmd)
}

func runUmount(mountPoint string) error {
	mountPoint, err := util.GetResolvedPath(mountPoint)
	if err != nil {
		return util.Quietf("canonicalizing mount point: %v", err)
	}

	ctrl, err := util.FindControlFile(mountPoint, meta.CtrlName)
	if err != nil {
		return err
	}

	// Remember the mount process so we can wait for it to finish flushing.
	pid := 0
	var buf [32]byte
	if n, err := unix.Getxattr(ctrl, vfs.CtrlPid, buf[:]); err == nil {
		pid, _ = strconv.Atoi(string(buf[:n]))
	}

	if err := fuse.Unmount(mountPoint); err != nil {
		return util.Quietf("unmounting: %v", err)
	}

	if umountFlags.lazy || pid == 0 {
		return nil
	}

	// The kernel detached; the mount process is still uploading. Wait for
	// it to exit so that "umount && shutdown" is safe.
	for {
		if err := syscall.Kill(pid, 0); err != nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Println("File system unmounted.")
	return nil
}
