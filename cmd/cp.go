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
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	vfs "github.com/vaultfs/vaultfs/internal/fs"
	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/util"
)

var cpCmd = &cobra.Command{
	Use:   "cp <source> <target>",
	Short: "Replicate a directory tree without copying data",
	Long: `Duplicates the source tree by copying metadata only: the new tree
shares all data blocks with the old one, so the copy completes in seconds
and consumes no backend space. Both trees must be on the same vaultfs
mount.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCp(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(cpCmd)
}

func runCp(src string, dst string) error {
	src, err := util.GetResolvedPath(src)
	if err != nil {
		return util.Quietf("%s does not exist", src)
	}
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return util.Quietf("%s is not a directory", src)
	}

	if _, err := os.Lstat(dst); err == nil {
		return util.Quietf("%s exists already", dst)
	}
	if err := os.Mkdir(dst, 0700); err != nil {
		return err
	}
	dst, err = util.GetResolvedPath(dst)
	if err != nil {
		return err
	}

	ctrl, err := util.FindControlFile(src, meta.CtrlName)
	if err != nil {
		return err
	}
	ctrl2, err := util.FindControlFile(dst, meta.CtrlName)
	if err != nil {
		return err
	}
	if ctrl != ctrl2 {
		return util.Quietf("source and target are not on the same vaultfs mount")
	}

	var srcSt, dstSt unix.Stat_t
	if err := unix.Stat(src, &srcSt); err != nil {
		return err
	}
	if err := unix.Stat(dst, &dstSt); err != nil {
		return err
	}

	value := vfs.EncodeTreeOp(int64(srcSt.Ino), int64(dstSt.Ino))
	if err := unix.Setxattr(ctrl, vfs.CtrlCopy, value, 0); err != nil {
		return util.Quietf("replicating tree: %v", err)
	}
	return nil
}
