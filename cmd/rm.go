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
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	vfs "github.com/vaultfs/vaultfs/internal/fs"
	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/util"
)

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Recursively remove directory trees without traversal",
	Long: `Removes each given directory tree server-side through the control
file, which is much faster than a recursive client-side delete.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range args {
			if err := runRm(p); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

func runRm(path string) error {
	path, err := util.GetResolvedPath(path)
	if err != nil {
		return util.Quietf("%s does not exist", path)
	}

	parent := filepath.Dir(path)
	name := filepath.Base(path)

	ctrl, err := util.FindControlFile(parent, meta.CtrlName)
	if err != nil {
		return err
	}

	var st unix.Stat_t
	if err := unix.Stat(parent, &st); err != nil {
		return err
	}

	value := vfs.EncodeNameOp(int64(st.Ino), name)
	if err := unix.Setxattr(ctrl, vfs.CtrlRmTree, value, 0); err != nil {
		return util.Quietf("removing %s: %v", path, err)
	}
	return nil
}
