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

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	vfs "github.com/vaultfs/vaultfs/internal/fs"
	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/util"
)

var statfsCmd = &cobra.Command{
	Use:   "statfs <mountpoint>",
	Short: "Print file system statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatfs(args[0])
	},
}

func init() {
	rootCmd.AddCommand(statfsCmd)
}

func runStatfs(mountPoint string) error {
	ctrl, err := util.FindControlFile(mountPoint, meta.CtrlName)
	if err != nil {
		return err
	}

	buf := make([]byte, 128)
	n, err := unix.Getxattr(ctrl, vfs.CtrlStat, buf)
	if err != nil {
		return util.Quietf("reading statistics from %s: %v", ctrl, err)
	}

	entries, objects, inodes, fsSize, dedupSize, comprSize, dbSize, err :=
		vfs.DecodeExtStat(buf[:n])
	if err != nil {
		return err
	}

	p := func(label string, v int64) {
		fmt.Printf("%-28s %d\n", label+":", v)
	}
	p("Directory entries", entries)
	p("Inodes", inodes)
	p("Data objects", objects)
	fmt.Printf("%-28s %d bytes (%.2f MiB)\n", "Total data size:", fsSize,
		float64(fsSize)/(1<<20))
	fmt.Printf("%-28s %d bytes (%.2f MiB)\n", "After deduplication:", dedupSize,
		float64(dedupSize)/(1<<20))
	fmt.Printf("%-28s %d bytes (%.2f MiB)\n", "After compression:", comprSize,
		float64(comprSize)/(1<<20))
	fmt.Printf("%-28s %d bytes (%.2f MiB)\n", "Database size:", dbSize,
		float64(dbSize)/(1<<20))
	if fsSize > 0 {
		fmt.Printf("%-28s %.1f%%\n", "Space saved:",
			100*(1-float64(comprSize)/float64(fsSize)))
	}
	return nil
}
