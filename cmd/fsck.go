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
	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/util"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <storage-url>",
	Short: "Check and repair a file system",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return util.Quietf("the file system checker ships as the separate " +
			"vaultfs-fsck tool; install and run that instead")
	},
}

func init() {
	rootCmd.AddCommand(fsckCmd)
}
