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

// A deduplicating, encrypting file system for object stores.
//
// Usage:
//
//	vaultfs <command> [flags] ...
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vaultfs/vaultfs/cfg"
	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/internal/util"
)

var (
	cfgFile     string
	bindErr     error
	globalCfg   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "vaultfs",
	Short: "Mount object store buckets as deduplicating, encrypting file systems",
	Long: `vaultfs stores a POSIX file system in an object store bucket. File
contents are split into blocks, deduplicated by content hash, compressed,
encrypted and uploaded as objects; metadata lives in an embedded database
that is itself persisted as one object.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if cfgFile != "" {
			resolved, err := util.GetResolvedPath(cfgFile)
			if err != nil {
				return fmt.Errorf("resolving config file path: %w", err)
			}
			viper.SetConfigFile(resolved)
			viper.SetConfigType("yaml")
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		}
		if err := viper.Unmarshal(&globalCfg); err != nil {
			return err
		}

		severity := globalCfg.LogSeverity
		if globalCfg.Quiet {
			severity = "warning"
		}
		return logger.Init(logger.Config{
			FilePath:   globalCfg.LogFile,
			Format:     globalCfg.LogFormat,
			Severity:   severity,
			MaxSizeMB:  100,
			MaxBackups: 5,
		})
	},
}

// Execute runs the CLI. Errors of type util.QuietError print only their
// message; anything else gets the full treatment.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if qe, ok := util.IsQuiet(err); ok {
		fmt.Fprintln(os.Stderr, qe.Msg)
		code := qe.ExitCode
		if code == 0 {
			code = 1
		}
		os.Exit(code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}
