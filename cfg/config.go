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

// Package cfg defines the configuration shared by all vaultfs commands and
// its binding to flags and the optional YAML config file.
package cfg

import (
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config carries the persistent options. Per-command flags live with their
// commands.
type Config struct {
	CacheDir    string  `mapstructure:"cache-dir"`
	AuthFile    string  `mapstructure:"auth-file"`
	LogFile     string  `mapstructure:"log-file"`
	LogFormat   string  `mapstructure:"log-format"`
	LogSeverity string  `mapstructure:"log-severity"`
	Quiet       bool    `mapstructure:"quiet"`
	Backend     Backend `mapstructure:"backend"`
}

// Backend carries driver tuning shared by every command that opens the
// store.
type Backend struct {
	S3Region   string `mapstructure:"s3-region"`
	S3Endpoint string `mapstructure:"s3-endpoint"`
	S3SSE      bool   `mapstructure:"s3-sse"`
}

// DefaultAuthFile returns the per-user credentials file path.
func DefaultAuthFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.vaultfs/authinfo"
}

// BindFlags registers the persistent flags and binds them into viper so
// that a config file can override them.
func BindFlags(fs *pflag.FlagSet) error {
	fs.String("cache-dir", "", "Directory for cached data (default: ~/.vaultfs)")
	fs.String("auth-file", DefaultAuthFile(), "Credentials file")
	fs.String("log-file", "", "Write log messages to this file instead of stderr")
	fs.String("log-format", "text", "Log format: text or json")
	fs.String("log-severity", "info", "Minimum log severity: trace|debug|info|warning|error|off")
	fs.Bool("quiet", false, "Be really quiet")

	fs.String("s3-region", "us-east-1", "Region for s3:// storage URLs")
	fs.String("s3-endpoint", "", "Custom endpoint for S3-compatible stores")
	fs.Bool("s3-sse", false, "Enable server-side encryption for S3 objects")

	return BindViper(fs)
}

// BindViper wires already-registered flags into viper. Split out from
// BindFlags so the binding can be redone after a viper reset.
func BindViper(fs *pflag.FlagSet) error {
	for flagName, key := range map[string]string{
		"cache-dir":    "cache-dir",
		"auth-file":    "auth-file",
		"log-file":     "log-file",
		"log-format":   "log-format",
		"log-severity": "log-severity",
		"quiet":        "quiet",
		"s3-region":    "backend.s3-region",
		"s3-endpoint":  "backend.s3-endpoint",
		"s3-sse":       "backend.s3-sse",
	} {
		if err := viper.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return err
		}
	}
	return nil
}
