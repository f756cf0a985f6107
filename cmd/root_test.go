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
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/cfg"
)

// resetGlobals restores the package-level command state around a test,
// since cobra and viper are wired up once in init().
func resetGlobals(t *testing.T) {
	t.Helper()
	viper.Reset()
	require.NoError(t, cfg.BindViper(rootCmd.PersistentFlags()))
	savedCfgFile := cfgFile
	savedCfg := globalCfg
	t.Cleanup(func() {
		cfgFile = savedCfgFile
		globalCfg = savedCfg
		viper.Reset()
		cfg.BindViper(rootCmd.PersistentFlags())
	})
}

func TestCommandTree(t *testing.T) {
	want := []string{"mkfs", "mount", "umount", "adm", "statfs", "rm", "cp", "fsck"}

	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, strings.Fields(c.Use)[0])
	}
	for _, name := range want {
		assert.Contains(t, got, name, "missing subcommand %q", name)
	}
}

func TestPersistentFlagsRegistered(t *testing.T) {
	for _, name := range []string{
		"config-file", "cache-dir", "auth-file", "log-file", "log-format",
		"log-severity", "quiet", "s3-region", "s3-endpoint", "s3-sse",
	} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name),
			"missing persistent flag %q", name)
	}
}

func TestPreRunUnmarshalsDefaults(t *testing.T) {
	resetGlobals(t)
	cfgFile = ""

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	assert.Equal(t, "text", globalCfg.LogFormat)
	assert.Equal(t, "info", globalCfg.LogSeverity)
	assert.Equal(t, "us-east-1", globalCfg.Backend.S3Region)
}

func TestPreRunLoadsConfigFile(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
cache-dir: /tmp/vaultfs-test-cache
log-severity: debug
quiet: false
backend:
  s3-endpoint: http://localhost:9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	cfgFile = path

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	assert.Equal(t, "/tmp/vaultfs-test-cache", globalCfg.CacheDir)
	assert.Equal(t, "debug", globalCfg.LogSeverity)
	assert.Equal(t, "http://localhost:9000", globalCfg.Backend.S3Endpoint)
}

func TestPreRunRejectsMissingConfigFile(t *testing.T) {
	resetGlobals(t)
	cfgFile = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	err := rootCmd.PersistentPreRunE(rootCmd, nil)
	assert.Error(t, err)
}

func TestPreRunRejectsMalformedConfigFile(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log-format: [unclosed\n"), 0600))
	cfgFile = path

	err := rootCmd.PersistentPreRunE(rootCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file")
}

func TestPreRunRejectsUnknownLogFormat(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log-format: xml\n"), 0600))
	cfgFile = path

	err := rootCmd.PersistentPreRunE(rootCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log format")
}

func TestPreRunReadsQuietFromConfigFile(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quiet: true\n"), 0600))
	cfgFile = path

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	assert.True(t, globalCfg.Quiet)
}
