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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/codec"
	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/util"
)

var admCmd = &cobra.Command{
	Use:   "adm <action> <storage-url>",
	Short: "Administrate a file system that is not mounted",
	Long: `Actions:

  passphrase         Change the file system passphrase
  clear              Delete all objects at the storage URL
  download-metadata  Fetch a metadata backup into the local cache
  upgrade            Upgrade the file system to the current revision`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"passphrase", "clear", "download-metadata", "upgrade"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdm(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(admCmd)
}

func runAdm(ctx context.Context, action string, storageURL string) error {
	auth, err := util.ReadAuthInfo(globalCfg.AuthFile, storageURL)
	if err != nil {
		return err
	}
	backend, err := openBackend(storageURL, auth)
	if err != nil {
		return err
	}
	defer backend.Close()

	switch action {
	case "passphrase":
		return admPassphrase(ctx, backend, auth)
	case "clear":
		return admClear(ctx, backend, storageURL)
	case "download-metadata":
		return admDownloadMetadata(ctx, backend, auth, storageURL)
	case "upgrade":
		return admUpgrade(ctx, backend)
	default:
		return util.Quietf("unknown action %q, see --help", action)
	}
}

// admPassphrase re-wraps the master key under a new passphrase. Data
// objects are untouched.
func admPassphrase(ctx context.Context, b storage.Backend, auth *util.AuthInfo) error {
	old, err := getPassphrase(auth, false)
	if err != nil {
		return err
	}
	master, err := codec.LoadMasterKey(ctx, b, old)
	if err != nil {
		return err
	}
	if master == nil {
		return util.Quietf("file system is not encrypted")
	}

	fmt.Fprintln(os.Stderr, "Please enter the new passphrase.")
	newPass, err := getPassphrase(&util.AuthInfo{}, true)
	if err != nil {
		return err
	}
	if err := codec.StoreMasterKey(ctx, b, master, newPass); err != nil {
		return err
	}
	fmt.Println("Passphrase changed.")
	return nil
}

func admClear(ctx context.Context, b storage.Backend, storageURL string) error {
	fmt.Print("This will delete all data at ", storageURL, ". Type 'yes' to continue: ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.TrimSpace(line) != "yes" {
		return util.Quietf("aborted")
	}

	if err := b.Clear(ctx); err != nil {
		return err
	}
	cp, err := getCachePaths(storageURL)
	if err == nil {
		cp.wipe()
	}
	fmt.Println("File system deleted.")
	return nil
}

func admDownloadMetadata(ctx context.Context, b storage.Backend, auth *util.AuthInfo, storageURL string) error {
	// Offer the rotated generations, newest first.
	var backups []string
	it := b.List(ctx, "metadata", "")
	for {
		key, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		backups = append(backups, key)
	}
	if len(backups) == 0 {
		return util.Quietf("no metadata found at %s", storageURL)
	}
	// "metadata" is the current generation; metadata_bak_N is N+1 back.
	gen := func(key string) int {
		n := -1
		fmt.Sscanf(key, "metadata_bak_%d", &n)
		return n
	}
	sort.Slice(backups, func(i, j int) bool { return gen(backups[i]) < gen(backups[j]) })

	fmt.Println("The following generations are available:")
	for i, k := range backups {
		fmt.Printf("  [%d] %s\n", i, k)
	}
	fmt.Print("Download which generation? ")
	var choice int
	if _, err := fmt.Fscan(os.Stdin, &choice); err != nil || choice < 0 || choice >= len(backups) {
		return util.Quietf("invalid choice")
	}

	cdc, _, err := openCodec(ctx, b, auth, codec.Bzip2)
	if err != nil {
		return err
	}
	cp, err := getCachePaths(storageURL)
	if err != nil {
		return err
	}

	db, err := meta.DownloadMetadata(ctx, cdc, cp.dbPath, backups[choice])
	if err != nil {
		return err
	}
	defer db.Close()

	params, err := meta.FetchRemoteParams(ctx, cdc)
	if err != nil {
		return err
	}
	params.CleanShutdown = true
	if err := meta.SaveParams(cp.paramsPath, params); err != nil {
		return err
	}
	fmt.Printf("Metadata restored to %s\n", cp.dbPath)
	return nil
}

func admUpgrade(ctx context.Context, b storage.Backend) error {
	params, err := meta.FetchRemoteParams(ctx, b)
	if storage.IsNoSuchObject(err) {
		return util.Quietf("no file system found")
	}
	if err != nil {
		return err
	}
	if params.FormatVersion >= codec.FormatVersion {
		fmt.Println("File system already at the current revision, nothing to do.")
		return nil
	}
	// There is only one revision so far.
	return util.Quietf("cannot upgrade from unknown revision %d", params.FormatVersion)
}
