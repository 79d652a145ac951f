package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m417z/winbindex-go/archive"
	"github.com/m417z/winbindex-go/internal/exectools"
	"github.com/m417z/winbindex-go/internal/log"

	"github.com/spf13/cobra"
)

var fetchFlags = struct {
	archivePath string
	kb          string
	workDir     string
	outPath     string
	concurrent  int
}{}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Unpack a downloaded update archive into a flat manifest directory",
	Long: `fetch sniffs --archive's container format (CAB chain, WIM, or PSF) and
unpacks it down to a flat directory of *.manifest files under --workdir.
It does not apply null-differential patches or write delta descriptors.
Downloading the archive itself is an external
collaborator; this command only consumes an already-downloaded file.`,
	Run: runFetchCmd,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchFlags.archivePath, "archive", "", "path to the downloaded update archive")
	fetchCmd.Flags().StringVar(&fetchFlags.kb, "kb", "", "the update's KB number, used only for logging")
	fetchCmd.Flags().StringVar(&fetchFlags.workDir, "workdir", "", "directory to unpack into (defaults under the configured cache)")
	fetchCmd.Flags().StringVar(&fetchFlags.outPath, "out", "", "path to write the list of extracted manifest paths as JSON")
	fetchCmd.Flags().IntVar(&fetchFlags.concurrent, "concurrent", 4, "max archives unpacked at once")
}

func runFetchCmd(cmd *cobra.Command, args []string) {
	logger := log.For("archive").With("kb", fetchFlags.kb)
	if fetchFlags.archivePath == "" {
		fail(fmt.Errorf("--archive is required"))
	}

	workDir := fetchFlags.workDir
	if workDir == "" {
		workDir = filepath.Join(conf.Paths.CacheLoc, "unpack", fetchFlags.kb)
	}
	if err := os.MkdirAll(workDir, 0o777); err != nil {
		fail(logger.Fail(err))
	}

	data, err := os.ReadFile(fetchFlags.archivePath)
	if err != nil {
		fail(logger.Fail(err))
	}

	logger.Begin("unpacking %s", fetchFlags.archivePath)
	unpacker := archive.NewUnpacker(exectools.NewRunner(), int64(fetchFlags.concurrent))
	manifests, err := unpacker.ExtractManifests(context.Background(), fetchFlags.archivePath, workDir, data)
	if err != nil {
		fail(logger.Fail(err))
	}
	logger.Complete("extracted %d manifests to %s", len(manifests), workDir)

	out := fetchFlags.outPath
	if out == "" {
		out = filepath.Join(workDir, "manifests.json")
	}
	encoded, err := json.MarshalIndent(manifests, "", "    ")
	if err != nil {
		fail(logger.Fail(err))
	}
	if err := os.WriteFile(out, encoded, 0o666); err != nil {
		fail(logger.Fail(err))
	}
}
