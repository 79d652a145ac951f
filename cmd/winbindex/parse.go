package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/manifest"
	"github.com/m417z/winbindex-go/model"
	"github.com/m417z/winbindex-go/peinfo"

	"github.com/spf13/cobra"
)

var parseFlags = struct {
	manifestsPath string
	extractDir    string
	outPath       string
}{}

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse component manifests and attach delta/PE metadata",
	Long: `parse reads the *.manifest files listed in --manifests (the JSON array
written by "winbindex fetch"), extracts each file's assemblyIdentity and
hash records, and, for every tracked-extension file, attaches a FileInfo
either from its delta descriptor (<name>.dd.txt next to the manifest in
--extract-dir) or, failing that, its fully extracted PE payload.`,
	Run: runParseCmd,
}

func init() {
	rootCmd.AddCommand(parseCmd)
	parseCmd.Flags().StringVar(&parseFlags.manifestsPath, "manifests", "", "path to the JSON array of manifest paths")
	parseCmd.Flags().StringVar(&parseFlags.extractDir, "extract-dir", "", "directory holding sibling *.dd.txt / extracted payload files")
	parseCmd.Flags().StringVar(&parseFlags.outPath, "out", "", "path to write the parsed assembly records as JSON")
}

func runParseCmd(cmd *cobra.Command, args []string) {
	logger := log.For("manifest")
	if parseFlags.manifestsPath == "" {
		fail(fmt.Errorf("--manifests is required"))
	}

	raw, err := os.ReadFile(parseFlags.manifestsPath)
	if err != nil {
		fail(logger.Fail(err))
	}
	var manifestPaths []string
	if err := json.Unmarshal(raw, &manifestPaths); err != nil {
		fail(logger.Fail(fmt.Errorf("parsing %s: %w", parseFlags.manifestsPath, err)))
	}

	records := make([]*model.AssemblyRecord, 0, len(manifestPaths))
	for _, path := range manifestPaths {
		record, err := manifest.ParseFile(path)
		if err != nil {
			fail(logger.Fail(err))
		}
		dir := filepath.Dir(path)
		if parseFlags.extractDir != "" {
			dir = parseFlags.extractDir
		}
		attachFileInfo(logger, record, dir)
		records = append(records, record)
	}

	out := parseFlags.outPath
	if out == "" {
		out = filepath.Join(filepath.Dir(parseFlags.manifestsPath), "records.json")
	}
	encoded, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		fail(logger.Fail(err))
	}
	if err := os.WriteFile(out, encoded, 0o666); err != nil {
		fail(logger.Fail(err))
	}
	logger.Complete("parsed %d manifests to %s", len(records), out)
}

// attachFileInfo fills in each tracked file's Info from whichever sibling
// artifact the archive unpacker left next to the manifest: a delta
// descriptor first, the fully extracted payload otherwise. A file with
// neither sibling is left with Info == nil (raw/raw_file tier, resolved
// later from its own hash attributes).
func attachFileInfo(logger *log.Logger, record *model.AssemblyRecord, dir string) {
	for i := range record.Files {
		f := &record.Files[i]
		if !manifest.IsTrackedExtension(f.Name) {
			continue
		}

		base := strings.ReplaceAll(filepath.Base(f.Name), "\\", "_")
		if ddPath := filepath.Join(dir, base+".dd.txt"); fileExists(ddPath) {
			data, err := os.ReadFile(ddPath)
			if err != nil {
				logger.Warn("reading delta descriptor %s: %v", ddPath, err)
				continue
			}
			info, err := peinfo.ParseDeltaDescriptor(conf, data)
			if err != nil {
				logger.Warn("parsing delta descriptor %s: %v", ddPath, err)
				continue
			}
			f.Info = info
			continue
		}

		if pePath := filepath.Join(dir, base); fileExists(pePath) {
			info, err := peinfo.ExtractPEFile(pePath)
			if err != nil {
				logger.Warn("extracting PE metadata from %s: %v", pePath, err)
				continue
			}
			f.Info = info
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
