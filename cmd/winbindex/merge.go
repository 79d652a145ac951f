package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m417z/winbindex-go/index"
	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/merge"
	"github.com/m417z/winbindex-go/model"

	"github.com/spf13/cobra"
)

var mergeFlags = struct {
	fromUpdate     string
	fromISO        string
	fromVirusTotal string
	mode           string
}{}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Fold update, ISO, and VirusTotal records into the grouped-by-filename index",
	Long: `merge applies one or more batches of already-extracted file records into
the grouped-by-filename index. --from-update takes the JSON array shape
produced by joining "winbindex parse" output with a catalog update's KB
and assemblyIdentity; --from-iso consumes the iso_data.json shape an
external ISO scanner produces; --from-virustotal consumes a directory of
per-file VirusTotal attribute JSON files, normalized through
merge.NormalizeVTFileInfo before being folded in. Updates are applied
first, then ISOs, then VirusTotal, matching the ordering spec.md §5
requires.`,
	Run: runMergeCmd,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVar(&mergeFlags.fromUpdate, "from-update", "", "path to a JSON array of update records")
	mergeCmd.Flags().StringVar(&mergeFlags.fromISO, "from-iso", "", "path to a JSON array of ISO-scan records (iso_data.json shape)")
	mergeCmd.Flags().StringVar(&mergeFlags.fromVirusTotal, "from-virustotal", "", "directory of per-file VirusTotal attribute JSON files")
	mergeCmd.Flags().StringVar(&mergeFlags.mode, "mode", "batch", "IO mode: batch (in-memory, flushed once) or stream (read-modify-write per call)")
}

// updateRecord is one entry of the --from-update input: everything
// index.Writer.AddFromUpdate needs for a single (filename, fileHash) pair
// seen in one update's manifests.
type updateRecord struct {
	Filename       string            `json:"filename"`
	FileHash       string            `json:"fileHash"`
	Info           *model.FileInfo   `json:"info"`
	WindowsVersion string            `json:"windowsVersion"`
	UpdateKB       string            `json:"updateKb"`
	UpdateInfo     string            `json:"updateInfo"`
	Assembly       model.AssemblyRef `json:"assembly"`
	Attributes     map[string]string `json:"attributes"`
}

// isoRecord is one entry of the --from-iso input.
type isoRecord struct {
	Filename           string          `json:"filename"`
	FileHash           string          `json:"fileHash"`
	Info               *model.FileInfo `json:"info"`
	SourcePath         string          `json:"sourcePath"`
	WindowsVersion     string          `json:"windowsVersion"`
	WindowsVersionInfo string          `json:"windowsVersionInfo"`
}

// virusTotalRecord is the shape of one <sha256>.json file under
// --from-virustotal.
type virusTotalRecord struct {
	Filename string              `json:"filename"`
	FileHash string              `json:"fileHash"`
	Attr     *merge.VTAttributes `json:"attributes"`
}

func runMergeCmd(cmd *cobra.Command, args []string) {
	logger := log.For("index")

	var writer index.Writer
	switch mergeFlags.mode {
	case "", "batch":
		writer = index.NewBatchWriter(conf)
	case "stream":
		writer = index.NewStreamWriter(conf)
	default:
		fail(fmt.Errorf("unknown --mode %q, want batch or stream", mergeFlags.mode))
	}

	if mergeFlags.fromUpdate != "" {
		applyUpdateRecords(logger, writer)
	}
	if mergeFlags.fromISO != "" {
		applyISORecords(logger, writer)
	}
	if mergeFlags.fromVirusTotal != "" {
		applyVirusTotalRecords(logger, writer)
	}

	if err := writer.Flush(); err != nil {
		fail(logger.Fail(err))
	}
	logger.Complete("merge complete")
}

func applyUpdateRecords(logger *log.Logger, writer index.Writer) {
	var records []updateRecord
	readJSONFile(logger, mergeFlags.fromUpdate, &records)

	for _, r := range records {
		if skip, err := merge.ShouldSkipHashMismatch(conf, r.Info.SHA256, r.Info.MD5, r.WindowsVersion); err != nil {
			fail(logger.Fail(err))
		} else if skip {
			logger.Warn("skipping %s (%s): allowlisted hash mismatch", r.Filename, r.FileHash)
			continue
		}

		err := writer.AddFromUpdate(r.Filename, r.FileHash, r.Info, r.WindowsVersion, r.UpdateKB, r.UpdateInfo, r.Assembly, r.Attributes)
		if err != nil {
			fail(logger.Fail(err))
		}
	}
}

func applyISORecords(logger *log.Logger, writer index.Writer) {
	var records []isoRecord
	readJSONFile(logger, mergeFlags.fromISO, &records)

	for _, r := range records {
		err := writer.AddFromISO(r.Filename, r.FileHash, r.Info, r.SourcePath, r.WindowsVersion, r.WindowsVersionInfo)
		if err != nil {
			fail(logger.Fail(err))
		}
	}
}

func applyVirusTotalRecords(logger *log.Logger, writer index.Writer) {
	entries, err := os.ReadDir(mergeFlags.fromVirusTotal)
	if err != nil {
		fail(logger.Fail(err))
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(mergeFlags.fromVirusTotal, entry.Name())

		var r virusTotalRecord
		readJSONFile(logger, path, &r)

		info, err := merge.NormalizeVTFileInfo(conf, r.Attr)
		if err != nil {
			fail(logger.Fail(fmt.Errorf("normalizing %s: %w", path, err)))
		}
		if err := writer.AddFromVirusTotal(r.Filename, r.FileHash, info); err != nil {
			fail(logger.Fail(err))
		}
	}
}

func readJSONFile(logger *log.Logger, path string, v interface{}) {
	raw, err := os.ReadFile(path)
	if err != nil {
		fail(logger.Fail(err))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		fail(logger.Fail(fmt.Errorf("parsing %s: %w", path, err)))
	}
}
