package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m417z/winbindex-go/catalog"
	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/model"

	"github.com/spf13/cobra"
)

var catalogFlags = struct {
	headingsPath string
	outPath      string
}{}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Consolidate per-version update headings into one catalog",
	Long: `catalog reads the already-scraped support-page update entries for each
tracked Windows version (see --headings) and consolidates them into a
single updates.json-shaped catalog, applying the configured
architecture/version denylist and folding an update listed under more
than one version into its oldest version's entry, after checking that
the duplicate entries agree on updateUrl/releaseDate/releaseVersion.
The HTML scraping itself is an external collaborator; this command
only consumes its output.`,
	Run: runCatalogCmd,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.Flags().StringVar(&catalogFlags.headingsPath, "headings", "",
		"path to a JSON file of [{windowsVersion, pageId, updates}], oldest version first")
	catalogCmd.Flags().StringVar(&catalogFlags.outPath, "out", "",
		"path to write the consolidated catalog.json (defaults under the configured out_path)")
}

// versionUpdates is one entry of the --headings input file: the raw
// update entries recovered from one Windows version's support page, in
// the order upd01_get_list_of_updates.py's windows_versions table would
// have visited them.
type versionUpdates struct {
	WindowsVersion string              `json:"windowsVersion"`
	PageID         string              `json:"pageId,omitempty"`
	Updates        []catalog.RawUpdate `json:"updates"`
}

func runCatalogCmd(cmd *cobra.Command, args []string) {
	logger := log.For("catalog")
	if catalogFlags.headingsPath == "" {
		fail(fmt.Errorf("--headings is required"))
	}

	raw, err := os.ReadFile(catalogFlags.headingsPath)
	if err != nil {
		fail(logger.Fail(err))
	}

	var entries []versionUpdates
	if err := json.Unmarshal(raw, &entries); err != nil {
		fail(logger.Fail(fmt.Errorf("parsing %s: %w", catalogFlags.headingsPath, err)))
	}

	sources := make([]catalog.VersionSource, 0, len(entries))
	updatesByVersion := make(map[string][]catalog.RawUpdate, len(entries))
	for _, e := range entries {
		sources = append(sources, catalog.VersionSource{WindowsVersion: e.WindowsVersion, PageID: e.PageID})
		updatesByVersion[e.WindowsVersion] = e.Updates
	}

	result, err := catalog.Resolve(conf, sources, updatesByVersion)
	if err != nil {
		fail(logger.Fail(err))
	}

	out := catalogFlags.outPath
	if out == "" {
		out = filepath.Join(conf.Paths.OutPath, "updates.json")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o777); err != nil {
		fail(logger.Fail(err))
	}

	encoded, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		fail(logger.Fail(err))
	}
	if err := os.WriteFile(out, encoded, 0o666); err != nil {
		fail(logger.Fail(err))
	}

	logger.Complete("wrote catalog for %d updates to %s", countUpdates(result), out)
}

func countUpdates(c model.Catalog) int {
	n := 0
	for _, updates := range c {
		n += len(updates)
	}
	return n
}
