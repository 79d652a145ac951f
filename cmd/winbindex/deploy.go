package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/m417z/winbindex-go/archive"
	"github.com/m417z/winbindex-go/index"
	"github.com/m417z/winbindex-go/internal/exectools"
	"github.com/m417z/winbindex-go/internal/helpers"
	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/manifest"
	"github.com/m417z/winbindex-go/model"
	"github.com/m417z/winbindex-go/pipeline"
	"github.com/m417z/winbindex-go/symbolserver"

	"github.com/spf13/cobra"
)

var deployFlags = struct {
	minutes    int
	archiveExt string
	redisAddr  string
}{}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Run one cooperative-deadline slice of the resumable pipeline",
	Long: `deploy picks the next unit of work (the lexically first update KB not
yet ingested for any tracked Windows version, or else the next due
follow-up stage) and runs it, checking the wall-clock deadline at each
per-file step. It expects "winbindex catalog" to have already written
updates.json, and each update's archive to already be downloaded to
<cache>/updates/<KB>.<ext> (downloading itself is an external
collaborator). Progress is checkpointed so a later invocation resumes
exactly where this one left off.`,
	Run: runDeployCmd,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().IntVar(&deployFlags.minutes, "minutes", 25, "how many minutes this slice may run before checkpointing and exiting")
	deployCmd.Flags().StringVar(&deployFlags.archiveExt, "archive-ext", "cab", "file extension of a downloaded update archive under <cache>/updates")
	deployCmd.Flags().StringVar(&deployFlags.redisAddr, "redis", "", "optional redis address for the symbol-server probe cache")
}

// ingestedState is deploy's own stored-KB bookkeeping: which (windowsVersion,
// KB) pairs have already been folded into the index, independent of
// pipeline.ProgressState's per-file cursor within a single KB's ingestion.
type ingestedState map[string]map[string]bool // windowsVersion -> kb -> done

func loadIngestedState(path string) (ingestedState, error) {
	state := ingestedState{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}

func saveIngestedState(path string, state ingestedState) error {
	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func runDeployCmd(cmd *cobra.Command, args []string) {
	logger := log.For("pipeline")
	deadline := pipeline.NewDeadline(time.Now().Add(time.Duration(deployFlags.minutes) * time.Minute))

	catalogPath := filepath.Join(conf.Paths.OutPath, "updates.json")
	catalogData, err := os.ReadFile(catalogPath)
	if err != nil {
		fail(logger.Fail(fmt.Errorf("reading %s (run \"winbindex catalog\" first): %w", catalogPath, err)))
	}
	var cat model.Catalog
	if err := json.Unmarshal(catalogData, &cat); err != nil {
		fail(logger.Fail(err))
	}

	statePath := filepath.Join(conf.Paths.OutPath, "ingested.json")
	ingested, err := loadIngestedState(statePath)
	if err != nil {
		fail(logger.Fail(err))
	}

	kb, windowsVersion, ok := nextPendingUpdate(cat, ingested)
	symbolServerPending := hasSymbolServerWork(logger)
	// VirusTotal and ISO scans are submitted by an external collaborator
	// (spec.md §1's scraping/submission boundary), not pulled by this
	// driver, so there is no durable cursor here to ask "is one pending?"
	// the way info_sources.json answers that for the symbol server.
	// "winbindex merge" folds their JSON in whenever that collaborator
	// calls it; deploy's auto-selection only ever advances update
	// ingestion and the symbol-server follow-up.
	switch pipeline.SelectNextStage(ok, symbolServerPending, false, false) {
	case pipeline.StageUpdate:
		logger.Begin("ingesting %s (%s)", kb, windowsVersion)
		if err := ingestUpdate(logger, kb, windowsVersion); err != nil {
			fail(logger.Fail(err))
		}
		if ingested[windowsVersion] == nil {
			ingested[windowsVersion] = map[string]bool{}
		}
		ingested[windowsVersion][kb] = true
		if err := saveIngestedState(statePath, ingested); err != nil {
			fail(logger.Fail(err))
		}
		logger.Complete("ingested %s (%s)", kb, windowsVersion)

	case pipeline.StageSymbolServer:
		runDeploySymbolServerStage(logger, deadline)

	default:
		logger.Complete("nothing pending")
	}
}

// nextPendingUpdate returns the lexically-first KB, across every tracked
// Windows version in deterministic version order, not yet marked ingested.
func nextPendingUpdate(cat model.Catalog, ingested ingestedState) (kb, windowsVersion string, ok bool) {
	versions := make([]string, 0, len(cat))
	for v := range cat {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	for _, v := range versions {
		current := map[string]bool{}
		for _, u := range cat[v] {
			current[u.KB] = true
		}
		if next, found := pipeline.NextUpdateKB(current, ingested[v]); found {
			return next, v, true
		}
	}
	return "", "", false
}

// hasSymbolServerWork reports whether info_sources.json still holds any
// delta-tier (name, hash) pair, i.e. whether the symbol-server follow-up
// stage has anything left to do.
func hasSymbolServerWork(logger *log.Logger) bool {
	hashIndex, err := pipeline.LoadFileHashIndex(conf.Paths.OutPath)
	if err != nil {
		fail(logger.Fail(err))
	}
	for _, hashes := range hashIndex {
		for _, tier := range hashes {
			if tier == model.TierDelta {
				return true
			}
		}
	}
	return false
}

// ingestUpdate runs archive-unpack (B), manifest-parse (C/D), and
// grouped-index merge (G) for one update KB, mirroring spec.md §4.H's
// "Runs B→C→G for that one KB".
func ingestUpdate(logger *log.Logger, kb, windowsVersion string) error {
	ctx := context.Background()

	archivePath := filepath.Join(conf.Paths.CacheLoc, "updates", kb+"."+deployFlags.archiveExt)
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("reading archive for %s (expected at %s, downloaded by an external collaborator): %w", kb, archivePath, err)
	}

	workDir := filepath.Join(conf.Paths.CacheLoc, "unpack", kb)
	if err := os.MkdirAll(workDir, 0o777); err != nil {
		return err
	}

	unpacker := archive.NewUnpacker(exectools.NewRunner(), 4)
	manifestPaths, err := unpacker.ExtractManifests(ctx, archivePath, workDir, data)
	if err != nil {
		return err
	}

	writer := index.NewBatchWriter(conf)
	for _, path := range manifestPaths {
		record, err := manifest.ParseFile(path)
		if err != nil {
			return err
		}
		attachFileInfo(logger, record, filepath.Dir(path))

		assembly := model.AssemblyRef{ManifestName: record.ManifestName, AssemblyIdentity: record.Identity}
		for _, f := range record.Files {
			hash := f.SHA256
			if hash == "" {
				hash = f.SHA1
			}
			attrs := attributesMap(f.Attributes)
			err := writer.AddFromUpdate(f.Name, hash, f.Info, windowsVersion, kb, "", assembly, attrs)
			if err != nil {
				return err
			}
		}
	}

	return writer.Flush()
}

func attributesMap(attrs []model.Attribute) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[a.Name] = a.Value
	}
	return out
}

// runDeploySymbolServerStage runs one bounded slice of the symbol-server
// follow-up sweep against the persisted info_sources.json, the same way
// "winbindex probe" does, but selected automatically as deploy's
// highest-priority follow-up stage.
func runDeploySymbolServerStage(logger *log.Logger, deadline pipeline.Deadline) {
	hashIndex, err := pipeline.LoadFileHashIndex(conf.Paths.OutPath)
	if err != nil {
		fail(logger.Fail(err))
	}
	progress, err := pipeline.LoadSymbolServerProgress(conf.Paths.OutPath)
	if err != nil {
		fail(logger.Fail(err))
	}

	var cache symbolserver.Cache
	if deployFlags.redisAddr != "" {
		cache = symbolserver.NewRedisCache(deployFlags.redisAddr)
	}
	prober := symbolserver.NewProber(conf, helpers.HeadStatus, cache)

	// No delta-tier FileInfo source is threaded through deploy's
	// auto-selected symbol-server slice; a record with no lookup hit is
	// simply left at its current tier, matching "0 hits -> no upgrade".
	lookup := func(name, hash string) (*model.FileInfo, bool) { return nil, false }

	found, err := pipeline.RunSymbolServerSweep(context.Background(), prober, hashIndex, progress, deadline, lookup)
	if err != nil {
		fail(logger.Fail(err))
	}

	if err := pipeline.SaveFileHashIndex(conf.Paths.OutPath, hashIndex); err != nil {
		fail(logger.Fail(err))
	}
	if err := pipeline.SaveSymbolServerProgress(conf.Paths.OutPath, progress); err != nil {
		fail(logger.Fail(err))
	}
	logger.Complete("symbol-server follow-up resolved %d file(s)", found)
}
