package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/m417z/winbindex-go/internal/helpers"
	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/model"
	"github.com/m417z/winbindex-go/pipeline"
	"github.com/m417z/winbindex-go/symbolserver"

	"github.com/spf13/cobra"
)

var probeFlags = struct {
	fileInfoPath string
	minutes      int
	redisAddr    string
}{}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Sweep the symbol server for delta-tier files missing section size",
	Long: `probe loads info_sources.json and info_progress_symbol_server.json from
the configured out_path, and for every delta-tier (name, hash) pair probes
the symbol server's page-aligned candidate URLs, upgrading a uniquely
resolved file to delta+. --file-info supplies the FileInfo needed to
compute each candidate size, keyed filename -> hash -> FileInfo, as
produced by "winbindex parse". The sweep stops at --minutes and persists
its cursor so a later run resumes where this one left off.`,
	Run: runProbeCmd,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVar(&probeFlags.fileInfoPath, "file-info", "", "path to a filename -> hash -> FileInfo JSON map")
	probeCmd.Flags().IntVar(&probeFlags.minutes, "minutes", 25, "how many minutes this run may spend sweeping")
	probeCmd.Flags().StringVar(&probeFlags.redisAddr, "redis", "", "optional redis address for caching probed URLs (host:port)")
}

func runProbeCmd(cmd *cobra.Command, args []string) {
	logger := log.For("symbolserver")
	if probeFlags.fileInfoPath == "" {
		fail(fmt.Errorf("--file-info is required"))
	}

	raw, err := os.ReadFile(probeFlags.fileInfoPath)
	if err != nil {
		fail(logger.Fail(err))
	}
	var fileInfo map[string]map[string]*model.FileInfo
	if err := json.Unmarshal(raw, &fileInfo); err != nil {
		fail(logger.Fail(fmt.Errorf("parsing %s: %w", probeFlags.fileInfoPath, err)))
	}

	index, err := pipeline.LoadFileHashIndex(conf.Paths.OutPath)
	if err != nil {
		fail(logger.Fail(err))
	}
	progress, err := pipeline.LoadSymbolServerProgress(conf.Paths.OutPath)
	if err != nil {
		fail(logger.Fail(err))
	}

	var cache symbolserver.Cache
	if probeFlags.redisAddr != "" {
		cache = symbolserver.NewRedisCache(probeFlags.redisAddr)
	}
	prober := symbolserver.NewProber(conf, helpers.HeadStatus, cache)

	lookup := func(name, hash string) (*model.FileInfo, bool) {
		info, ok := fileInfo[name][hash]
		return info, ok
	}

	deadline := pipeline.NewDeadline(time.Now().Add(time.Duration(probeFlags.minutes) * time.Minute))
	found, err := pipeline.RunSymbolServerSweep(context.Background(), prober, index, progress, deadline, lookup)
	if err != nil {
		fail(logger.Fail(err))
	}

	if err := pipeline.SaveFileHashIndex(conf.Paths.OutPath, index); err != nil {
		fail(logger.Fail(err))
	}
	if err := pipeline.SaveSymbolServerProgress(conf.Paths.OutPath, progress); err != nil {
		fail(logger.Fail(err))
	}

	logger.Complete("resolved %d file(s) to delta+", found)
}
