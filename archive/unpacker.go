// Package archive orchestrates turning a downloaded update payload into a
// flat directory of .manifest files: recursive CAB expansion and WIM/PSF
// splitting. The actual unpacking tools (expand/cabextract, wimlib,
// msdelta.dll's ApplyDeltaB) are external, often platform-coupled
// collaborators; this package only decides which tool to invoke, in what
// order, and verifies their inputs/outputs, via the injected ToolRunner.
// Unpacker does not decompress DCMv1 manifests (a DCMv1 payload is
// rejected as an unrecognized format), does not call
// ToolRunner.ApplyNullDifferential, and writes no *.dd.txt delta
// descriptors.
package archive

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/model"
	"golang.org/x/sync/semaphore"
)

// ToolRunner is the set of external, platform-coupled archive tools this
// package orchestrates without reimplementing.
type ToolRunner interface {
	// Expand extracts files matching pattern from archive into dir, using
	// whatever native cab-expansion tool is available (expand.exe on
	// Windows, cabextract elsewhere).
	Expand(ctx context.Context, archive, pattern, dir string) error
	// ListFiles lists the files extracted into dir matching pattern,
	// without re-invoking the tool.
	ListFiles(ctx context.Context, dir, pattern string) ([]string, error)
	// ExtractWIM extracts a WIM image's contents into dir.
	ExtractWIM(ctx context.Context, wimFile, dir string) error
	// ExtractPSF splits a PSF container into its component files in dir.
	ExtractPSF(ctx context.Context, psfFile, dir string) error
	// ApplyNullDifferential applies patchFile against an empty input
	// buffer, writing the result to outFile, via msdelta.dll's
	// ApplyDeltaB. Out of scope to reimplement per this pipeline's
	// boundaries; this is purely the invocation point.
	ApplyNullDifferential(ctx context.Context, patchFile, outFile string) error
}

const maxExpandDepth = 6

// Unpacker orchestrates archive unpacking for one update at a time,
// bounding how many archives may be extracted concurrently across the
// whole run (each individual extraction is CPU/IO-bound and not
// reentrant, so within one archive everything proceeds serially).
type Unpacker struct {
	tools ToolRunner
	sem   *semaphore.Weighted
	log   *log.Logger
}

// NewUnpacker returns an Unpacker that runs at most maxConcurrent archive
// extractions at once.
func NewUnpacker(tools ToolRunner, maxConcurrent int64) *Unpacker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Unpacker{
		tools: tools,
		sem:   semaphore.NewWeighted(maxConcurrent),
		log:   log.For("archive"),
	}
}

// ExtractManifests unpacks archivePath (whose format is sniffed from its
// leading bytes) down to a flat directory of *.manifest files, returning
// their paths. It generalizes extract_manifest_files' fixed four-level CAB
// BFS into an unbounded-depth walk (capped at maxExpandDepth as a
// structural sanity limit) so update payloads that nest CABs more deeply
// than the historical four levels still resolve.
func (u *Unpacker) ExtractManifests(ctx context.Context, archivePath, workDir string, data []byte) ([]string, error) {
	if err := u.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer u.sem.Release(1)

	logger := u.log.With("archive", filepath.Base(archivePath))
	logger.Begin("unpacking %s", archivePath)

	format := Sniff(data)
	switch format {
	case FormatWIM:
		manifests, err := u.extractFromWIM(ctx, archivePath, workDir)
		if err != nil {
			return nil, err
		}
		logger.Complete("extracted %d manifests from WIM", len(manifests))
		return manifests, nil
	case FormatPSF:
		manifests, err := u.extractFromPSF(ctx, archivePath, workDir)
		if err != nil {
			return nil, err
		}
		logger.Complete("extracted %d manifests from PSF", len(manifests))
		return manifests, nil
	case FormatCAB:
		manifests, err := u.extractFromCABChain(ctx, archivePath, workDir)
		if err != nil {
			return nil, err
		}
		logger.Complete("extracted %d manifests from CAB chain", len(manifests))
		return manifests, nil
	default:
		return nil, model.NewPipelineError(model.KindArchiveIntegrity, archivePath,
			fmt.Errorf("unrecognized archive format"))
	}
}

// extractFromCABChain mirrors extract_manifest_files' BFS shape: expand
// the outer CAB, then any nested CABs it contains (skipping WSUSSCAN.cab,
// which only carries catalog metadata, never manifests), pulling manifests
// out of every CAB at each level, and continuing until a level produces no
// further nested CABs.
func (u *Unpacker) extractFromCABChain(ctx context.Context, archivePath, workDir string) ([]string, error) {
	manifestDir := filepath.Join(workDir, "manifests")
	level := filepath.Join(workDir, "extract0")
	if err := u.tools.Expand(ctx, archivePath, "*.cab", level); err != nil {
		return nil, model.NewPipelineError(model.KindArchiveIntegrity, archivePath, err)
	}

	// seenManifests tracks the SHA-256 of every manifest pulled into
	// manifestDir so far: two different CABs in the chain can legitimately
	// carry the same manifest name (the archive-merge rule), but only if
	// their content is byte-identical once extracted.
	seenManifests := map[string][32]byte{}

	for depth := 1; depth <= maxExpandDepth; depth++ {
		cabs, err := u.tools.ListFiles(ctx, level, "*.cab")
		if err != nil {
			return nil, err
		}
		cabs = dropWSUSScan(cabs)

		for _, cab := range cabs {
			if err := u.tools.Expand(ctx, cab, "*.manifest", manifestDir); err != nil {
				return nil, model.NewPipelineError(model.KindArchiveIntegrity, cab, err)
			}
			if err := VerifyNoMergeConflict(manifestDir, seenManifests); err != nil {
				return nil, model.NewPipelineError(model.KindArchiveIntegrity, cab, err)
			}
		}

		if len(cabs) == 0 {
			// No more nested CABs at this level: the previous level's
			// manifests (already pulled above, or in a prior iteration)
			// are everything there is.
			return u.tools.ListFiles(ctx, manifestDir, "*.manifest")
		}

		nextLevel := filepath.Join(workDir, fmt.Sprintf("extract%d", depth))
		for _, cab := range cabs {
			if err := u.tools.Expand(ctx, cab, "*.cab", nextLevel); err != nil {
				return nil, model.NewPipelineError(model.KindArchiveIntegrity, cab, err)
			}
		}
		level = nextLevel
	}

	return nil, model.NewPipelineError(model.KindArchiveIntegrity, archivePath,
		fmt.Errorf("nested CAB chain exceeded depth %d, aborting", maxExpandDepth))
}

// VerifyNoMergeConflict re-hashes every file currently in dir and
// compares it against the hash recorded the last time that path was
// seen, enforcing the archive-merge rule: a manifest extracted twice
// into the same directory (from two CABs in the chain, or the same CAB
// expanded again) must land on identical bytes both times. seen is
// updated in place with the latest hash for every path visited.
// Exported so selfcheck can exercise the same rule a real extraction
// enforces.
func VerifyNoMergeConflict(dir string, seen map[string][32]byte) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		if prev, ok := seen[path]; ok && prev != sum {
			return fmt.Errorf("%s extracted twice with different content", path)
		}
		seen[path] = sum
	}
	return nil
}

func (u *Unpacker) extractFromWIM(ctx context.Context, archivePath, workDir string) ([]string, error) {
	extracted := filepath.Join(workDir, "wim")
	if err := u.tools.ExtractWIM(ctx, archivePath, extracted); err != nil {
		return nil, model.NewPipelineError(model.KindArchiveIntegrity, archivePath, err)
	}
	return u.extractFromCABChain(ctx, archivePath, extracted)
}

func (u *Unpacker) extractFromPSF(ctx context.Context, archivePath, workDir string) ([]string, error) {
	extracted := filepath.Join(workDir, "psf")
	if err := u.tools.ExtractPSF(ctx, archivePath, extracted); err != nil {
		return nil, model.NewPipelineError(model.KindArchiveIntegrity, archivePath, err)
	}
	return u.tools.ListFiles(ctx, extracted, "*.manifest")
}

func dropWSUSScan(cabs []string) []string {
	out := make([]string, 0, len(cabs))
	for _, c := range cabs {
		if strings.EqualFold(filepath.Base(c), "WSUSSCAN.cab") {
			continue
		}
		out = append(out, c)
	}
	return out
}
