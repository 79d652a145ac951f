// Package exectools wires archive.ToolRunner to the real, platform-coupled
// command-line tools the unpacking pipeline orchestrates: cabextract for
// CAB expansion, wimlib-imagex for WIM images, and the PSF/delta apply
// tools that only exist as Windows executables. It makes no attempt to
// reimplement any of them; it only shells out and checks exit status, the
// same way the teacher's pkginfo/updatecontent packages wrap git/bspatch.
package exectools

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/m417z/winbindex-go/internal/helpers"
)

// Runner implements archive.ToolRunner against binaries found on PATH.
// Which binary backs each method is configurable so a deployment can point
// at whatever is installed (cabextract vs. expand.exe, wimlib-imagex vs.
// DISM, a vendored msdelta shim, etc).
type Runner struct {
	ExpandBin     string
	WimExtractBin string
	PSFExtractBin string
	DeltaApplyBin string
}

// NewRunner returns a Runner using the conventional Linux-hosted tool
// names: cabextract, wimextract, psfx, msdelta-apply. Override any field
// on the returned Runner to point at a different binary.
func NewRunner() *Runner {
	return &Runner{
		ExpandBin:     "cabextract",
		WimExtractBin: "wimextract",
		PSFExtractBin: "psfx",
		DeltaApplyBin: "msdelta-apply",
	}
}

// Expand extracts files matching pattern from archive into dir using
// cabextract's filter-by-glob flag.
func (r *Runner) Expand(ctx context.Context, archive, pattern, dir string) error {
	return helpers.RunCommandSilent(ctx, r.ExpandBin,
		"-d", dir, "-F", pattern, "-q", archive)
}

// ListFiles lists files matching pattern that were already extracted into
// dir; no tool invocation is needed since cabextract lays files out flat.
func (r *Runner) ListFiles(_ context.Context, dir, pattern string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, pattern))
}

// ExtractWIM extracts every file in wimFile's single image into dir.
func (r *Runner) ExtractWIM(ctx context.Context, wimFile, dir string) error {
	return helpers.RunCommandSilent(ctx, r.WimExtractBin,
		wimFile, "1", "--dest-dir", dir)
}

// ExtractPSF splits a PSF container into its component files in dir.
func (r *Runner) ExtractPSF(ctx context.Context, psfFile, dir string) error {
	return helpers.RunCommandSilent(ctx, r.PSFExtractBin,
		"-i", psfFile, "-o", dir)
}

// ApplyNullDifferential applies patchFile against an empty input buffer.
// msdelta's ApplyDeltaB is Windows-only; running it here is strictly an
// invocation point for whatever delta-apply shim a deployment provides
// (e.g. a Wine-hosted wrapper), never a reimplementation of the delta
// format itself.
func (r *Runner) ApplyNullDifferential(ctx context.Context, patchFile, outFile string) error {
	if err := helpers.RunCommandSilent(ctx, r.DeltaApplyBin,
		"--source", "", "--delta", patchFile, "--target", outFile); err != nil {
		return fmt.Errorf("applying null differential patch %s: %w", patchFile, err)
	}
	return nil
}
