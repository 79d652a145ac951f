package selfcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m417z/winbindex-go/archive"
	"github.com/m417z/winbindex-go/catalog"
	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/merge"
	"github.com/m417z/winbindex-go/model"
	"github.com/m417z/winbindex-go/symbolserver"
)

// Check runs every self-check property against cfg and returns the
// accumulated Results, mirroring UCCheck's run-everything-then-print
// shape. A single property failing does not stop the rest from running.
func Check(cfg *config.Config) (*Results, error) {
	r := &Results{Name: "selfcheck", Description: "pipeline invariant probes"}

	r.Add("catalog idempotence", "re-resolving the same headings twice yields byte-identical catalogs",
		CheckCatalogIdempotence(cfg), false)

	r.Add("catalog uniqueness", "a KB repeated within one windows version is rejected, not silently deduped",
		CheckCatalogUniqueness(cfg), false)

	r.Add("catalog url uniqueness", "two distinct KBs sharing an updateUrl are rejected, not silently merged",
		CheckCatalogURLUniqueness(cfg), false)

	r.Add("merge monotonicity", "merging the same contributions in any order converges on the same tier",
		CheckMergeMonotonicity(), false)

	r.Add("delta+ round trip", "a delta record's virtualSize recovers the same value on a repeated probe",
		CheckDeltaPlusRoundTrip(context.Background(), cfg), false)

	r.Add("null-differential fixed point", "applying a null differential twice reproduces identical bytes",
		CheckNullDifferentialFixedPoint(context.Background()), false)

	r.Add("archive-merge dedup", "re-extracting the same manifest twice succeeds only when its bytes agree",
		CheckArchiveMergeDedup(context.Background()), false)

	return r, nil
}

// CheckCatalogIdempotence resolves a small fixed set of headings twice
// and asserts the two catalogs marshal to identical JSON, the property a
// resumed or re-run scrape depends on to avoid spurious diffs.
func CheckCatalogIdempotence(cfg *config.Config) error {
	sources := []catalog.VersionSource{
		{WindowsVersion: "11-24h2", PageID: "1"},
		{WindowsVersion: "10-22h2", PageID: "2"},
	}
	updates := map[string][]catalog.RawUpdate{
		"11-24h2": {
			{Heading: "October 1, 2025—KB5044284", UpdateURL: "https://support.microsoft.com/en-us/help/5044284", ReleaseDate: "2025-10-01"},
			{Heading: "September 1, 2025—KB5043178", UpdateURL: "https://support.microsoft.com/en-us/help/5043178", ReleaseDate: "2025-09-01"},
		},
		"10-22h2": {
			{Heading: "October 1, 2025—KB5044284", UpdateURL: "https://support.microsoft.com/en-us/help/5044284", ReleaseDate: "2025-10-01"},
			{Heading: "August 1, 2025—KB5041000", UpdateURL: "https://support.microsoft.com/en-us/help/5041000", ReleaseDate: "2025-08-01"},
		},
	}

	first, err := catalog.Resolve(cfg, sources, updates)
	if err != nil {
		return fmt.Errorf("first resolve: %w", err)
	}
	second, err := catalog.Resolve(cfg, sources, updates)
	if err != nil {
		return fmt.Errorf("second resolve: %w", err)
	}

	firstJSON, err := json.Marshal(first)
	if err != nil {
		return err
	}
	secondJSON, err := json.Marshal(second)
	if err != nil {
		return err
	}
	if !bytes.Equal(firstJSON, secondJSON) {
		return fmt.Errorf("resolving identical headings twice produced different catalogs:\n%s\nvs\n%s", firstJSON, secondJSON)
	}
	return nil
}

// CheckCatalogUniqueness asserts that a KB appearing twice under the
// same windows version is rejected rather than silently kept once,
// catching a regression in the duplicate-KB guard inside catalog.Resolve.
func CheckCatalogUniqueness(cfg *config.Config) error {
	sources := []catalog.VersionSource{{WindowsVersion: "11-24h2", PageID: "1"}}
	updates := map[string][]catalog.RawUpdate{
		"11-24h2": {
			{Heading: "October 1, 2025—KB5044284"},
			{Heading: "October 15, 2025—KB5044284"},
		},
	}

	if _, err := catalog.Resolve(cfg, sources, updates); err == nil {
		return fmt.Errorf("expected catalog.Resolve to reject a KB repeated within one windows version")
	}
	return nil
}

// CheckCatalogURLUniqueness asserts that two distinct KBs claiming the
// same updateUrl are rejected, the §8.2 "set of updateUrl values is
// unique" invariant catalog.Resolve enforces as updates are first added
// to the catalog.
func CheckCatalogURLUniqueness(cfg *config.Config) error {
	sources := []catalog.VersionSource{{WindowsVersion: "11-24h2", PageID: "1"}}
	updates := map[string][]catalog.RawUpdate{
		"11-24h2": {
			{Heading: "October 1, 2025—KB5044284", UpdateURL: "https://support.microsoft.com/en-us/help/5044284"},
			{Heading: "October 15, 2025—KB5044300", UpdateURL: "https://support.microsoft.com/en-us/help/5044284"},
		},
	}

	if _, err := catalog.Resolve(cfg, sources, updates); err == nil {
		return fmt.Errorf("expected catalog.Resolve to reject two distinct KBs sharing an updateUrl")
	}
	return nil
}

// CheckMergeMonotonicity feeds the same three-source contribution for one
// (filename, sha256) through merge.Merge in every order and asserts the
// final tier and digest fields are order-independent: the highest-tier
// contribution always wins, regardless of whether it arrived first,
// last, or in the middle.
func CheckMergeMonotonicity() error {
	// All three share machineType/timestamp, the fields assertCloseEnough
	// requires to agree exactly once any side reports a machine type, so
	// they model the same binary seen at progressively richer tiers.
	delta := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasLastSection: true, LastSectionVirtualAddress: 0x2000, LastSectionPointerToRawData: 0x1c00,
	}
	deltaPlus := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasLastSection: true, LastSectionVirtualAddress: 0x2000, LastSectionPointerToRawData: 0x1c00,
		HasVirtualSize: true, VirtualSize: 0x3000,
	}
	pe := &model.FileInfo{
		Size: 100, MD5: "abc",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasVirtualSize: true, VirtualSize: 0x3000,
	}

	orders := [][]*model.FileInfo{
		{delta, deltaPlus, pe},
		{pe, delta, deltaPlus},
		{deltaPlus, pe, delta},
		{pe, deltaPlus, delta},
	}

	var want *model.FileInfo
	for i, order := range orders {
		var cur *model.FileInfo
		for _, contribution := range order {
			merged, err := merge.Merge(cur, contribution, merge.SourceUpdate, "notepad.exe")
			if err != nil {
				return fmt.Errorf("order %d: %w", i, err)
			}
			cur = merged
		}
		if want == nil {
			want = cur
			continue
		}
		if cur.Tier() != want.Tier() {
			return fmt.Errorf("order %d converged to tier %q, want %q", i, cur.Tier(), want.Tier())
		}
	}
	return nil
}

// fixedHeadFunc returns a symbolserver.HeadFunc that reports 302 for
// exactly one url and 404 for every other, simulating a symbol server
// that has heard of a single candidate size.
func fixedHeadFunc(validURL string) symbolserver.HeadFunc {
	return func(_ context.Context, url string) (int, error) {
		if url == validURL {
			return 302, nil
		}
		return 404, nil
	}
}

// CheckDeltaPlusRoundTrip constructs a delta-tier FileInfo, picks one of
// its swept candidate sizes as the "true" size the symbol server has
// heard of, and asserts two independent Prober.Probe calls both recover
// that same virtualSize, the property a resumed symbol-server sweep
// depends on to avoid flapping between runs.
func CheckDeltaPlusRoundTrip(ctx context.Context, cfg *config.Config) error {
	info := &model.FileInfo{
		Size:                         0x40000,
		HasMachineType:               true,
		MachineType:                  0x8664,
		HasTimestamp:                 true,
		Timestamp:                    0x60000000,
		HasLastSection:               true,
		LastSectionVirtualAddress:    0x30000,
		LastSectionPointerToRawData: 0x30000,
	}

	const name = "notepad.exe"
	wantURL := symbolserver.MakeURL(cfg.SymbolURL, name, info.Timestamp, 0x31000)

	prober := symbolserver.NewProber(cfg, fixedHeadFunc(wantURL), nil)

	size1, ok1, err := prober.Probe(ctx, name, info)
	if err != nil {
		return err
	}
	if !ok1 {
		return fmt.Errorf("first probe found no unambiguous candidate")
	}

	size2, ok2, err := prober.Probe(ctx, name, info)
	if err != nil {
		return err
	}
	if !ok2 {
		return fmt.Errorf("second probe found no unambiguous candidate")
	}

	if size1 != size2 {
		return fmt.Errorf("probe recovered %#x on the first call but %#x on the second", size1, size2)
	}
	return nil
}

// fixedPatchTool is an archive.ToolRunner whose ApplyNullDifferential
// deterministically derives outFile's content from patchFile's name
// alone (a null differential's output depends only on the patch, never
// on wall-clock or call order), and whose other methods are unused by
// this check.
type fixedPatchTool struct{}

func (fixedPatchTool) Expand(context.Context, string, string, string) error      { return nil }
func (fixedPatchTool) ListFiles(context.Context, string, string) ([]string, error) { return nil, nil }
func (fixedPatchTool) ExtractWIM(context.Context, string, string) error           { return nil }
func (fixedPatchTool) ExtractPSF(context.Context, string, string) error           { return nil }

func (fixedPatchTool) ApplyNullDifferential(_ context.Context, patchFile, outFile string) error {
	return os.WriteFile(outFile, []byte("decoded:"+filepath.Base(patchFile)), 0o666)
}

// CheckNullDifferentialFixedPoint applies the same patch twice into two
// separate output files and asserts the bytes produced are identical,
// the property get_delta_data_for_manifest_file depends on to treat a
// resumed decode as a no-op rather than a divergence.
func CheckNullDifferentialFixedPoint(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "selfcheck-nulldiff")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	var tools archive.ToolRunner = fixedPatchTool{}
	patch := filepath.Join(dir, "component.dd")
	out1 := filepath.Join(dir, "out1.bin")
	out2 := filepath.Join(dir, "out2.bin")

	if err := tools.ApplyNullDifferential(ctx, patch, out1); err != nil {
		return err
	}
	if err := tools.ApplyNullDifferential(ctx, patch, out2); err != nil {
		return err
	}

	b1, err := os.ReadFile(out1)
	if err != nil {
		return err
	}
	b2, err := os.ReadFile(out2)
	if err != nil {
		return err
	}
	if !bytes.Equal(b1, b2) {
		return fmt.Errorf("applying the same patch twice produced different output")
	}
	return nil
}

// diskTools is an archive.ToolRunner that writes its Expand output to
// the real filesystem (unlike the archive package's own in-memory test
// double), so CheckArchiveMergeDedup exercises the same on-disk
// archive.VerifyNoMergeConflict path a real cabextract run would.
type diskTools struct {
	contents map[string][]byte // archive basename -> manifest file content
}

func (d diskTools) Expand(_ context.Context, archivePath, pattern, dir string) error {
	if pattern != "*.manifest" {
		return nil
	}
	content, ok := d.contents[filepath.Base(archivePath)]
	if !ok {
		return nil
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "component.manifest"), content, 0o666)
}

func (diskTools) ListFiles(context.Context, string, string) ([]string, error) { return nil, nil }
func (diskTools) ExtractWIM(context.Context, string, string) error            { return nil }
func (diskTools) ExtractPSF(context.Context, string, string) error            { return nil }
func (diskTools) ApplyNullDifferential(context.Context, string, string) error { return nil }

// CheckArchiveMergeDedup asserts the archive-merge rule holds both ways:
// extracting identical manifest content from two different archives into
// the same directory succeeds, while a second archive whose same-named
// manifest differs by even one byte is rejected.
func CheckArchiveMergeDedup(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "selfcheck-archive-merge")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	agree := diskTools{contents: map[string][]byte{
		"a.cab": []byte("same manifest bytes"),
		"b.cab": []byte("same manifest bytes"),
	}}
	manifestDir := filepath.Join(dir, "manifests")
	seen := map[string][32]byte{}
	for _, archiveName := range []string{"a.cab", "b.cab"} {
		if err := agree.Expand(ctx, archiveName, "*.manifest", manifestDir); err != nil {
			return err
		}
		if err := archive.VerifyNoMergeConflict(manifestDir, seen); err != nil {
			return fmt.Errorf("identical manifests across archives were rejected: %w", err)
		}
	}

	disagree := diskTools{contents: map[string][]byte{
		"c.cab": []byte("same manifest bytes"),
		"d.cab": []byte("altered manifest bytes"),
	}}
	manifestDir2 := filepath.Join(dir, "manifests2")
	seen2 := map[string][32]byte{}
	for _, archiveName := range []string{"c.cab", "d.cab"} {
		if err := disagree.Expand(ctx, archiveName, "*.manifest", manifestDir2); err != nil {
			return err
		}
		if err := archive.VerifyNoMergeConflict(manifestDir2, seen2); err != nil {
			// Expected: the second archive's manifest disagrees with the
			// first, which must be a hard failure.
			return nil
		}
	}
	return fmt.Errorf("expected a conflict when two archives disagree on the same manifest's content")
}
