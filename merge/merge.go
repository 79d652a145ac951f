// Package merge folds FileInfo records contributed by update manifests,
// the symbol-server probe, externally supplied VirusTotal JSON, and
// externally supplied ISO scans into one record per (filename, hash),
// under a strict source precedence, while asserting every source agrees
// on the invariants that must hold regardless of where the data came
// from. Ported from upd05_group_by_filename.py's update_file_info and
// assert_file_info_close_enough.
package merge

import (
	"fmt"
	"strings"
	"time"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/model"
	"github.com/pkg/errors"
)

// Source names where a new FileInfo originated, used to resolve its
// precedence tier and to pick the invariant-check path.
type Source string

const (
	SourceUpdate Source = "update"
	SourceVT     Source = "vt"
	SourceISO    Source = "iso"
)

// signingDateTolerance is how far apart two sources' signingDate may
// disagree before it's treated as a real conflict rather than VirusTotal
// reporting local time without a zone.
const signingDateTolerance = 32 * time.Hour

// Merge folds incoming into existing (which may be nil for a first
// sighting), returning the record that should be stored. existing is
// returned unchanged if incoming doesn't outrank it; incoming is returned
// unchanged (not a copy) otherwise. The exception is a file_unknown_sig
// record on either side: Merge then returns a copy of that record carrying
// the other side's signingStatus. Call ShouldSkipHashMismatch beforehand
// to filter out known-bad (sha256, md5) pairs per the allowlist; Merge
// itself always fails hard on a genuine invariant violation. filename is
// the grouped-index key the records are being merged under, consulted
// only to relax the signingDate check for Edge's dual-timestamped
// executables; pass it through unchanged from the caller's filename.
func Merge(existing, incoming *model.FileInfo, source Source, filename string) (*model.FileInfo, error) {
	if incoming != nil {
		if err := validateSigningDates(incoming, filename); err != nil {
			return nil, model.NewPipelineError(model.KindMergeConflict, "", err)
		}
	}

	if existing == nil {
		return incoming, nil
	}
	if incoming == nil {
		return existing, nil
	}

	if err := assertCloseEnough(existing, incoming); err != nil {
		return nil, model.NewPipelineError(model.KindMergeConflict, "", err)
	}

	existingTier := existing.Tier()
	incomingTier := incomingTier(incoming, source)

	// Special merge: file_unknown_sig carries more reliable file-extraction
	// data than VirusTotal ever does. Only the signingStatus itself is
	// worth adopting from the other side.
	if existingTier == model.TierFileUnknownSig {
		if incoming.HasSigningStatus {
			if incoming.SigningStatus == "Unsigned" {
				return nil, model.NewPipelineError(model.KindMergeConflict, "",
					fmt.Errorf("file_unknown_sig record contradicted by Unsigned from %s", source))
			}
			merged := *existing
			merged.SigningStatus = incoming.SigningStatus
			return &merged, nil
		}
		return existing, nil
	}
	if incomingTier == model.TierFileUnknownSig {
		if existing.HasSigningStatus {
			if existing.SigningStatus == "Unsigned" {
				return nil, model.NewPipelineError(model.KindMergeConflict, "",
					fmt.Errorf("file_unknown_sig record from %s contradicted by existing Unsigned", source))
			}
			merged := *incoming
			merged.SigningStatus = existing.SigningStatus
			return &merged, nil
		}
		return incoming, nil
	}

	if incomingTier.Rank() > existingTier.Rank() {
		return incoming, nil
	}
	return existing, nil
}

// incomingTier resolves the precedence tier a freshly-contributed record
// occupies. ISO scans are always treated as the 'file' tier and VT
// records as 'vt', regardless of which fields happen to be populated;
// only update-manifest-sourced records are classified by key-set, with
// vt_or_file reclassified as file (an update manifest can never actually
// produce a vt_or_file shape, but the classifier doesn't distinguish the
// two without knowing the source).
func incomingTier(info *model.FileInfo, source Source) model.Tier {
	switch source {
	case SourceISO:
		return model.TierFile
	case SourceVT:
		return model.TierVT
	case SourceUpdate:
		t := info.Tier()
		if t == model.TierVTOrFile {
			return model.TierFile
		}
		return t
	default:
		return model.TierUnknown
	}
}

// assertCloseEnough mirrors assert_file_info_close_enough: size must
// match exactly everywhere; for non-PE files only the shared hash/size
// keys may be compared; for delta/delta+/pe tiers every shared field must
// match exactly; above that tier, descriptions/versions are trimmed and
// Catalog-file signatures are normalized to Unsigned before comparing,
// signingStatus tolerates either side reporting Unknown (unless the other
// side reports Unsigned), and signingDate
// is compared within signingDateTolerance.
func assertCloseEnough(a, b *model.FileInfo) error {
	if a.Size != b.Size {
		return fmt.Errorf("size mismatch: %d vs %d", a.Size, b.Size)
	}

	if !a.HasMachineType && !b.HasMachineType {
		return assertNonPECloseEnough(a, b)
	}
	if a.HasMachineType != b.HasMachineType {
		return fmt.Errorf("machineType presence mismatch")
	}

	if a.MachineType != b.MachineType {
		return fmt.Errorf("machineType mismatch: %v vs %v", a.MachineType, b.MachineType)
	}
	if a.Timestamp != b.Timestamp {
		return fmt.Errorf("timestamp mismatch: %v vs %v", a.Timestamp, b.Timestamp)
	}

	deltaOrPE := func(t model.Tier) bool {
		return t == model.TierDelta || t == model.TierDeltaPlus || t == model.TierPE
	}
	if deltaOrPE(a.Tier()) || deltaOrPE(b.Tier()) {
		return assertSharedFieldsEqual(a, b)
	}

	return assertFileTierCloseEnough(a, b)
}

func assertNonPECloseEnough(a, b *model.FileInfo) error {
	if a.MD5 != "" && b.MD5 != "" && a.MD5 != b.MD5 {
		return fmt.Errorf("md5 mismatch on non-PE record")
	}
	if a.SHA1 != "" && b.SHA1 != "" && a.SHA1 != b.SHA1 {
		return fmt.Errorf("sha1 mismatch on non-PE record")
	}
	if a.SHA256 != "" && b.SHA256 != "" && a.SHA256 != b.SHA256 {
		return fmt.Errorf("sha256 mismatch on non-PE record")
	}
	return nil
}

func assertSharedFieldsEqual(a, b *model.FileInfo) error {
	if a.MD5 != "" && b.MD5 != "" && a.MD5 != b.MD5 {
		return fmt.Errorf("md5 mismatch")
	}
	if a.SHA1 != "" && b.SHA1 != "" && a.SHA1 != b.SHA1 {
		return fmt.Errorf("sha1 mismatch")
	}
	if a.SHA256 != "" && b.SHA256 != "" && a.SHA256 != b.SHA256 {
		return fmt.Errorf("sha256 mismatch")
	}
	if a.HasLastSection && b.HasLastSection {
		if a.LastSectionVirtualAddress != b.LastSectionVirtualAddress ||
			a.LastSectionPointerToRawData != b.LastSectionPointerToRawData {
			return fmt.Errorf("last-section fields mismatch")
		}
	}
	if a.HasVirtualSize && b.HasVirtualSize && a.VirtualSize != b.VirtualSize {
		return fmt.Errorf("virtualSize mismatch: %#x vs %#x", a.VirtualSize, b.VirtualSize)
	}
	return nil
}

func assertFileTierCloseEnough(a, b *model.FileInfo) error {
	ca, cb := canonicalFileInfo(*a), canonicalFileInfo(*b)

	if err := assertSharedFieldsEqual(&ca, &cb); err != nil {
		return err
	}
	if ca.Description != "" && cb.Description != "" && ca.Description != cb.Description {
		return fmt.Errorf("description mismatch")
	}
	if ca.Version != "" && cb.Version != "" && ca.Version != cb.Version {
		return fmt.Errorf("version mismatch")
	}

	if ca.HasSigningStatus && cb.HasSigningStatus {
		switch {
		case ca.SigningStatus == "Unknown":
			if cb.SigningStatus == "Unsigned" {
				return fmt.Errorf("signingStatus Unknown contradicted by Unsigned")
			}
		case cb.SigningStatus == "Unknown":
			if ca.SigningStatus == "Unsigned" {
				return fmt.Errorf("signingStatus Unsigned contradicted by Unknown")
			}
		default:
			if ca.SigningStatus != cb.SigningStatus {
				return fmt.Errorf("signingStatus mismatch: %q vs %q", ca.SigningStatus, cb.SigningStatus)
			}
		}
	}

	return assertSigningDateCloseEnough(&ca, &cb)
}

// assertSigningDateCloseEnough compares only the first signingDate entry
// on each side, within signingDateTolerance, matching the source's
// "compare only first date" behavior. It doesn't need filename: the
// multiple-signing-times exception lives in validateSigningDates, which
// runs before a record's own signingDate list is trusted at all.
func assertSigningDateCloseEnough(a, b *model.FileInfo) error {
	if len(a.SigningDate) == 0 && len(b.SigningDate) == 0 {
		return nil
	}
	if len(a.SigningDate) == 0 || len(b.SigningDate) == 0 {
		if len(a.SigningDate) == 0 && a.SigningStatus == "Signed" {
			return fmt.Errorf("record reports Signed with no signingDate")
		}
		if len(b.SigningDate) == 0 && b.SigningStatus == "Signed" {
			return fmt.Errorf("record reports Signed with no signingDate")
		}
		return nil
	}

	within, err := signingDatesWithinTolerance(a.SigningDate[0], b.SigningDate[0])
	if err != nil {
		return err
	}
	if !within {
		return fmt.Errorf("signingDate mismatch between %q and %q exceeds %v tolerance",
			a.SigningDate[0], b.SigningDate[0], signingDateTolerance)
	}
	return nil
}

func signingDatesWithinTolerance(rawA, rawB string) (bool, error) {
	t1, err := time.Parse(time.RFC3339, rawA)
	if err != nil {
		return false, errors.Wrap(err, "parsing signingDate")
	}
	t2, err := time.Parse(time.RFC3339, rawB)
	if err != nil {
		return false, errors.Wrap(err, "parsing signingDate")
	}

	diff := t1.Sub(t2)
	if diff < 0 {
		diff = -diff
	}
	return diff <= signingDateTolerance, nil
}

// edgeApplicationPaths holds the sourcePath suffixes whose executable is
// known to carry more than one embedded authenticode signature (Edge
// stamps a signature for its own binary and another for a bundled
// component, typically a few hours apart during the same build). A
// signingDate list with more than one entry is otherwise treated as an
// extraction anomaly.
var edgeApplicationPaths = []string{
	`microsoft\edge\application\msedge.exe`,
}

func isEdgeApplicationPath(filename string) bool {
	lower := strings.ToLower(strings.ReplaceAll(filename, "/", `\`))
	for _, suffix := range edgeApplicationPaths {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// validateSigningDates enforces the multiple-signing-times rule on one
// FileInfo's own signingDate list, independent of any merge against an
// existing record: a single entry is always fine; more than one entry is
// only tolerated for isEdgeApplicationPath, and even then only if every
// pair of entries falls within signingDateTolerance of each other.
func validateSigningDates(info *model.FileInfo, filename string) error {
	if len(info.SigningDate) <= 1 {
		return nil
	}
	if !isEdgeApplicationPath(filename) {
		return fmt.Errorf("%d signingDate entries on non-Edge file %s", len(info.SigningDate), filename)
	}
	for i := 0; i < len(info.SigningDate); i++ {
		for j := i + 1; j < len(info.SigningDate); j++ {
			within, err := signingDatesWithinTolerance(info.SigningDate[i], info.SigningDate[j])
			if err != nil {
				return err
			}
			if !within {
				return fmt.Errorf("signingDate entries %q and %q on %s exceed %v tolerance",
					info.SigningDate[i], info.SigningDate[j], filename, signingDateTolerance)
			}
		}
	}
	return nil
}

// canonicalFileInfo applies the VirusTotal-specific normalization
// assert_file_info_close_enough performs before comparing two sources:
// whitespace-only description/version fields are dropped, and a
// Catalog-file-only signature is downgraded to Unsigned since its
// validity depends on the scanning machine's CatRoot store.
func canonicalFileInfo(f model.FileInfo) model.FileInfo {
	f.Description = strings.TrimSpace(f.Description)
	f.Version = strings.TrimSpace(f.Version)

	if f.SignatureType == "Catalog file" {
		f.SigningStatus = "Unsigned"
		f.SignatureType = ""
		f.SigningDate = nil
	}
	return f
}

// ShouldSkipHashMismatch reports whether (sha256, md5) is a known,
// allowlisted hash mismatch for windowsVersion, mirroring
// group_update_assembly_by_filename's pre-merge filter: a file whose
// manifest-reported SHA256 is known to be wrong for this specific
// Windows version is skipped entirely rather than ever reaching Merge.
// It returns an error if the pair is allowlisted but not for
// windowsVersion, since that means either the manifest or the config is
// wrong and silently continuing would hide it.
func ShouldSkipHashMismatch(cfg *config.Config, sha256, md5, windowsVersion string) (bool, error) {
	versions, ok := cfg.FileHashesMismatch[config.HashPair{SHA256: sha256, MD5: md5}]
	if !ok {
		return false, nil
	}
	if !versions[windowsVersion] {
		return false, fmt.Errorf(
			"(sha256=%s, md5=%s) is allowlisted as a hash mismatch but not for windows version %s",
			sha256, md5, windowsVersion)
	}
	return true, nil
}
