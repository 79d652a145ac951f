// Package catalog resolves the set of Windows updates to process: it
// consolidates the per-Windows-version update lists published on
// Microsoft's support pages, folding an update that appears under more
// than one version into a single record with the others noted in
// OtherVersions, and enforces the catalog-wide sanity checks (every KB is
// unique, every KB maps to exactly one detail URL, and a KB folded across
// versions agrees with itself on URL/release date/release version).
package catalog

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/model"
)

// Fetcher retrieves the raw HTML of a Windows-version support page. The
// real implementation is an external HTTP-scraping collaborator (out of
// scope per this pipeline's boundaries); tests and the pipeline driver
// inject whichever implementation suits them.
type Fetcher interface {
	FetchVersionPage(ctx context.Context, windowsVersion, pageID string) (string, error)
}

// kbPattern extracts a KB number from a support-page heading.
var kbPattern = regexp.MustCompile(`KB\d+`)

// VersionSource names one Windows version and the numeric page ID
// Microsoft's support site uses to key its prefetched article JSON,
// ported from upd01_get_list_of_updates.py's windows_versions table.
type VersionSource struct {
	WindowsVersion string
	PageID         string
}

// RawUpdate is one minorVersions[] entry recovered from a support page
// (the "update history" sidebar) or a release-health table row, prior to
// KB extraction and cross-version consolidation. Heading is the raw text
// upd01_get_list_of_updates.py matched its `\b(KB) ?(\d+)\b` regex
// against; UpdateURL/ReleaseDate/ReleaseVersion are the sibling fields the
// same minorVersions entry carries.
type RawUpdate struct {
	Heading        string
	UpdateURL      string
	ReleaseDate    string
	ReleaseVersion string
}

// extractUpdates filters entries down to the ones whose heading names a
// KB, pairing each with the KB number extracted from its heading.
func extractUpdates(entries []RawUpdate) []struct {
	KB string
	RawUpdate
} {
	out := make([]struct {
		KB string
		RawUpdate
	}, 0, len(entries))
	for _, e := range entries {
		if kb := kbPattern.FindString(e.Heading); kb != "" {
			out = append(out, struct {
				KB string
				RawUpdate
			}{KB: kb, RawUpdate: e})
		}
	}
	return out
}

// Resolve builds a consolidated catalog across every configured
// VersionSource, applying the architecture/version denylist from cfg and
// the oldest-version-wins consolidation rule (requiring agreement on
// updateUrl, releaseDate, and releaseVersion before folding), then
// validates the catalog-wide invariants (unique KB, unique detail URL per
// KB).
//
// entriesByVersion supplies the already-extracted update entries per
// windows version; in production these come from parsing pages fetched
// through Fetcher, but Resolve itself is pure with respect to that
// extraction so its consolidation logic is independently testable.
func Resolve(cfg *config.Config, sources []VersionSource, entriesByVersion map[string][]RawUpdate) (model.Catalog, error) {
	catalog := model.Catalog{}
	seenKB := map[string]string{}  // kb -> windows version it was first seen under
	seenURL := map[string]string{} // updateUrl -> kb it was first seen under

	for _, src := range sources {
		for _, entry := range extractUpdates(entriesByVersion[src.WindowsVersion]) {
			kb := entry.KB
			if cfg != nil && cfg.UpdatesUnsupported[kb] {
				continue
			}

			if owner, ok := seenKB[kb]; ok {
				if owner == src.WindowsVersion {
					return nil, fmt.Errorf("duplicate KB %s within windows version %s", kb, src.WindowsVersion)
				}
				if err := assertConsolidationAgrees(cfg, catalog, owner, kb, src.WindowsVersion, entry.RawUpdate); err != nil {
					return nil, err
				}
				addOtherVersion(catalog, owner, kb, src.WindowsVersion)
				continue
			}

			if entry.UpdateURL != "" {
				if otherKB, ok := seenURL[entry.UpdateURL]; ok && otherKB != kb {
					return nil, fmt.Errorf("updateUrl %q resolves to both KB %s and KB %s", entry.UpdateURL, otherKB, kb)
				}
				seenURL[entry.UpdateURL] = kb
			}
			seenKB[kb] = src.WindowsVersion

			catalog[src.WindowsVersion] = append(catalog[src.WindowsVersion], model.Update{
				KB:             kb,
				WindowsVersion: src.WindowsVersion,
				UpdateURL:      entry.UpdateURL,
				ReleaseDate:    entry.ReleaseDate,
				ReleaseVersion: entry.ReleaseVersion,
			})
		}
	}

	for version := range catalog {
		sort.Slice(catalog[version], func(i, j int) bool {
			return catalog[version][i].KB < catalog[version][j].KB
		})
	}

	return catalog, nil
}

// assertConsolidationAgrees enforces the equalities upd01_get_list_of_updates's
// distilled consolidation rule requires before folding kb's entry under
// otherVersion into its existing home under owner: equal updateUrl,
// equal releaseDate (unless kb is in cfg's documented-exceptions
// allowlist), and equal releaseVersion modulo its build-number prefix.
func assertConsolidationAgrees(cfg *config.Config, catalog model.Catalog, owner, kb, otherVersion string, entry RawUpdate) error {
	existing := findUpdate(catalog, owner, kb)
	if existing == nil {
		return fmt.Errorf("internal error: KB %s marked seen under %s but not found in the catalog", kb, owner)
	}

	if existing.UpdateURL != "" && entry.UpdateURL != "" && existing.UpdateURL != entry.UpdateURL {
		return fmt.Errorf("KB %s: updateUrl %q under %s disagrees with %q under %s",
			kb, existing.UpdateURL, owner, entry.UpdateURL, otherVersion)
	}

	if existing.ReleaseDate != entry.ReleaseDate && (cfg == nil || !cfg.ReleaseDateExceptions[kb]) {
		return fmt.Errorf("KB %s: releaseDate %q disagrees with %q across windows versions",
			kb, existing.ReleaseDate, entry.ReleaseDate)
	}

	if !releaseVersionsAgree(existing.ReleaseVersion, entry.ReleaseVersion) {
		return fmt.Errorf("KB %s: releaseVersion %q disagrees with %q beyond their build-number prefix",
			kb, existing.ReleaseVersion, entry.ReleaseVersion)
	}

	return nil
}

// releaseVersionsAgree compares two dot-separated release version strings
// (e.g. "10.0.19044.2006" and "10.0.19045.2006") after setting aside their
// build-number prefix (every segment before the last), so the same update
// shipped for two builds agrees as long as its trailing revision matches.
func releaseVersionsAgree(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return revision(a) == revision(b)
}

// revision returns the last dot-separated segment of version, the part
// left once the build-number prefix is dropped.
func revision(version string) string {
	return version[strings.LastIndexByte(version, '.')+1:]
}

func findUpdate(catalog model.Catalog, windowsVersion, kb string) *model.Update {
	updates := catalog[windowsVersion]
	for i := range updates {
		if updates[i].KB == kb {
			return &updates[i]
		}
	}
	return nil
}

func addOtherVersion(catalog model.Catalog, owner, kb, otherVersion string) {
	if u := findUpdate(catalog, owner, kb); u != nil {
		u.OtherVersions = append(u.OtherVersions, otherVersion)
	}
}
