// Package model defines the shared record types passed between pipeline
// stages: updates, assembly/file records parsed from component manifests,
// the six-tier FileInfo record, and the bookkeeping types (FileHashIndex,
// InfoSources, ProgressState) that let a run resume after an interruption.
package model

import "sort"

// Update identifies one Windows update as listed on the support catalog
// page for a given Windows version.
type Update struct {
	KB             string   `json:"kb"`
	WindowsVersion string   `json:"-"`
	Title          string   `json:"-"`
	UpdateURL      string   `json:"updateUrl,omitempty"`
	ReleaseDate    string   `json:"releaseDate,omitempty"`
	ReleaseVersion string   `json:"releaseVersion,omitempty"`
	OtherVersions  []string `json:"otherWindowsVersions,omitempty"`
}

// Catalog is the consolidated updates.json shape: windows version ->
// ordered list of update KBs.
type Catalog map[string][]Update

// Attribute is an XML attribute preserved in document order. A plain Go
// map loses attribute order on iteration, and the manifest's own
// attribute order is part of what a byte-identical rerun must reproduce.
type Attribute struct {
	Name  string
	Value string
}

// AssemblyIdentity is the single <assemblyIdentity> element of a parsed
// component manifest.
type AssemblyIdentity struct {
	Attributes []Attribute
}

// FileRecord is one <file> element of a parsed component manifest, holding
// whichever digest algorithms were present and the FileInfo recovered from
// the delta descriptor or extracted PE payload alongside it, if any.
type FileRecord struct {
	Name       string
	Attributes []Attribute
	SHA1       string
	SHA256     string
	Info       *FileInfo
}

// AssemblyRecord is one parsed component manifest.
type AssemblyRecord struct {
	ManifestName string
	Identity     AssemblyIdentity
	Files        []FileRecord
}

// Tier names the completeness rung a FileInfo record occupies, from the
// thinnest (seen only in a manifest's own hash attributes) to the richest
// (content fully extracted and signature-checked).
type Tier string

const (
	TierRaw            Tier = "raw"
	TierRawFile        Tier = "raw_file"
	TierDelta          Tier = "delta"
	TierDeltaPlus      Tier = "delta+"
	TierPE             Tier = "pe"
	TierFileUnknownSig Tier = "file_unknown_sig"
	TierVT             Tier = "vt"
	TierVTOrFile        Tier = "vt_or_file"
	TierFile           Tier = "file"
	TierUnknown        Tier = ""
)

// precedence orders tiers from weakest to strongest. Ties keep the
// existing record. file_unknown_sig is deliberately absent: it is not a
// rung on this ladder, it's a side-channel flag handled specially by
// merge.Merge, mirroring upd05_group_by_filename.py's update_file_info.
var precedence = []Tier{
	TierRaw, TierRawFile, TierDelta, TierDeltaPlus, TierPE, TierVT, TierVTOrFile, TierFile,
}

// Rank returns t's index in the precedence ladder, or -1 if t has no rank
// (TierUnknown, TierFileUnknownSig).
func (t Tier) Rank() int {
	for i, p := range precedence {
		if p == t {
			return i
		}
	}
	return -1
}

// FileInfo is the six-tier completeness record for one (filename, hash)
// pair. Fields are plain values, with Has* flags marking the presence of
// the numeric and signing groups, rather than a free-form map so that
// Tier() can classify a record the same way
// upd05_group_by_filename.py's get_file_info_type does: by exact key-set
// match, not by a tag carried alongside the data.
type FileInfo struct {
	Size   int64  `json:"size"`
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`

	HasMachineType bool   `json:"-"`
	MachineType    uint16 `json:"machineType,omitempty"`

	HasTimestamp bool   `json:"-"`
	Timestamp    uint32 `json:"timestamp,omitempty"`

	HasLastSection              bool   `json:"-"`
	LastSectionVirtualAddress   uint32 `json:"lastSectionVirtualAddress,omitempty"`
	LastSectionPointerToRawData uint32 `json:"lastSectionPointerToRawData,omitempty"`

	HasVirtualSize bool   `json:"-"`
	VirtualSize    uint32 `json:"virtualSize,omitempty"`

	HasSigningStatus bool     `json:"-"`
	SigningStatus    string   `json:"signingStatus,omitempty"`
	SigningDate      []string `json:"signingDate,omitempty"`
	SignatureType    string   `json:"signatureType,omitempty"`
	Description      string   `json:"description,omitempty"`
	Version          string   `json:"version,omitempty"`
}

// Tier classifies f using the same exact key-set matching
// get_file_info_type applies in the original pipeline.
func (f *FileInfo) Tier() Tier {
	if !f.HasMachineType {
		switch {
		case f.MD5 != "" && f.SHA256 == "" && f.SHA1 == "":
			return TierRaw
		case f.SHA256 != "" && f.MD5 == "" && f.SHA1 == "":
			return TierRaw
		case f.MD5 != "" && f.SHA1 != "" && f.SHA256 != "":
			return TierRawFile
		default:
			return TierUnknown
		}
	}

	if f.HasLastSection {
		if f.HasVirtualSize {
			return TierDeltaPlus
		}
		return TierDelta
	}

	if !f.HasSigningStatus {
		// legacy pe-only shape: size, md5, machineType, timestamp, virtualSize
		if f.HasVirtualSize && f.MD5 != "" && f.SHA1 == "" && f.SHA256 == "" {
			return TierPE
		}
		return TierUnknown
	}

	if f.SigningStatus == "Unknown" {
		return TierFileUnknownSig
	}
	return TierVTOrFile
}

// ParseLegacyTier accepts the flat tag strings used by an older revision
// of the pipeline ('none'/'delta'/'delta+'/'pe'/'vt'/'file') and maps them
// onto the current tier set, for ingesting a pre-existing info_sources.json
// produced by that revision. New output never uses these tags.
func ParseLegacyTier(tag string) Tier {
	switch tag {
	case "none":
		return TierRaw
	case "delta":
		return TierDelta
	case "delta+":
		return TierDeltaPlus
	case "pe":
		return TierPE
	case "vt":
		return TierVT
	case "file":
		return TierFile
	default:
		return Tier(tag)
	}
}

// FileHashIndex is the info_sources.json shape: lowercased basename ->
// sha256/sha1 hash -> current tier.
type FileHashIndex map[string]map[string]Tier

// InfoSources tracks, per resumable stage, which (name, hash) pairs have
// already advanced as far as they can without further work, mirroring the
// info_progress_symbol_server.json / info_progress_virustotal.json shapes.
type InfoSources struct {
	Found    []NameHash `json:"found"`
	NotFound []NameHash `json:"not_found"`
	Next     *NameHash  `json:"next,omitempty"`
}

// NameHash is a (filename, hash) pair used as a resumption cursor.
type NameHash struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// ProgressState is the top-level progress.json checkpoint consulted and
// updated by the resumable driver between deadline-bounded runs.
type ProgressState struct {
	FilesProcessed map[string]bool `json:"files_processed"`
	FilesTotal     int             `json:"files_total"`
}

// MarkProcessed records name as done and is safe to call repeatedly.
func (p *ProgressState) MarkProcessed(name string) {
	if p.FilesProcessed == nil {
		p.FilesProcessed = map[string]bool{}
	}
	p.FilesProcessed[name] = true
}

// IsProcessed reports whether name was already handled in a prior run.
func (p *ProgressState) IsProcessed(name string) bool {
	return p.FilesProcessed[name]
}

// WindowsVersionUpdate is the updateInfo stored once per (windowsVersion,
// updateKB) in a grouped-index document.
type WindowsVersionUpdate struct {
	UpdateKB string `json:"-"`
	Info     string `json:"updateInfo"`
}

// AssemblyRef is one entry in a grouped-index document's per-update
// "assemblies" map, keyed by manifest name.
type AssemblyRef struct {
	ManifestName     string           `json:"-"`
	AssemblyIdentity AssemblyIdentity `json:"assemblyIdentity"`
}

// AttributeList is an append-only, dedup-on-insert list of attribute sets
// seen for a file across updates, mirroring the "attributes" array in a
// grouped-index document.
type AttributeList []map[string]string

// AppendUnique appends attrs to a if an identical map is not already
// present.
func (a AttributeList) AppendUnique(attrs map[string]string) AttributeList {
	for _, existing := range a {
		if mapsEqual(existing, attrs) {
			return a
		}
	}
	return append(a, attrs)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// SourcePaths is a sorted, deduplicated list of on-disk paths a file was
// observed at across ISO scans.
type SourcePaths []string

// Insort inserts path into s, keeping it sorted and without duplicates,
// mirroring bisect.insort over a dict's sourcePaths list.
func (s SourcePaths) Insort(path string) SourcePaths {
	i := sort.SearchStrings(s, path)
	if i < len(s) && s[i] == path {
		return s
	}
	out := make(SourcePaths, len(s)+1)
	copy(out, s[:i])
	out[i] = path
	copy(out[i+1:], s[i:])
	return out
}

// GroupedFile is one file_hash's worth of merged data inside a
// GroupedFilenameDoc.
type GroupedFile struct {
	FileInfo        *FileInfo                        `json:"fileInfo"`
	WindowsVersions map[string]map[string]UpdateEntry `json:"windowsVersions"`
}

// UpdateEntry is the per-update payload nested under a GroupedFile's
// windowsVersions map.
type UpdateEntry struct {
	UpdateInfo           string                  `json:"updateInfo,omitempty"`
	Assemblies           map[string]AssemblyRef  `json:"assemblies,omitempty"`
	Attributes           AttributeList           `json:"attributes,omitempty"`
	WindowsVersionInfo   string                  `json:"windowsVersionInfo,omitempty"`
	SourcePaths          SourcePaths             `json:"sourcePaths,omitempty"`
}

// GroupedFilenameDoc is the full on-disk shape of one <filename>.json.gz
// grouped-index document: sha256 (or sha1, upgraded when VT later learns
// the sha256) -> GroupedFile.
type GroupedFilenameDoc map[string]*GroupedFile
