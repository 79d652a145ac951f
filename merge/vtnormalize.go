package merge

import (
	"fmt"
	"strings"
	"time"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/model"
)

// VTSection is one PE section as reported by VirusTotal's pe_info.sections.
type VTSection struct {
	VirtualAddress uint32
	VirtualSize    uint32
}

// VTAttributes is the subset of a VirusTotal file-report's
// data.attributes object this package needs, already unmarshaled by the
// externally supplied JSON fetcher. Field names match VirusTotal's API,
// not this repo's own conventions, since this struct exists only to
// describe what the external collaborator hands us.
type VTAttributes struct {
	Size   int64
	MD5    string
	SHA1   string
	SHA256 string

	PEInfo struct {
		MachineType uint16
		Sections    []VTSection
		HasTimestamp bool
		Timestamp    uint32
		HasOverlay   bool
		OverlaySize  int64
	}

	SignatureInfo struct {
		Present     bool
		Verified    string
		FileVersion string
		Description string
		SigningDate string // "15:04 02/01/2006" or "3:04 PM 1/2/2006"
	}

	FirstSubmissionDate int64
}

// NormalizeVTFileInfo converts an externally fetched VirusTotal attributes
// payload into a model.FileInfo, reproducing get_virustotal_info's section
// alignment, overlay, and signing-date quirks. The VT fetcher itself
// (querying the API, rotating identities) remains an external
// collaborator; this is purely the "turn their JSON into our shape" step.
func NormalizeVTFileInfo(cfg *config.Config, attr *VTAttributes) (*model.FileInfo, error) {
	if len(attr.PEInfo.Sections) == 0 {
		return nil, fmt.Errorf("virustotal record has no PE sections")
	}

	alignment, err := sectionAlignment(cfg, attr)
	if err != nil {
		return nil, err
	}

	virtualSize := attr.PEInfo.Sections[0].VirtualAddress
	for _, section := range attr.PEInfo.Sections {
		if section.VirtualAddress != virtualSize {
			return nil, fmt.Errorf("non-contiguous section layout at virtual address %#x", section.VirtualAddress)
		}
		virtualSize += alignUp(section.VirtualSize, alignment)
	}

	timestamp := attr.PEInfo.Timestamp
	if !attr.PEInfo.HasTimestamp {
		if !cfg.FileHashesZeroTimestamp[attr.SHA256] {
			return nil, fmt.Errorf("virustotal record for %s has no timestamp and is not allowlisted for zero timestamp", attr.SHA256)
		}
		timestamp = 0
	}

	info := &model.FileInfo{
		Size:           attr.Size,
		MD5:            attr.MD5,
		SHA1:           attr.SHA1,
		SHA256:         attr.SHA256,
		HasMachineType: true,
		MachineType:    attr.PEInfo.MachineType,
		HasTimestamp:   true,
		Timestamp:      timestamp,
		HasVirtualSize: true,
		VirtualSize:    virtualSize,
		HasSigningStatus: true,
		SigningStatus:    "Unsigned",
	}

	hasOverlay, err := hasSignatureOverlay(cfg, attr)
	if err != nil {
		return nil, err
	}

	fileSigned := false
	if attr.SignatureInfo.Present {
		if attr.SignatureInfo.FileVersion != "" {
			info.Version = attr.SignatureInfo.FileVersion
		}
		if attr.SignatureInfo.Description != "" {
			info.Description = attr.SignatureInfo.Description
		}

		signingDateReliable := false
		if attr.SignatureInfo.Verified != "" {
			info.SigningStatus = attr.SignatureInfo.Verified
			if hasOverlay {
				info.SignatureType = "Overlay"
			} else {
				info.SignatureType = "Catalog file"
			}
			fileSigned = true
			if attr.SignatureInfo.Verified == "Signed" {
				signingDateReliable = true
			}
		}

		if hasOverlay && attr.SignatureInfo.SigningDate != "" && signingDateReliable {
			t, err := parseVTSigningDate(attr.SignatureInfo.SigningDate)
			if err != nil {
				return nil, err
			}
			if attr.FirstSubmissionDate != 0 && !t.Before(time.Unix(attr.FirstSubmissionDate, 0)) {
				return nil, fmt.Errorf("signing date %v not before first submission date, likely an analysis-date mislabel", t)
			}
			info.SigningDate = []string{t.UTC().Format(time.RFC3339)}
		}
	}

	if hasOverlay && !fileSigned {
		return nil, fmt.Errorf("unexplained signature overlay on unsigned file %s", attr.SHA256)
	}

	return info, nil
}

func sectionAlignment(cfg *config.Config, attr *VTAttributes) (uint32, error) {
	first := attr.PEInfo.Sections[0]

	if cfg.TCBLauncherDescriptions[attr.SignatureInfo.Description] {
		if !cfg.TCBLauncherLargeFirstSectionVirtualAddresses[first.VirtualAddress] {
			return 0, fmt.Errorf("TCB launcher file %s has unexpected first section virtual address %#x", attr.SHA256, first.VirtualAddress)
		}
		return 0x1000, nil
	}

	if override, ok := cfg.FileHashesUnusualSectionAlignment[attr.SHA256]; ok {
		if first.VirtualAddress != override.FirstSectionVirtualAddress {
			return 0, fmt.Errorf("unusual-section-alignment override for %s expected virtual address %#x, got %#x",
				attr.SHA256, override.FirstSectionVirtualAddress, first.VirtualAddress)
		}
		return override.SectionAlignment, nil
	}

	if !isPowerOfTwo(first.VirtualAddress) {
		return 0, fmt.Errorf("first section virtual address %#x is not a power of two for %s", first.VirtualAddress, attr.SHA256)
	}
	return first.VirtualAddress, nil
}

func hasSignatureOverlay(cfg *config.Config, attr *VTAttributes) (bool, error) {
	if !attr.PEInfo.HasOverlay {
		return false, nil
	}

	if attr.PEInfo.OverlaySize < 0x20 {
		if !cfg.FileHashesSmallNonSignatureOverlay[attr.SHA256] {
			return false, fmt.Errorf("small overlay (%d bytes) on %s is not allowlisted as non-signature", attr.PEInfo.OverlaySize, attr.SHA256)
		}
		return false, nil
	}

	if cfg.FileHashesUnsignedWithOverlay[attr.SHA256] {
		return false, nil
	}

	for _, detail := range cfg.FileDetailsUnsignedWithOverlay {
		if detail.OverlaySize != attr.PEInfo.OverlaySize {
			continue
		}
		if detail.Key == "description" && detail.Value == attr.SignatureInfo.Description {
			return false, nil
		}
		if detail.Key == "verified" && detail.Value == attr.SignatureInfo.Verified {
			return false, nil
		}
	}

	return true, nil
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

func alignUp(n, alignment uint32) uint32 {
	if alignment == 0 {
		return n
	}
	return (n + alignment - 1) / alignment * alignment
}

// parseVTSigningDate parses VirusTotal's two observed "signing date"
// formats: "H:MM D/M/YYYY" and "H:MM AM/PM M/D/YYYY".
func parseVTSigningDate(s string) (time.Time, error) {
	spaces := strings.Count(s, " ")
	switch spaces {
	case 1:
		return time.Parse("15:04 02/01/2006", s)
	case 2:
		return time.Parse("3:04 PM 1/2/2006", s)
	default:
		return time.Time{}, fmt.Errorf("unrecognized signing date format: %q", s)
	}
}
