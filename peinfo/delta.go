// Package peinfo extracts FileInfo data from two sources that accompany a
// parsed component manifest: the delta descriptor (*.dd.txt) of a
// null-differential file (archive.Unpacker does not write these files),
// and the PE header of a fully extracted binary.
package peinfo

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/model"
	"github.com/pkg/errors"
)

// machineTypeValues maps the Code field of a delta descriptor to the PE
// machine-type constant it represents, ported verbatim from
// upd03_parse_manifests.py's get_delta_data_for_manifest_file.
var machineTypeValues = map[string]uint16{
	"CLI4_I386":  332,
	"CLI4_AMD64": 34404,
	"CLI4_ARM":   452,
	"CLI4_ARM64": 43620,
}

var deltaLinePattern = regexp.MustCompile(`(?m)^(\w+):(.*)$`)

// ParseDeltaDescriptor parses the contents of a *.dd.txt delta descriptor
// file into a FileInfo. cfg restricts which machine-type Code values are
// accepted, mirroring config.delta_machine_type_values_supported.
func ParseDeltaDescriptor(cfg *config.Config, data []byte) (*model.FileInfo, error) {
	fields := map[string]string{}
	for _, m := range deltaLinePattern.FindAllStringSubmatch(string(data), -1) {
		fields[m[1]] = strings.TrimSpace(m[2])
	}

	targetSize, ok := fields["TargetSize"]
	if !ok {
		return nil, fmt.Errorf("delta descriptor missing TargetSize")
	}
	size, err := strconv.ParseInt(targetSize, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parsing TargetSize")
	}

	info := &model.FileInfo{Size: size}
	switch alg := fields["HashAlgorithm"]; alg {
	case "CALG_MD5":
		info.MD5 = strings.ToLower(fields["Hash"])
	case "CALG_SHA_256":
		info.SHA256 = strings.ToLower(fields["Hash"])
	default:
		return nil, fmt.Errorf("expected HashAlgorithm CALG_MD5 or CALG_SHA_256, got %q", alg)
	}

	code := fields["Code"]
	if code != "" && code != "Raw" {
		if cfg != nil && len(cfg.DeltaMachineTypesSupported) > 0 && !cfg.DeltaMachineTypesSupported[code] {
			return nil, fmt.Errorf("delta machine type %q is not in the supported set", code)
		}
		machine, ok := machineTypeValues[code]
		if !ok {
			return nil, fmt.Errorf("unrecognized delta Code %q", code)
		}
		info.HasMachineType = true
		info.MachineType = machine

		ts, err := strconv.ParseUint(fields["TimeStamp"], 10, 32)
		if err != nil {
			return nil, errors.Wrap(err, "parsing TimeStamp")
		}
		info.HasTimestamp = true
		info.Timestamp = uint32(ts)

		riftTable := fields["RiftTable"]
		if riftTable != "(none)" {
			segments := strings.Split(riftTable, ";")
			last := strings.Split(segments[len(segments)-1], ",")
			if len(last) < 2 {
				return nil, fmt.Errorf("malformed RiftTable entry %q", riftTable)
			}
			va, err := strconv.ParseUint(strings.TrimSpace(last[0]), 10, 32)
			if err != nil {
				return nil, errors.Wrap(err, "parsing RiftTable virtual address")
			}
			praw, err := strconv.ParseUint(strings.TrimSpace(last[1]), 10, 32)
			if err != nil {
				return nil, errors.Wrap(err, "parsing RiftTable pointer to raw data")
			}
			info.HasLastSection = true
			info.LastSectionVirtualAddress = uint32(va)
			info.LastSectionPointerToRawData = uint32(praw)
		}
	}

	return info, nil
}
