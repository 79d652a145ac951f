package archive

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ValidatePatchHeader checks a null-differential patch payload's integrity:
// the first 4 bytes are a little-endian CRC32 of everything that follows,
// and the payload proper must begin with the "PA" marker msdelta.dll's
// ApplyDeltaB expects. Ported from delta_patch.py's
// apply_patchfile_to_buffer, which performs the same check just before
// calling into msdelta.dll; this function only does the integrity check,
// the apply step itself stays an external collaborator. It is a standalone
// check: Unpacker does not call it.
func ValidatePatchHeader(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("patch payload too short (%d bytes)", len(data))
	}

	want := binary.LittleEndian.Uint32(data[:4])
	got := crc32.ChecksumIEEE(data[4:])
	if got != want {
		return fmt.Errorf("patch CRC32 mismatch: header says %#x, computed %#x", want, got)
	}

	if string(data[4:6]) != "PA" {
		return fmt.Errorf("patch payload missing PA marker after CRC32 prefix")
	}

	return nil
}
