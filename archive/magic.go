package archive

import "bytes"

// Format identifies the archive container a downloaded update payload was
// sniffed as, by its leading magic bytes.
type Format int

const (
	FormatUnknown Format = iota
	FormatCAB
	FormatWIM
	FormatPSF
	FormatDCMv1
)

var (
	cabMagic   = []byte("MSCF")
	wimMagic   = []byte("MSWIM\x00\x00\x00")
	dcmv1Magic = []byte("DCM\x01")
)

// Sniff identifies the archive format of data by its leading magic bytes,
// the same dispatch the original pipeline used to decide whether a
// downloaded update payload needed expand/cabextract, wimlib, or a PSF
// splitter before its manifests could be reached.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, cabMagic):
		return FormatCAB
	case bytes.HasPrefix(data, wimMagic):
		return FormatWIM
	case bytes.HasPrefix(data, dcmv1Magic):
		return FormatDCMv1
	case looksLikePSF(data):
		return FormatPSF
	default:
		return FormatUnknown
	}
}

// looksLikePSF reports whether data begins with a PSF (Patch Storage
// File) container header, recognized by the ASCII prefix "PSF ".
func looksLikePSF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PSF "))
}
