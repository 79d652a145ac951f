package peinfo

import (
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"time"
)

// winCertTypePKCS7SignedData is WIN_CERT_TYPE_PKCS_SIGNED_DATA, the only
// WIN_CERTIFICATE payload format Authenticode uses: a DER-encoded PKCS#7
// ContentInfo wrapping a SignedData.
const winCertTypePKCS7SignedData = 0x0002

var (
	oidSigningTime      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidCountersignature = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}
)

const (
	classUniversal       = 0
	classContextSpecific = 2

	tagSequence    = 16
	tagSet         = 17
	tagUTCTime     = 23
	tagGeneralized = 24
)

// CountersignerSigningTimes walks the Authenticode certificate table of a
// PE image (the IMAGE_DIRECTORY_ENTRY_SECURITY data directory, found via
// peHeaderOffset, the e_lfanew-resolved offset of the "PE\0\0" signature)
// and returns every signingTime attribute found across its embedded
// PKCS#7 SignedData blobs (each signer's own authenticated signingTime,
// followed by those of its nested countersignatures), each formatted as an RFC3339 UTC
// timestamp so it compares the same way as a VirusTotal-sourced
// signingDate. A missing or structurally unrecognized certificate table
// yields no times rather than an error, matching spec.md's "attempt to
// read countersigner signing time from every embedded signed-data blob".
func CountersignerSigningTimes(data []byte, peHeaderOffset int64) []string {
	dir, ok := securityDirectory(data, peHeaderOffset)
	if !ok {
		return nil
	}

	var times []time.Time
	cursor := dir.offset
	end := dir.offset + dir.size
	for cursor+8 <= end && cursor+8 <= int64(len(data)) {
		certLen := int64(binary.LittleEndian.Uint32(data[cursor : cursor+4]))
		certType := binary.LittleEndian.Uint16(data[cursor+6 : cursor+8])
		if certLen < 8 || cursor+certLen > int64(len(data)) {
			break
		}
		if certType == winCertTypePKCS7SignedData {
			times = append(times, signedDataSigningTimes(data[cursor+8:cursor+certLen])...)
		}
		cursor += certLen
		if pad := cursor % 8; pad != 0 {
			cursor += 8 - pad
		}
	}

	return formatSigningTimes(times)
}

type dataDirectory struct {
	offset int64
	size   int64
}

// securityDirectory resolves data directory entry 4 (the certificate
// table) out of a PE32 or PE32+ optional header, following the same
// e_lfanew -> file-header -> optional-header offsets ExtractPEFile
// already walked to reach machineType/timestamp/virtualSize.
func securityDirectory(data []byte, peHeaderOffset int64) (dataDirectory, bool) {
	optHeaderOffset := peHeaderOffset + 24
	if int64(len(data)) < optHeaderOffset+2 {
		return dataDirectory{}, false
	}
	magic := binary.LittleEndian.Uint16(data[optHeaderOffset : optHeaderOffset+2])

	var dataDirOffset int64
	switch magic {
	case 0x10b: // PE32
		dataDirOffset = optHeaderOffset + 96
	case 0x20b: // PE32+
		dataDirOffset = optHeaderOffset + 112
	default:
		return dataDirectory{}, false
	}

	const securityDirectoryIndex = 4
	entryOffset := dataDirOffset + securityDirectoryIndex*8
	if int64(len(data)) < entryOffset+8 {
		return dataDirectory{}, false
	}

	offset := int64(binary.LittleEndian.Uint32(data[entryOffset : entryOffset+4]))
	size := int64(binary.LittleEndian.Uint32(data[entryOffset+4 : entryOffset+8]))
	if size == 0 || offset < 0 || offset+size > int64(len(data)) {
		return dataDirectory{}, false
	}
	return dataDirectory{offset: offset, size: size}, true
}

// derTLV is one minimal DER tag-length-value triple. The PKCS#7 structure
// mixes mandatory universal fields with optional context-specific ones
// (SignedData's [0] certificates / [1] crls ahead of its mandatory
// signerInfos), which asn1.Unmarshal's struct-tag matching handles
// awkwardly; walking the DER directly sidesteps that and lets leaf values
// (object identifiers, times) still be decoded with encoding/asn1.
type derTLV struct {
	class   byte
	tag     int
	content []byte
	rest    []byte
}

func readDERTLV(data []byte) (derTLV, error) {
	if len(data) < 2 {
		return derTLV{}, fmt.Errorf("asn1: truncated tag")
	}
	b := data[0]
	class := b >> 6
	tag := int(b & 0x1f)
	if tag == 0x1f {
		return derTLV{}, fmt.Errorf("asn1: high-tag-number form not supported")
	}

	pos := 1
	lb := data[pos]
	pos++
	var length int
	if lb&0x80 == 0 {
		length = int(lb)
	} else {
		n := int(lb & 0x7f)
		if n == 0 || n > 4 || pos+n > len(data) {
			return derTLV{}, fmt.Errorf("asn1: unsupported length encoding")
		}
		for i := 0; i < n; i++ {
			length = length<<8 | int(data[pos])
			pos++
		}
	}
	if length < 0 || pos+length > len(data) {
		return derTLV{}, fmt.Errorf("asn1: truncated value")
	}
	return derTLV{
		class:   class,
		tag:     tag,
		content: data[pos : pos+length],
		rest:    data[pos+length:],
	}, nil
}

// signedDataSigningTimes parses one WIN_CERTIFICATE payload as a PKCS#7
// ContentInfo wrapping a SignedData, and returns every signingTime found
// across its signerInfos (including nested countersignatures).
func signedDataSigningTimes(blob []byte) []time.Time {
	ci, err := readDERTLV(blob)
	if err != nil || ci.tag != tagSequence {
		return nil
	}
	rest := ci.content

	// contentType OID, unused: Authenticode always wraps signedData.
	tlv, err := readDERTLV(rest)
	if err != nil {
		return nil
	}
	rest = tlv.rest

	// [0] EXPLICIT content, wrapping the SignedData SEQUENCE itself.
	wrapper, err := readDERTLV(rest)
	if err != nil || wrapper.class != classContextSpecific || wrapper.tag != 0 {
		return nil
	}
	signedData, err := readDERTLV(wrapper.content)
	if err != nil || signedData.tag != tagSequence {
		return nil
	}

	signerInfos, err := signedDataSignerInfos(signedData.content)
	if err != nil {
		return nil
	}

	var times []time.Time
	rest = signerInfos
	for len(rest) > 0 {
		tlv, err := readDERTLV(rest)
		if err != nil {
			break
		}
		rest = tlv.rest
		times = append(times, signingTimesFromSignerInfo(tlv.content)...)
	}
	return times
}

// signedDataSignerInfos skips SignedData's version, digestAlgorithms, and
// contentInfo fields, plus its optional [0] certificates / [1] crls, and
// returns the content of the mandatory signerInfos SET OF SignerInfo.
func signedDataSignerInfos(content []byte) ([]byte, error) {
	rest := content
	for _, name := range []string{"version", "digestAlgorithms", "contentInfo"} {
		tlv, err := readDERTLV(rest)
		if err != nil {
			return nil, fmt.Errorf("signedData.%s: %w", name, err)
		}
		rest = tlv.rest
	}

	for {
		tlv, err := readDERTLV(rest)
		if err != nil {
			return nil, err
		}
		rest = tlv.rest
		if tlv.class == classContextSpecific {
			continue // certificates [0] or crls [1]
		}
		if tlv.class == classUniversal && tlv.tag == tagSet {
			return tlv.content, nil
		}
		return nil, fmt.Errorf("signedData: unexpected field (class %d tag %d)", tlv.class, tlv.tag)
	}
}

// signingTimesFromSignerInfo extracts the authenticatedAttributes
// signingTime (if present) and recurses into any unauthenticatedAttributes
// countersignature's own signingTime.
func signingTimesFromSignerInfo(content []byte) []time.Time {
	var times []time.Time
	rest := content

	for _, name := range []string{"version", "issuerAndSerialNumber", "digestAlgorithm"} {
		tlv, err := readDERTLV(rest)
		if err != nil {
			return times
		}
		rest = tlv.rest
		_ = name
	}

	if len(rest) > 0 {
		if tlv, err := readDERTLV(rest); err == nil && tlv.class == classContextSpecific && tlv.tag == 0 {
			times = append(times, attributeTimes(tlv.content, oidSigningTime)...)
			rest = tlv.rest
		}
	}

	for _, name := range []string{"digestEncryptionAlgorithm", "encryptedDigest"} {
		tlv, err := readDERTLV(rest)
		if err != nil {
			return times
		}
		rest = tlv.rest
		_ = name
	}

	if len(rest) > 0 {
		if tlv, err := readDERTLV(rest); err == nil && tlv.class == classContextSpecific && tlv.tag == 1 {
			times = append(times, countersignatureTimes(tlv.content)...)
		}
	}

	return times
}

// attributeTimes walks a SET OF Attribute (the content of an IMPLICIT [0]
// or [1] wrapper, which carries the same element encoding as a universal
// SET) and decodes the time value of every attribute matching wantOID.
func attributeTimes(data []byte, wantOID asn1.ObjectIdentifier) []time.Time {
	var out []time.Time
	for len(data) > 0 {
		attr, err := readDERTLV(data)
		if err != nil {
			return out
		}
		data = attr.rest

		oid, valuesContent, ok := parseAttributeHeader(attr.content)
		if !ok || !oid.Equal(wantOID) {
			continue
		}
		if t, ok := firstTimeValue(valuesContent); ok {
			out = append(out, t)
		}
	}
	return out
}

// countersignatureTimes finds countersignature attributes and recurses
// into each one's embedded SignerInfo for its own signingTime.
func countersignatureTimes(data []byte) []time.Time {
	var out []time.Time
	for len(data) > 0 {
		attr, err := readDERTLV(data)
		if err != nil {
			return out
		}
		data = attr.rest

		oid, valuesContent, ok := parseAttributeHeader(attr.content)
		if !ok || !oid.Equal(oidCountersignature) {
			continue
		}
		if len(valuesContent) == 0 {
			continue
		}
		counterSigner, err := readDERTLV(valuesContent)
		if err != nil {
			continue
		}
		out = append(out, signingTimesFromSignerInfo(counterSigner.content)...)
	}
	return out
}

// parseAttributeHeader reads an Attribute SEQUENCE's type OID and returns
// the content of its values SET OF ANY for the caller to interpret.
func parseAttributeHeader(content []byte) (asn1.ObjectIdentifier, []byte, bool) {
	oidTLV, err := readDERTLV(content)
	if err != nil {
		return nil, nil, false
	}
	var oid asn1.ObjectIdentifier
	oidFull := content[:len(content)-len(oidTLV.rest)]
	if _, err := asn1.Unmarshal(oidFull, &oid); err != nil {
		return nil, nil, false
	}

	valuesTLV, err := readDERTLV(oidTLV.rest)
	if err != nil || valuesTLV.class != classUniversal || valuesTLV.tag != tagSet {
		return nil, nil, false
	}
	return oid, valuesTLV.content, true
}

// firstTimeValue decodes the first member of a values SET as a UTCTime or
// GeneralizedTime, the two forms a signingTime attribute may carry.
func firstTimeValue(valuesContent []byte) (time.Time, bool) {
	if len(valuesContent) == 0 {
		return time.Time{}, false
	}
	valueTLV, err := readDERTLV(valuesContent)
	if err != nil {
		return time.Time{}, false
	}
	full := valuesContent[:len(valuesContent)-len(valueTLV.rest)]

	var t time.Time
	switch valueTLV.tag {
	case tagUTCTime:
		if _, err := asn1.Unmarshal(full, &t); err != nil {
			return time.Time{}, false
		}
	case tagGeneralized:
		if _, err := asn1.UnmarshalWithParams(full, &t, "generalized"); err != nil {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}
	return t, true
}

func formatSigningTimes(times []time.Time) []string {
	if len(times) == 0 {
		return nil
	}
	out := make([]string, 0, len(times))
	for _, t := range times {
		out = append(out, t.UTC().Format(time.RFC3339))
	}
	return out
}
