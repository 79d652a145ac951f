package peinfo

import (
	"encoding/asn1"
	"encoding/binary"
	"testing"
	"time"
)

// derEncode builds one DER TLV triple for class/tag wrapping content,
// the minimal encoder a test needs to hand-assemble a PKCS#7 SignedData
// fixture without pulling in a certificate-generation library.
func derEncode(class byte, tag int, content []byte) []byte {
	out := []byte{class<<6 | byte(tag)}
	n := len(content)
	switch {
	case n < 0x80:
		out = append(out, byte(n))
	default:
		var lenBytes []byte
		for v := n; v > 0; v >>= 8 {
			lenBytes = append([]byte{byte(v)}, lenBytes...)
		}
		out = append(out, 0x80|byte(len(lenBytes)))
		out = append(out, lenBytes...)
	}
	return append(out, content...)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	if err != nil {
		t.Fatalf("asn1.Marshal(%v): %v", v, err)
	}
	return b
}

// buildSignerInfo assembles a minimal SignerInfo whose
// authenticatedAttributes carry a signingTime attribute for signTime, and
// whose unauthenticatedAttributes carry a nested countersignature
// SignerInfo (its own signingTime set to counterTime) when counterTime is
// non-nil.
func buildSignerInfo(t *testing.T, signTime time.Time, counterTime *time.Time) []byte {
	t.Helper()

	dummySeq := derEncode(classUniversal, tagSequence, nil)
	version := derEncode(classUniversal, 2, []byte{0x01})
	encryptedDigest := derEncode(classUniversal, 4, []byte{0x2a})

	signingTimeAttr := func(when time.Time) []byte {
		timeTLV := mustMarshal(t, when)
		valuesSet := derEncode(classUniversal, tagSet, timeTLV)
		oidBytes := mustMarshal(t, oidSigningTime)
		return derEncode(classUniversal, tagSequence, append(append([]byte{}, oidBytes...), valuesSet...))
	}

	authAttrs := derEncode(classContextSpecific, 0, signingTimeAttr(signTime))

	content := append([]byte{}, version...)
	content = append(content, dummySeq...)
	content = append(content, dummySeq...)
	content = append(content, authAttrs...)
	content = append(content, dummySeq...)
	content = append(content, encryptedDigest...)

	if counterTime != nil {
		nestedContent := append([]byte{}, version...)
		nestedContent = append(nestedContent, dummySeq...)
		nestedContent = append(nestedContent, dummySeq...)
		nestedContent = append(nestedContent, derEncode(classContextSpecific, 0, signingTimeAttr(*counterTime))...)
		nestedContent = append(nestedContent, dummySeq...)
		nestedContent = append(nestedContent, encryptedDigest...)
		nestedSignerInfo := derEncode(classUniversal, tagSequence, nestedContent)

		counterOID := mustMarshal(t, oidCountersignature)
		valuesSet := derEncode(classUniversal, tagSet, nestedSignerInfo)
		counterAttr := derEncode(classUniversal, tagSequence, append(append([]byte{}, counterOID...), valuesSet...))
		unauthAttrs := derEncode(classContextSpecific, 1, counterAttr)
		content = append(content, unauthAttrs...)
	}

	return derEncode(classUniversal, tagSequence, content)
}

// buildPKCS7SignedData wraps signerInfo (one or more, already-encoded
// SignerInfo SEQUENCEs) in a ContentInfo { contentType, content [0]
// EXPLICIT SignedData }, the exact shape signedDataSigningTimes expects
// a WIN_CERTIFICATE's bCertificate payload to carry.
func buildPKCS7SignedData(t *testing.T, signerInfos ...[]byte) []byte {
	t.Helper()

	dummySeq := derEncode(classUniversal, tagSequence, nil)
	dummySet := derEncode(classUniversal, tagSet, nil)
	version := derEncode(classUniversal, 2, []byte{0x01})

	var signerInfosContent []byte
	for _, si := range signerInfos {
		signerInfosContent = append(signerInfosContent, si...)
	}
	signerInfosSet := derEncode(classUniversal, tagSet, signerInfosContent)

	signedDataContent := append([]byte{}, version...)
	signedDataContent = append(signedDataContent, dummySet...)
	signedDataContent = append(signedDataContent, dummySeq...)
	signedDataContent = append(signedDataContent, signerInfosSet...)
	signedData := derEncode(classUniversal, tagSequence, signedDataContent)

	wrapper := derEncode(classContextSpecific, 0, signedData)

	signedDataOID := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	contentType := mustMarshal(t, signedDataOID)

	ciContent := append([]byte{}, contentType...)
	ciContent = append(ciContent, wrapper...)
	return derEncode(classUniversal, tagSequence, ciContent)
}

// buildPEWithCertificate assembles a minimal PE32 image whose
// IMAGE_DIRECTORY_ENTRY_SECURITY data directory points at a single
// WIN_CERTIFICATE entry wrapping certPayload (a DER PKCS#7 ContentInfo).
// It returns the image bytes and the file offset of the "PE\0\0" header,
// the same peHeaderOffset ExtractPEFile passes to
// CountersignerSigningTimes.
func buildPEWithCertificate(certPayload []byte) ([]byte, int64) {
	const peOffset = 0x80
	const headerRegionLen = 0x100 // covers file header + PE32 optional header through data directory 4

	buf := make([]byte, peOffset+headerRegionLen)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], peOffset)
	copy(buf[peOffset:], "PE\x00\x00")

	optHeaderOffset := peOffset + 24
	binary.LittleEndian.PutUint16(buf[optHeaderOffset:], 0x10b) // PE32 magic

	certOffset := int64(len(buf))
	dwLength := 8 + len(certPayload)
	for dwLength%8 != 0 {
		dwLength++
	}
	cert := make([]byte, dwLength)
	binary.LittleEndian.PutUint32(cert[0:4], uint32(dwLength))
	binary.LittleEndian.PutUint16(cert[4:6], 0x0200) // wRevision WIN_CERT_REVISION_2_0
	binary.LittleEndian.PutUint16(cert[6:8], winCertTypePKCS7SignedData)
	copy(cert[8:], certPayload)
	buf = append(buf, cert...)

	dataDirOffset := optHeaderOffset + 96
	entryOffset := dataDirOffset + 4*8
	binary.LittleEndian.PutUint32(buf[entryOffset:], uint32(certOffset))
	binary.LittleEndian.PutUint32(buf[entryOffset+4:], uint32(len(cert)))

	return buf, peOffset
}

func TestCountersignerSigningTimesSingleSigner(t *testing.T) {
	signTime := time.Date(2021, 5, 4, 12, 30, 0, 0, time.UTC)
	signerInfo := buildSignerInfo(t, signTime, nil)
	payload := buildPKCS7SignedData(t, signerInfo)

	image, peOffset := buildPEWithCertificate(payload)

	got := CountersignerSigningTimes(image, peOffset)
	want := []string{signTime.Format(time.RFC3339)}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("CountersignerSigningTimes() = %v, want %v", got, want)
	}
}

func TestCountersignerSigningTimesWithCountersignature(t *testing.T) {
	signTime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	counterTime := time.Date(2020, 6, 7, 8, 9, 10, 0, time.UTC)
	signerInfo := buildSignerInfo(t, signTime, &counterTime)
	payload := buildPKCS7SignedData(t, signerInfo)

	image, peOffset := buildPEWithCertificate(payload)

	got := CountersignerSigningTimes(image, peOffset)
	want := []string{signTime.Format(time.RFC3339), counterTime.Format(time.RFC3339)}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("CountersignerSigningTimes() = %v, want %v", got, want)
	}
}

func TestCountersignerSigningTimesNoCertificateTable(t *testing.T) {
	image, peOffset := buildPEWithCertificate(nil)
	// Zero out the data directory entry this test doesn't want populated.
	optHeaderOffset := peOffset + 24
	dataDirOffset := optHeaderOffset + 96
	entryOffset := dataDirOffset + 4*8
	binary.LittleEndian.PutUint32(image[entryOffset:], 0)
	binary.LittleEndian.PutUint32(image[entryOffset+4:], 0)

	got := CountersignerSigningTimes(image, peOffset)
	if got != nil {
		t.Errorf("expected no signing times without a certificate table, got %v", got)
	}
}
